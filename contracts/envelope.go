package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is an inbound message handed to handlers or returned from Invoke.
//
// Content holds the decoded payload: the unmarshalled JSON value on JSON
// channels, or the raw bytes on raw channels. Body always holds the bytes
// received from the broker.
type Envelope struct {
	Content    interface{}
	Body       []byte
	Properties Properties
	Fields     Fields
}

// Properties mirrors the AMQP basic properties of a message
type Properties struct {
	Headers         amqp.Table
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	AppID           string
}

// Fields holds the delivery information assigned by the broker
type Fields struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// NewEnvelope builds an envelope from a broker delivery and its decoded content
func NewEnvelope(d amqp.Delivery, content interface{}) *Envelope {
	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	return &Envelope{
		Content: content,
		Body:    d.Body,
		Properties: Properties{
			Headers:         headers,
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			AppID:           d.AppId,
		},
		Fields: Fields{
			ConsumerTag: d.ConsumerTag,
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
		},
	}
}

// Header returns the raw value of a header, or nil
func (e *Envelope) Header(key string) interface{} {
	if e == nil || e.Properties.Headers == nil {
		return nil
	}
	return e.Properties.Headers[key]
}

// HeaderString returns a header as a string, or "" when absent or not a string
func (e *Envelope) HeaderString(key string) string {
	s, _ := e.Header(key).(string)
	return s
}

// HeaderBool reports whether a header is set to true
func (e *Envelope) HeaderBool(key string) bool {
	b, _ := e.Header(key).(bool)
	return b
}

// Bind unmarshals the message body into v
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Body) == 0 {
		return ErrMessageEmpty
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to bind message body: %w", err)
	}
	return nil
}

// Document returns the envelope as a generic JSON document of the form
// {"content": ..., "properties": {...}} suitable for schema validation.
// Raw content is exposed as a string.
func (e *Envelope) Document() (map[string]interface{}, error) {
	content := e.Content
	if raw, ok := content.([]byte); ok {
		content = string(raw)
	}

	doc := map[string]interface{}{
		"content": content,
		"properties": map[string]interface{}{
			"headers":      map[string]interface{}(e.Properties.Headers),
			"contentType":  e.Properties.ContentType,
			"deliveryMode": e.Properties.DeliveryMode,
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope document: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode envelope document: %w", err)
	}
	return out, nil
}
