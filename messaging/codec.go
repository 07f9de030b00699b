package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/amqp-connector-go/contracts"
)

// codec converts payloads between Go values and message bodies. JSON
// channels encode values as JSON; raw channels only carry bytes.
type codec struct {
	json bool
}

func rawBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case json.RawMessage:
		return b, true
	}
	return nil, false
}

// encode prepares a published message or a reply body
func (c codec) encode(v interface{}) ([]byte, error) {
	if b, ok := rawBytes(v); ok {
		return b, nil
	}
	if !c.json {
		return nil, contracts.ErrContentNotBuffer
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}

// encodeRequest prepares an RPC request body, JSON encoding non byte
// payloads on every channel.
func (c codec) encodeRequest(v interface{}) ([]byte, error) {
	if b, ok := rawBytes(v); ok {
		return b, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return b, nil
}

// decode returns the content handed to handlers
func (c codec) decode(body []byte) (interface{}, error) {
	if !c.json {
		return body, nil
	}
	if len(body) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return v, nil
}

// encodeError renders an error reply. Both channel kinds carry it as JSON.
func (c codec) encodeError(err error) []byte {
	b, mErr := json.Marshal(contracts.NewErrorPayload(err))
	if mErr != nil {
		b, _ = json.Marshal(map[string]interface{}{
			"message": err.Error(),
			"stack":   contracts.ErrorName(err) + ": " + err.Error(),
		})
	}
	return b
}

func (c codec) contentType() string {
	if c.json {
		return contracts.ContentTypeJSON
	}
	return ""
}

// encodeReply prepares a listener result. A nil result on a raw channel is
// sent as an empty body.
func (c codec) encodeReply(v interface{}) ([]byte, error) {
	if v == nil && !c.json {
		return []byte{}, nil
	}
	return c.encode(v)
}
