package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode"
)

var (
	// ErrContentNotBuffer is returned when a raw channel is given non-byte content
	ErrContentNotBuffer = errors.New("content is not a buffer")
	// ErrMessageEmpty is returned when binding an envelope without a body
	ErrMessageEmpty = errors.New("message_empty")
	// ErrRemote matches every RemoteError
	ErrRemote = errors.New("remote_error")
)

// RemoteError is returned by Invoke when the responder reported a failure
type RemoteError struct {
	Envelope *Envelope
}

func (e *RemoteError) Error() string {
	if msg := e.Message(); msg != "" {
		return msg
	}
	return ErrRemote.Error()
}

// Is reports whether target is ErrRemote
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Message returns the message field of the remote error payload
func (e *RemoteError) Message() string {
	s, _ := e.Payload()["message"].(string)
	return s
}

// Stack returns the stack field of the remote error payload
func (e *RemoteError) Stack() string {
	s, _ := e.Payload()["stack"].(string)
	return s
}

// Payload returns the decoded error payload sent by the responder
func (e *RemoteError) Payload() map[string]interface{} {
	if e == nil || e.Envelope == nil {
		return map[string]interface{}{}
	}
	if m, ok := e.Envelope.Content.(map[string]interface{}); ok {
		return m
	}
	out := map[string]interface{}{}
	_ = json.Unmarshal(e.Envelope.Body, &out)
	return out
}

// CorrelationError is returned when a reply carries an unexpected correlation id
type CorrelationError struct {
	Expected string
	Envelope *Envelope
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlation id mismatch: expected %s, got %q",
		e.Expected, e.Envelope.HeaderString(HeaderCorrelationID))
}

// NewErrorPayload converts a handler error into its wire form: the error's
// own exported fields plus "message" and "stack".
func NewErrorPayload(err error) map[string]interface{} {
	payload := map[string]interface{}{}
	if raw, mErr := json.Marshal(err); mErr == nil {
		var fields map[string]interface{}
		if json.Unmarshal(raw, &fields) == nil {
			for k, v := range fields {
				payload[k] = v
			}
		}
	}
	payload["message"] = err.Error()
	payload["stack"] = ErrorName(err) + ": " + err.Error()
	return payload
}

// ErrorName returns the type name of an error, or "Error" for unexported types
func ErrorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "Error"
	}
	name := []rune(t.Name())
	if !unicode.IsUpper(name[0]) {
		return "Error"
	}
	return t.Name()
}
