// Package schema validates inbound envelopes before they reach a handler.
//
// A Validator sees the whole envelope as a JSON document of the form
//
//	{"content": ..., "properties": {"headers": {...}, "contentType": ..., "deliveryMode": ...}}
//
// so a schema can constrain headers as well as the payload. Validators are
// built from a JSON Schema document with Compile, from a Go type with
// ForContent, or from a plain function with ValidatorFunc.
//
// Basic usage:
//
//	v, err := schema.Compile(`{
//	    "type": "object",
//	    "properties": {"content": {"type": "object", "required": ["id"]}}
//	}`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = ch.SubscribeToMessages(ctx, "topic/orders/created/orders", handler,
//	    messaging.WithValidator(v))
//
// On subscriptions an invalid message is logged, acknowledged and dropped.
// On RPC listeners it is answered with an error reply whose stack starts with
// "ValidationError".
package schema
