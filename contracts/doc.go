// Package contracts provides the message types shared by every layer of the connector.
//
// This package defines:
//   - Envelope: a decoded inbound message with its AMQP properties and delivery fields
//   - Header names used by the publish, RPC and tracing protocols
//   - RemoteError and CorrelationError returned to RPC callers
//   - ErrorPayload, the wire form of a handler failure
//
// Envelopes are produced by the messaging package and handed to subscription
// and listen handlers, and returned from Invoke.
package contracts
