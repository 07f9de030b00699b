package contracts

// Protocol header names carried in AMQP message headers.
const (
	HeaderTimestamp        = "x-timestamp"
	HeaderService          = "x-service"
	HeaderServiceVersion   = "x-service-version"
	HeaderConsumer         = "x-consumer"
	HeaderTransactionStack = "x-transaction-stack"
	HeaderOriginService    = "x-origin-service"
	HeaderOriginConsumer   = "x-origin-consumer"
	HeaderCorrelationID    = "x-correlation-id"
	HeaderReplyTo          = "x-reply-to"
	HeaderError            = "x-error"
	HeaderDeath            = "x-death"

	HeaderStreamChunk = "x-stream-chunk"
	HeaderStreamEnd   = "x-stream-end"
	HeaderStreamClose = "x-stream-close"
	HeaderStreamError = "x-stream-error"
)

// ContentTypeJSON is set on messages published by JSON channels.
const ContentTypeJSON = "application/json"

// DeliveryModePersistent is used for every outbound message.
const DeliveryModePersistent uint8 = 2
