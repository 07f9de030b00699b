package connector

import (
	"github.com/glimte/amqp-connector-go/contracts"
	"github.com/glimte/amqp-connector-go/internal/qualifier"
	"github.com/glimte/amqp-connector-go/internal/rabbitmq"
	"github.com/glimte/amqp-connector-go/internal/reliability"
	"github.com/glimte/amqp-connector-go/messaging"
)

var (
	ErrQualifierMalformed   = qualifier.ErrMalformed
	ErrContentNotBuffer     = contracts.ErrContentNotBuffer
	ErrNoChannel            = rabbitmq.ErrNoChannel
	ErrChannelAlreadyExists = messaging.ErrChannelAlreadyExists
	ErrChannelClosed        = messaging.ErrChannelClosed
	ErrConnectionClosed     = rabbitmq.ErrConnectionClosed
	ErrTimeout              = reliability.ErrTimeout
	ErrRemote               = contracts.ErrRemote
	ErrStreamQualifier      = messaging.ErrStreamQualifier
	ErrNotStreamQualifier   = messaging.ErrNotStreamQualifier
)

type (
	// TimeoutError is returned when an RPC call outlives its timeout
	TimeoutError = reliability.TimeoutError
	// RemoteError carries the error reply of an RPC responder
	RemoteError = contracts.RemoteError
	// CorrelationError is returned for a reply to another call
	CorrelationError = contracts.CorrelationError
	// ConnectionError describes a failed dial
	ConnectionError = rabbitmq.ConnectionError
	// ChannelError describes a failed channel operation
	ChannelError = rabbitmq.ChannelError
	// TopologyError describes a failed declaration. It wraps the broker's *amqp.Error.
	TopologyError = rabbitmq.TopologyError
)

// IsDeclarationConflict reports whether err is a broker precondition failure
// raised by redeclaring an object with different arguments
func IsDeclarationConflict(err error) bool {
	return rabbitmq.IsDeclarationConflict(err)
}
