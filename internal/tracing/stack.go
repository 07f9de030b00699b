package tracing

import (
	"math/rand/v2"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-connector-go/contracts"
)

const (
	stackAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	DefaultStackIDSize = 5
)

// GenerateStackID returns a random id of the given size drawn from [A-Za-z0-9].
// A size of zero or less uses DefaultStackIDSize.
func GenerateStackID(size int) string {
	if size <= 0 {
		size = DefaultStackIDSize
	}
	b := make([]byte, size)
	for i := range b {
		b[i] = stackAlphabet[rand.IntN(len(stackAlphabet))]
	}
	return string(b)
}

// Stack converts a transaction stack header value into a list of ids.
func Stack(value interface{}) []interface{} {
	switch v := value.(type) {
	case []interface{}:
		out := make([]interface{}, len(v))
		copy(out, v)
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case string:
		if v == "" {
			return []interface{}{}
		}
		return []interface{}{v}
	default:
		return []interface{}{}
	}
}

// AppendStack returns the stack stored in headers with one fresh id appended.
// The headers are not modified.
func AppendStack(headers amqp.Table) []interface{} {
	stack := Stack(headers[contracts.HeaderTransactionStack])
	return append(stack, GenerateStackID(DefaultStackIDSize))
}

// ContextHeaders returns the headers a nested call inherits from the message
// that triggered it.
func ContextHeaders(parent amqp.Table) amqp.Table {
	out := amqp.Table{}
	if v, ok := parent[contracts.HeaderService]; ok && v != nil {
		out[contracts.HeaderOriginService] = v
	}
	if v, ok := parent[contracts.HeaderConsumer]; ok && v != nil {
		out[contracts.HeaderOriginConsumer] = v
	}
	if v, ok := parent[contracts.HeaderTransactionStack]; ok && v != nil {
		out[contracts.HeaderTransactionStack] = Stack(v)
	}
	return out
}

// MergeHeaders copies every source table into a new table, later tables winning.
func MergeHeaders(tables ...amqp.Table) amqp.Table {
	out := amqp.Table{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}
