package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery. Acknowledgement is up to the handler.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// ConsumeOptions configures a broker consumer
type ConsumeOptions struct {
	Queue     string
	Tag       string
	AutoAck   bool
	Exclusive bool
	Arguments amqp.Table
}

// NewConsumerTag returns a unique consumer tag
func NewConsumerTag() string {
	return "ctag-" + uuid.NewString()
}

// Consumer dispatches the deliveries of one broker consumer to a handler,
// each delivery in its own goroutine. Concurrency is bounded by the channel
// prefetch setting.
type Consumer struct {
	opts     ConsumeOptions
	handler  MessageHandler
	logger   *zap.Logger
	inflight *sync.WaitGroup
	done     chan struct{}
}

// StartConsumer starts consuming on ch. Handlers run with ctx and are tracked
// by inflight when it is not nil.
func StartConsumer(ctx context.Context, ch Channel, opts ConsumeOptions, handler MessageHandler, logger *zap.Logger, inflight *sync.WaitGroup) (*Consumer, error) {
	if opts.Tag == "" {
		opts.Tag = NewConsumerTag()
	}

	deliveries, err := ch.Consume(
		opts.Queue,
		opts.Tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		opts.Arguments,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       opts.Queue,
			ConsumerTag: opts.Tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c := &Consumer{
		opts:     opts,
		handler:  handler,
		logger:   logger.With(zap.String("queue", opts.Queue), zap.String("consumerTag", opts.Tag)),
		inflight: inflight,
		done:     make(chan struct{}),
	}
	go c.processMessages(ctx, deliveries)

	c.logger.Debug("consumer started")
	return c, nil
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.opts.Tag
}

// Done is closed when the delivery stream ends
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer func() {
		close(c.done)
		c.logger.Debug("consumer stopped")
	}()

	for delivery := range deliveries {
		if c.inflight != nil {
			c.inflight.Add(1)
		}
		go func(d amqp.Delivery) {
			if c.inflight != nil {
				defer c.inflight.Done()
			}
			c.handler(ctx, d)
		}(delivery)
	}
}
