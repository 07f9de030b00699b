// Package messaging implements the channel operations of the connector:
// publishing, subscriptions with dead-letter retries, and RPC over queues.
//
// A Channel wraps one managed broker channel. Every consumer it starts is
// registered as a setup on that channel and is redeclared and restarted
// after a reconnect.
//
// Qualifiers select the broker objects an operation works on:
//
//	publish:   q/<queue> | direct/<exchange>/<routingKey> | topic/<exchange>/<routingKey>
//	           fanout/<exchange> | headers/<exchange>
//	subscribe: direct|topic/<exchange>/<routingKey>/<queue> | fanout|headers/<exchange>/<queue>
//	invoke:    <function> | stream/<function>
//
// Basic usage:
//
//	ch, err := conn.BuildChannel(amqpconnector.ChannelConfig{Name: "orders", JSON: true})
//
//	_, err = ch.SubscribeToMessages(ctx, "topic/orders/order.created/billing",
//	    func(ctx context.Context, d *messaging.Delivery) error {
//	        var order Order
//	        if err := d.Message.Bind(&order); err != nil {
//	            return err
//	        }
//	        _, err := d.Invoke(ctx, "charge", order)
//	        return err
//	    },
//	    messaging.WithRetry(500*time.Millisecond), messaging.WithMaxTries(4))
//
//	err = ch.PublishMessage(ctx, "topic/orders/order.created", Order{ID: "o-1"})
package messaging
