// Package reliability provides the failure handling used by the messaging engine.
//
// This package implements:
//   - WithTimeout: races an operation against a deadline and reports a late
//     completion as a TimeoutError
//   - RetryPolicy: the dead-letter retry ring of a subscription, a fanout
//     exchange plus a TTL holding queue that route rejected messages back to
//     their live queue after a delay
//   - DeathCount: reads the broker maintained x-death history
//
// Example usage:
//
//	policy := reliability.RetryPolicy{Retry: 500 * time.Millisecond, MaxTries: 4}.Normalize("")
//	topology := policy.Topology()
//	queueArgs := policy.LiveQueueArguments("orders")
package reliability
