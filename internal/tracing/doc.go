// Package tracing carries call-chain context across AMQP hops.
//
// Two mechanisms travel in message headers:
//   - the transaction stack, an ordered list of short ids with one id
//     appended by every publish or invoke
//   - the origin markers x-origin-service and x-origin-consumer, copied from
//     the message that triggered a nested call
//
// W3C trace context is propagated alongside through the OpenTelemetry
// global propagator so broker hops show up in distributed traces.
package tracing
