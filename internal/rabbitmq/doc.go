// Package rabbitmq provides the broker plumbing used by the connector.
//
// This package includes:
//   - Connection and Channel: the subset of amqp091-go the connector relies on,
//     expressed as interfaces so an in-memory broker can stand in during tests
//   - ConnectionManager: dials a list of endpoints with backoff and redials
//     after connection loss, notifying state listeners
//   - ManagedChannel: a named channel that is reopened after loss and replays
//     its registered setups on every reopen
//   - Consumer: dispatches the deliveries of one broker consumer to a handler
//   - Topology helpers for exchanges, queues and bindings
package rabbitmq
