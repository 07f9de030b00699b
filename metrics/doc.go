// Package metrics exposes Prometheus instruments for the connector.
//
// A Collector is optional everywhere it is accepted; a nil *Collector
// records nothing. Register one on any prometheus.Registerer:
//
//	reg := prometheus.NewRegistry()
//	collector, err := metrics.NewCollector(reg, "orders")
//	connector := amqpconnector.New(cfg, amqpconnector.WithMetrics(collector))
package metrics
