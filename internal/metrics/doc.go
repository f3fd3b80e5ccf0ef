// Package metrics contains abstractions for emission of metrics generated while answering
// queries. Currently, the only supported metrics output engine is statsd.
//
// Metrics are generated at several points of a single request: when the datagram is parsed,
// when an answer address is chosen and when the reply is written. The emissions in this package
// are therefore structured around hooks: a hook interface defines methods that the responder
// invokes at those points, and implementations of the interface ship the metrics to a backend.
// Noop implementations are used when no backend is configured.
package metrics
