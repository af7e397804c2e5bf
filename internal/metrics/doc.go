// Package metrics provides the observability hooks for pipeline runs.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so single-shot runs carry no metrics machinery at all. The
// daemon swaps in a PrometheusRecorder backed by its own registry and serves
// the scrape endpoint from the same process:
//
//	reg := prometheus.NewRegistry()
//	recorder := metrics.NewPrometheusRecorder(reg)
//	mux.Handle("/metrics", metrics.HTTPHandler(reg))
//
// PrometheusRecorder methods are nil-receiver safe, so callers never need to
// guard their recorder field.
package metrics
