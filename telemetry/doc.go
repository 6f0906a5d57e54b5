// Package telemetry exports relay metrics to Prometheus.
//
// A Collector is attached to a proxy with proxy.WithObserver and served over HTTP
// with Handler:
//
//	collector := telemetry.NewCollector(telemetry.Config{Namespace: "relay"}, nil)
//	p, _ := proxy.New(client, cfg, logger, proxy.WithObserver(collector))
//	http.Handle("/metrics", collector.Handler())
//
// Model label values are capped; models beyond the cap are reported as "other".
package telemetry
