// Package metrics registers the daemon's Prometheus instruments: the
// scheduling core updates them at its own call sites, and an external
// HTTP exporter (outside this module's scope) is responsible for
// scraping the default registry.
package metrics
