/*
Package metrics provides Prometheus instrumentation, health checking,
and admin snapshot views.

Counters and histograms are updated inline by the owning components;
gauges are refreshed by a Collector that samples live state every 15
seconds. The health checker keeps a component registry: /health reports
overall status, /ready gates on the critical components (runtime,
registry, api), and /live only proves the process is up.

Snapshot types back the admin metrics endpoints with point-in-time JSON
views of the host, the sandbox fleet, and per-client rate limiting.
*/
package metrics
