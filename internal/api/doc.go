// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /monitors, POST /monitors/{id}/stop and POST /monitors/stop-all
//     manage monitoring runs; GET /monitors/status reports the active run.
//   - POST /bookings queues booking automation.
//   - POST /webhooks/monitor-event ingests events from workers.
//   - GET /ws/monitor-updates streams events to live observers.
package api
