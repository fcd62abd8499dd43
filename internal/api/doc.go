// Package api exposes the operator HTTP interface: fleet start and stop,
// per-worker control and logs, out-of-band sweeps, settings, rescue ledger
// export and node health, plus the Prometheus scrape endpoint.
package api
