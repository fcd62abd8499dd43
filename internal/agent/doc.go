// Package agent runs one fleet worker: it watches a deposit wallet through the
// operator's own Nano node, tracks the receivable balance and sweeps the
// wallet into the master account when it crosses the configured threshold.
// Agents talk to the supervisor only through typed Report and Command values.
package agent
