// Package common provides the core data structures shared by every part of the
// kvcheck harness. It defines the configuration passed into the harness, the
// error taxonomy used to classify failures and the logging and metrics setup.
//
// The package focuses on:
//   - An immutable configuration value that is threaded through constructors
//     (there is no package level mutable state besides loggers and metrics)
//   - A tagged error taxonomy with explicit cause chaining
//   - Custom logging implementation integrated with Dragonboat's logger facade
//   - Harness wide metrics based on VictoriaMetrics
//
// Key Components:
//
//   - Config: Settings for the server under test (binary, attach pid, dump file,
//     grace periods) and for the client side (endpoint, timeouts).
//
//   - Error / Kind: Every failure the harness reports carries one of the kinds
//     KindTransport, KindProtocol, KindServerFault, KindIntegrity,
//     KindThroughput or KindTest plus an optional cause.
//
//   - ServerFault: A well-formed, non-zero status reply of the server. Faults
//     are expected in many scenarios and asserted against explicitly.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logging facade, writing to the harness' own stderr.
package common
