// Package cmd implements the command-line interface of kvcheck. It provides
// a hierarchical command structure for grading a server, stressing it, running
// scripted scenarios and talking to it by hand.
//
// The package is organized into several subpackages:
//
//   - check: Runs the graded test groups against a server binary
//   - stress: Runs an ad-hoc stress workload and reports the throughput
//   - script: Runs YAML scenario scripts
//   - client: Sends single commands to a running server (set, get, del, ...)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable with the prefix
// KVCHECK_ (e.g. KVCHECK_PORT=5555), also read from .env and .env.local.
//
// See kvcheck -help for a list of all commands.
package cmd
