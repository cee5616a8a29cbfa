// Package util provides small building blocks for the stress orchestrator.
//
// The package contains:
//   - stats: summary statistics over per-worker operation counts and a SizeHistogram
//     tracking the distribution of value sizes written during a run
//   - queue: an unbounded multi-producer single-consumer queue used to funnel worker
//     results to the controller
package util
