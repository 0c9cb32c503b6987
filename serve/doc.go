// Package serve provides the continuous-batching scheduler for batchserve.
//
// # Reading Guide
//
// Start with these three files to understand the scheduling kernel:
//   - request.go: Request lifecycle (queued → running ⇄ paused → finished)
//   - engine.go: Submit/Cancel, the scheduler loop and one Step
//   - batch.go: the active set, step inputs and stop conditions
//
// Supporting state:
//   - queue.go: bounded FIFO of requests awaiting admission
//   - capacity.go: block-based cache budget with exactly-once release
//   - stream.go: per-request event channels that never block the loop
//
// # Architecture
//
// The serve package defines interfaces and bridge types; implementations live
// in sub-packages:
//   - serve/sampling/: seeded token sampling
//   - serve/backend/synthetic/: deterministic CPU backend with a regression latency model
//   - serve/metrics/: Prometheus exporter
//   - serve/trace/: decision trace recording
//   - serve/workload/: synthetic load generation for benchmarks
//
// Sub-packages register their implementations via init() functions that set
// package-level factory variables (NewSamplerFunc) or call RegisterBackend.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Backend: one forward pass over a batch of step inputs
//   - Tokenizer: text to token IDs and back
//   - TokenSampler: choose the next token from logits
//   - AdmissionPolicy: accept or reject at submit time
//   - QueueOrdering, PriorityPolicy: order the queue before each admission round
//   - Observer: receive queue, step and completion events
package serve
