// Package trace provides decision-trace recording for scheduler analysis.
// This package has no dependencies on serve/; it stores pure data types.
package trace

// AdmissionRecord captures a single admission decision: either at submit time
// (Step is -1) or when the loop moves a request from the queue into the batch.
type AdmissionRecord struct {
	RequestID string
	Step      int64
	Admitted  bool
	Reason    string
	Blocks    int64 // blocks reserved on admission
	FreeAfter int64
}

// HoldRecord captures the queue head staying queued because it did not fit.
type HoldRecord struct {
	RequestID  string
	Step       int64
	NeedBlocks int64
	FreeBlocks int64
	QueueDepth int
}

// PauseRecord captures a running request that could not grow its reservation.
type PauseRecord struct {
	RequestID  string
	Step       int64
	Generated  int
	FreeBlocks int64
}

// EvictionRecord captures a request leaving the batch or the queue.
type EvictionRecord struct {
	RequestID string
	Step      int64
	Reason    string
	Generated int
	Queued    bool // evicted before admission
}
