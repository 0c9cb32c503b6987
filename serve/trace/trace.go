package trace

import "sync"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every admission, hold, pause and eviction decision.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Trace collects scheduling decision records. Recording is safe for
// concurrent use; the engine records from the loop and from Submit callers.
type Trace struct {
	Level TraceLevel

	mu         sync.Mutex
	admissions []AdmissionRecord
	holds      []HoldRecord
	pauses     []PauseRecord
	evictions  []EvictionRecord
}

// New creates a Trace ready for recording. A nil *Trace is valid and records nothing.
func New(level TraceLevel) *Trace {
	return &Trace{Level: level}
}

// Enabled reports whether records are kept.
func (t *Trace) Enabled() bool {
	return t != nil && t.Level == TraceLevelDecisions
}

// RecordAdmission appends an admission decision record.
func (t *Trace) RecordAdmission(r AdmissionRecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	t.admissions = append(t.admissions, r)
	t.mu.Unlock()
}

// RecordHold appends a record of the queue head being held back.
func (t *Trace) RecordHold(r HoldRecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	t.holds = append(t.holds, r)
	t.mu.Unlock()
}

// RecordPause appends a record of a running request being paused for capacity.
func (t *Trace) RecordPause(r PauseRecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	t.pauses = append(t.pauses, r)
	t.mu.Unlock()
}

// RecordEviction appends a record of a request leaving the batch.
func (t *Trace) RecordEviction(r EvictionRecord) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	t.evictions = append(t.evictions, r)
	t.mu.Unlock()
}

// Admissions returns a copy of the admission records.
func (t *Trace) Admissions() []AdmissionRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AdmissionRecord(nil), t.admissions...)
}

// Holds returns a copy of the hold records.
func (t *Trace) Holds() []HoldRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]HoldRecord(nil), t.holds...)
}

// Pauses returns a copy of the pause records.
func (t *Trace) Pauses() []PauseRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PauseRecord(nil), t.pauses...)
}

// Evictions returns a copy of the eviction records.
func (t *Trace) Evictions() []EvictionRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]EvictionRecord(nil), t.evictions...)
}
