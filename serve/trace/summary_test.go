package trace

import "testing"

func TestSummarize_NilTrace_ReturnsZeroValues(t *testing.T) {
	s := Summarize(nil)
	if s.TotalDecisions != 0 || s.HoldCount != 0 || len(s.EvictionsByReason) != 0 {
		t.Errorf("nil trace: got %+v", s)
	}
}

func TestTrace_LevelNone_RecordsNothing(t *testing.T) {
	tr := New(TraceLevelNone)
	tr.RecordAdmission(AdmissionRecord{RequestID: "A", Admitted: true})
	tr.RecordHold(HoldRecord{RequestID: "A"})
	if len(tr.Admissions()) != 0 || len(tr.Holds()) != 0 {
		t.Error("records kept at level none")
	}

	var nilTrace *Trace
	nilTrace.RecordEviction(EvictionRecord{RequestID: "A"}) // must not panic
	if nilTrace.Enabled() {
		t.Error("nil trace reports enabled")
	}
}

func TestSummarize_CountsDecisions(t *testing.T) {
	// GIVEN a trace with two admissions, one rejection, a hold streak and evictions
	tr := New(TraceLevelDecisions)
	tr.RecordAdmission(AdmissionRecord{RequestID: "A", Step: 1, Admitted: true})
	tr.RecordAdmission(AdmissionRecord{RequestID: "B", Step: 4, Admitted: true})
	tr.RecordAdmission(AdmissionRecord{RequestID: "C", Step: -1, Admitted: false, Reason: "queue full"})
	for step := int64(1); step <= 3; step++ {
		tr.RecordHold(HoldRecord{RequestID: "B", Step: step})
	}
	tr.RecordHold(HoldRecord{RequestID: "D", Step: 7})
	tr.RecordPause(PauseRecord{RequestID: "A", Step: 2})
	tr.RecordEviction(EvictionRecord{RequestID: "A", Step: 3, Reason: "max_tokens"})
	tr.RecordEviction(EvictionRecord{RequestID: "B", Step: 9, Reason: "max_tokens"})
	tr.RecordEviction(EvictionRecord{RequestID: "E", Step: 9, Reason: "cancelled", Queued: true})

	// WHEN summarized
	s := Summarize(tr)

	// THEN every count matches
	if s.TotalDecisions != 3 || s.AdmittedCount != 2 || s.RejectedCount != 1 {
		t.Errorf("admissions: got total=%d admitted=%d rejected=%d", s.TotalDecisions, s.AdmittedCount, s.RejectedCount)
	}
	if s.HoldCount != 4 || s.MaxHeldStreak != 3 {
		t.Errorf("holds: got count=%d streak=%d, want 4 and 3", s.HoldCount, s.MaxHeldStreak)
	}
	if s.PauseCount != 1 {
		t.Errorf("pauses: got %d, want 1", s.PauseCount)
	}
	if s.EvictionsByReason["max_tokens"] != 2 || s.EvictionsByReason["cancelled"] != 1 {
		t.Errorf("evictions: got %v", s.EvictionsByReason)
	}
}

func TestIsValidTraceLevel(t *testing.T) {
	for level, want := range map[string]bool{"": true, "none": true, "decisions": true, "verbose": false} {
		if got := IsValidTraceLevel(level); got != want {
			t.Errorf("IsValidTraceLevel(%q): got %v, want %v", level, got, want)
		}
	}
}
