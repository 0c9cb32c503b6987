package trace

// TraceSummary aggregates statistics from a Trace.
type TraceSummary struct {
	TotalDecisions    int
	AdmittedCount     int
	RejectedCount     int
	HoldCount         int
	PauseCount        int
	EvictionsByReason map[string]int
	MaxHeldStreak     int // longest run of consecutive steps the same request was held
}

// Summarize computes aggregate statistics from a Trace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(t *Trace) *TraceSummary {
	summary := &TraceSummary{
		EvictionsByReason: make(map[string]int),
	}
	if t == nil {
		return summary
	}

	admissions := t.Admissions()
	summary.TotalDecisions = len(admissions)
	for _, a := range admissions {
		if a.Admitted {
			summary.AdmittedCount++
		} else {
			summary.RejectedCount++
		}
	}

	holds := t.Holds()
	summary.HoldCount = len(holds)
	streak := 0
	for i, h := range holds {
		if i > 0 && holds[i-1].RequestID == h.RequestID && holds[i-1].Step+1 == h.Step {
			streak++
		} else {
			streak = 1
		}
		summary.MaxHeldStreak = max(summary.MaxHeldStreak, streak)
	}

	summary.PauseCount = len(t.Pauses())
	for _, e := range t.Evictions() {
		summary.EvictionsByReason[e.Reason]++
	}
	return summary
}
