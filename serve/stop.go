package serve

import "strings"

// stopMatcher watches decoded output for stop sequences. Only a tail of the
// output as long as the longest stop sequence (plus the newest piece) is kept.
type stopMatcher struct {
	stops  []string
	maxLen int
	tail   string
}

func newStopMatcher(stops []string) *stopMatcher {
	m := &stopMatcher{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		m.stops = append(m.stops, s)
		m.maxLen = max(m.maxLen, len(s))
	}
	return m
}

// Push appends a decoded piece and reports the stop sequence it completed, if any.
func (m *stopMatcher) Push(piece string) (bool, string) {
	if len(m.stops) == 0 {
		return false, ""
	}
	m.tail += piece
	if ok, stop := findStop(m.tail, m.stops); ok {
		return true, stop
	}
	if keep := m.maxLen - 1; len(m.tail) > keep {
		m.tail = m.tail[len(m.tail)-keep:]
	}
	return false, ""
}

// findStop returns true if any configured stop sequence is present in sequence.
func findStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(sequence, stop) {
			return true, stop
		}
	}
	return false, ""
}
