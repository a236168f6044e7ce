package crawler

// stateRank orders the forward path; failed and expired sit outside it.
var stateRank = map[JobState]int{
	JobStateQueued:     0,
	JobStateCrawling:   1,
	JobStateProcessing: 2,
	JobStatePackaging:  3,
	JobStateComplete:   4,
}

// IsTerminal reports whether no further work happens for a job in state s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateComplete, JobStateFailed, JobStateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from s to next.
func (s JobState) CanTransition(next JobState) bool {
	switch next {
	case JobStateFailed:
		return !s.IsTerminal()
	case JobStateExpired:
		return s == JobStateComplete
	}
	if s.IsTerminal() {
		return false
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// NonTerminalStates lists every state from which a job can still fail.
func NonTerminalStates() []JobState {
	return []JobState{JobStateQueued, JobStateCrawling, JobStateProcessing, JobStatePackaging}
}
