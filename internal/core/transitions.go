package core

// transitions is the complete table of legal status changes.
// REJECTED never loops back to COMPLETED; CONFIRMED and REJECTED are review outcomes of COMPLETED.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusNew:       {TaskStatusReady},
	TaskStatusReady:     {TaskStatusNew, TaskStatusRunning},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted: {TaskStatusConfirmed, TaskStatusRejected},
	TaskStatusConfirmed: {TaskStatusRejected},
	TaskStatusRejected:  {TaskStatusConfirmed},
	TaskStatusFailed:    {TaskStatusReady, TaskStatusRunning},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s TaskStatus) []TaskStatus {
	next := transitions[s]
	out := make([]TaskStatus, len(next))
	copy(out, next)
	return out
}

// TransitionTable returns a copy of the whole table keyed by source status.
func TransitionTable() map[TaskStatus][]TaskStatus {
	table := make(map[TaskStatus][]TaskStatus, len(transitions))
	for from := range transitions {
		table[from] = NextStatuses(from)
	}
	return table
}

// IsTerminal reports whether a status ends a run. Review outcomes can still change.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}
