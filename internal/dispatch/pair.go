package dispatch

import "github.com/adcondev/printomat/internal/queue"

// assignment is one job handed to one session.
type assignment struct {
	JobID     int64
	SessionID string
}

// pair matches pending jobs, in delivery order, with idle sessions, in the
// order given. It takes no locks and changes nothing.
func pair(pending []queue.Job, idle []string) []assignment {
	n := min(len(pending), len(idle))
	out := make([]assignment, n)
	for i := 0; i < n; i++ {
		out[i] = assignment{JobID: pending[i].ID, SessionID: idle[i]}
	}
	return out
}
