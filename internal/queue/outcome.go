package queue

import "time"

type State string

const (
	StateDequeued  State = "dequeued"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Outcome is the short-lived record of a request that left the queue.
type Outcome struct {
	State    State     `json:"state"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Outcome returns the recorded fate of id if it left the queue within the
// retention window. An id that was never admitted has no outcome.
func (q *Queue) Outcome(id string) (Outcome, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	o, ok := q.outcomes[id]
	if !ok || time.Since(o.At) > q.retention {
		return Outcome{}, false
	}
	return o, true
}

// Complete records the result of processing a dequeued request.
func (q *Queue) Complete(id, response string, err error) {
	o := Outcome{State: StateCompleted, Response: response}
	if err != nil {
		o = Outcome{State: StateFailed, Error: err.Error()}
	}

	q.mu.Lock()
	q.recordLocked(id, o)
	q.mu.Unlock()
}

// recordLocked stores o and prunes records older than the retention window.
// Caller holds q.mu.
func (q *Queue) recordLocked(id string, o Outcome) {
	now := time.Now()
	o.At = now
	q.outcomes[id] = o

	for k, v := range q.outcomes {
		if now.Sub(v.At) > q.retention {
			delete(q.outcomes, k)
		}
	}
}
