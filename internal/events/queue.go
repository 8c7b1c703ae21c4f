package events

import (
	"time"

	"github.com/google/uuid"
)

// Event schedules one pipeline pass for an item. Service, when set, names
// the service to run instead of the one the item's state routes to.
type Event struct {
	ID        uuid.UUID `json:"id"`
	ItemID    int64     `json:"item_id"`
	EmittedBy string    `json:"emitted_by"`
	Service   string    `json:"service,omitempty"`
	RunAt     time.Time `json:"run_at"`

	seq   uint64 // FIFO tie-break among equal run_at
	index int
}

// queue is a min-heap of events keyed by RunAt. It implements
// container/heap; all access goes through the manager's lock.
type queue []*Event

func (q queue) Len() int { return len(q) }

func (q queue) Less(a, b int) bool {
	if q[a].RunAt.Equal(q[b].RunAt) {
		return q[a].seq < q[b].seq
	}
	return q[a].RunAt.Before(q[b].RunAt)
}

func (q queue) Swap(a, b int) {
	q[a], q[b] = q[b], q[a]
	q[a].index = a
	q[b].index = b
}

func (q *queue) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}
