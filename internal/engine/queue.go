package engine

import "github.com/weft-labs/weft/pkg/schema"

// executionQueue is a three-tier priority queue of execution IDs.
// Higher priorities dequeue first; within a tier, order is FIFO.
// Not safe for concurrent use; the engine guards it with its mutex.
type executionQueue struct {
	tiers [3][]string
}

func newExecutionQueue() *executionQueue {
	return &executionQueue{}
}

func (q *executionQueue) push(p schema.Priority, executionID string) {
	tier := p.Rank()
	q.tiers[tier] = append(q.tiers[tier], executionID)
}

func (q *executionQueue) pop() (string, bool) {
	for i := range q.tiers {
		if len(q.tiers[i]) == 0 {
			continue
		}
		id := q.tiers[i][0]
		q.tiers[i] = q.tiers[i][1:]
		return id, true
	}
	return "", false
}

// remove drops a queued execution, returning whether it was present.
func (q *executionQueue) remove(executionID string) bool {
	for i := range q.tiers {
		for j, id := range q.tiers[i] {
			if id == executionID {
				q.tiers[i] = append(q.tiers[i][:j], q.tiers[i][j+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *executionQueue) len() int {
	return len(q.tiers[0]) + len(q.tiers[1]) + len(q.tiers[2])
}
