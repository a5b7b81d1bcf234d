package app

import "trivia-duel-service/internal/domain"

// DefaultTopic is used when a matchmaking request names none.
const DefaultTopic = "matematica"

// MatchQueue keeps one FIFO of waiting players per topic.
// It is owned by the orchestrator loop and is not safe for concurrent use.
type MatchQueue struct {
	queues map[string][]domain.QueueEntry
	byUser map[string]string // userID -> topic
}

func NewMatchQueue() *MatchQueue {
	return &MatchQueue{
		queues: make(map[string][]domain.QueueEntry),
		byUser: make(map[string]string),
	}
}

// Enqueue appends an entry and pops the two oldest entries once a pair is available.
// Entries are returned in seat order. queued is false when the user already waits in some queue.
func (q *MatchQueue) Enqueue(topic string, entry domain.QueueEntry) (pair []domain.QueueEntry, queued bool) {
	if _, ok := q.byUser[entry.UserID]; ok {
		return nil, false
	}
	q.queues[topic] = append(q.queues[topic], entry)
	q.byUser[entry.UserID] = topic

	waiting := q.queues[topic]
	if len(waiting) < 2 {
		return nil, true
	}
	pair = []domain.QueueEntry{waiting[0], waiting[1]}
	q.queues[topic] = waiting[2:]
	if len(q.queues[topic]) == 0 {
		delete(q.queues, topic)
	}
	delete(q.byUser, pair[0].UserID)
	delete(q.byUser, pair[1].UserID)
	return pair, true
}

// Cancel removes the user's waiting entry, if any.
func (q *MatchQueue) Cancel(userID string) bool {
	topic, ok := q.byUser[userID]
	if !ok {
		return false
	}
	delete(q.byUser, userID)
	waiting := q.queues[topic]
	for i, e := range waiting {
		if e.UserID == userID {
			q.queues[topic] = append(waiting[:i:i], waiting[i+1:]...)
			break
		}
	}
	if len(q.queues[topic]) == 0 {
		delete(q.queues, topic)
	}
	return true
}

// CancelConn removes the entry bound to a connection.
func (q *MatchQueue) CancelConn(connID string) bool {
	for _, waiting := range q.queues {
		for _, e := range waiting {
			if e.ConnID == connID {
				return q.Cancel(e.UserID)
			}
		}
	}
	return false
}

// Contains reports whether the user waits in any topic queue.
func (q *MatchQueue) Contains(userID string) bool {
	_, ok := q.byUser[userID]
	return ok
}

// Len returns the number of players waiting on a topic.
func (q *MatchQueue) Len(topic string) int {
	return len(q.queues[topic])
}
