// SPDX-License-Identifier: MIT

package dispatch

import (
	"sync"

	"github.com/vacworks/stationd/internal/metrics"
)

// DefaultQueueCapacity matches the firmware's inbound message buffer.
const DefaultQueueCapacity = 16

// Queue is a bounded FIFO for raw inbound messages. A full queue drops new
// messages instead of blocking the station loop.
type Queue struct {
	mu    sync.Mutex
	items []string
	cap   int
	drops int64
}

// NewQueue builds a queue with the given capacity. Non-positive capacities
// fall back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{cap: capacity}
}

// Push buffers raw. It returns false and counts a drop when the queue is
// full.
func (q *Queue) Push(raw string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.drops++
		metrics.QueueDropsTotal.Inc()
		return false
	}
	q.items = append(q.items, raw)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return true
}

// Pop removes and returns the oldest buffered message.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	raw := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
	return raw, true
}

// Len reports how many messages are buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drops reports how many messages were rejected by a full queue.
func (q *Queue) Drops() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
