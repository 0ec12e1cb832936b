// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements the blocking
// shortest-job-first queue that feeds the
// digest worker pool.
//
// Items are ordered by ascending cost (the
// file size observed at dispatch time), and
// items with equal cost dequeue in insertion
// order, so the queue behaves as a plain FIFO
// whenever costs tie.
package queue

import (
	"math"
	"sync"

	"github.com/SnellerInc/sha256d/shaproto"
)

// Item is one unit of scheduled work.
type Item struct {
	// Req is the decoded client request.
	Req shaproto.Request
	// ID is an opaque identifier assigned at
	// dispatch time; it is only used to correlate
	// log lines for the same request.
	ID string
	// Cost is the scheduling weight (file size
	// in bytes; zero if unknown or for control
	// commands). Cost never affects the digest.
	Cost int64

	stop bool
	seq  uint64
}

// Sentinel returns a stop item. Sentinels sort
// after all real work so that the queue drains
// before workers observe them.
func Sentinel() Item {
	return Item{Cost: math.MaxInt64, stop: true}
}

// IsStop reports whether the item is a stop
// sentinel; a worker that pops one should exit.
func (it *Item) IsStop() bool { return it.stop }

// Queue is a blocking multi-producer,
// multi-consumer priority queue.
// The zero value is not usable; see New.
type Queue struct {
	lock  sync.Mutex
	cond  sync.Cond
	items []Item
	seq   uint64
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond.L = &q.lock
	return q
}

func less(a, b *Item) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.seq < b.seq
}

// Push inserts it and wakes one blocked consumer.
// Push never blocks.
func (q *Queue) Push(it Item) {
	q.lock.Lock()
	it.seq = q.seq
	q.seq++
	q.items = append(q.items, it)
	siftUp(q.items, len(q.items)-1)
	q.cond.Signal()
	q.lock.Unlock()
}

// Pop removes and returns the item with the
// smallest cost, blocking while the queue
// is empty.
func (q *Queue) Pop() Item {
	q.lock.Lock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	it := q.items[0]
	last := len(q.items) - 1
	q.items[0] = q.items[last]
	q.items[last] = Item{}
	q.items = q.items[:last]
	if len(q.items) > 0 {
		siftDown(q.items, 0)
	}
	q.lock.Unlock()
	return it
}

// Len returns the current queue size.
// The result is for observation only; it may
// be stale by the time the caller uses it.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func siftUp(x []Item, index int) {
	for index > 0 {
		p := (index - 1) / 2
		if less(&x[p], &x[index]) {
			break
		}
		x[p], x[index] = x[index], x[p]
		index = p
	}
}

func siftDown(x []Item, index int) {
	for {
		left := (index * 2) + 1
		right := left + 1
		if left >= len(x) {
			break
		}
		c := left
		if len(x) > right && less(&x[right], &x[left]) {
			c = right
		}
		if less(&x[index], &x[c]) {
			break
		}
		x[c], x[index] = x[index], x[c]
		index = c
	}
}
