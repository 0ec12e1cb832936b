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

// Package sumcache provides the content-addressed
// digest cache at the center of the server.
//
// The cache maps file paths to entries that are
// either still being computed (Pending) or have
// reached a terminal state (Ready or Failed).
// LookupOrInsert guarantees that exactly one caller
// creates the entry for a given path, no matter how
// many callers race; that caller becomes the owner
// and is obliged to publish a terminal state with
// SetDigest or SetFailed exactly once. Everyone else
// blocks in Wait until the owner publishes.
//
// Entries are never evicted; both successes and
// failures are cached for the process lifetime.
package sumcache

import (
	"sync"
	"sync/atomic"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"
)

// State is the lifecycle state of a cache entry.
type State uint8

const (
	// Pending entries have an owner computing
	// the digest; waiters block until the entry
	// becomes terminal.
	Pending State = iota
	// Ready entries hold a computed digest.
	Ready
	// Failed entries record that the digest
	// computation failed; the failure is cached
	// and never retried.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	default:
		return "INVALID"
	}
}

// Entry is a single cache slot. Entries are created
// by Cache.LookupOrInsert and live for the process
// lifetime; the path is immutable after creation.
type Entry struct {
	path string

	// lock guards state and digest; cond carries
	// the single publication event from the owner
	// to all waiters
	lock   sync.Mutex
	cond   sync.Cond
	state  State
	digest string
}

// Path returns the path this entry is keyed by.
func (e *Entry) Path() string { return e.path }

// the table is split into shards so that unrelated
// lookups don't contend on one lock; the shard for
// a path is chosen by its siphash
const shardCount = 16

// fixed siphash keys; these only need to be stable
// for the lifetime of the process
const (
	shardK0 = 0x736861323536641b
	shardK1 = 0x9e3779b97f4a7c15
)

type shard struct {
	lock    sync.Mutex
	entries map[string]*Entry
}

// Cache is a path-to-digest cache safe for
// concurrent use. See New.
type Cache struct {
	shards [shardCount]shard

	// statistics; accessed atomically
	hits, misses, failures int64
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*Entry)
	}
	return c
}

func (c *Cache) shardOf(path string) *shard {
	h := siphash.Hash(shardK0, shardK1, []byte(path))
	return &c.shards[h&(shardCount-1)]
}

// LookupOrInsert returns the entry for path,
// creating it if necessary. created is true iff
// this call created the entry; across concurrent
// calls with the same path, exactly one caller
// observes created=true and becomes the entry's
// owner (see SetDigest, SetFailed).
func (c *Cache) LookupOrInsert(path string) (e *Entry, created bool) {
	sh := c.shardOf(path)
	sh.lock.Lock()
	if e = sh.entries[path]; e != nil {
		sh.lock.Unlock()
		return e, false
	}
	e = &Entry{path: path}
	e.cond.L = &e.lock
	sh.entries[path] = e
	sh.lock.Unlock()
	atomic.AddInt64(&c.misses, 1)
	return e, true
}

// Wait blocks until e is terminal and returns its
// state and digest. If e is already terminal, Wait
// returns immediately. The digest is the empty
// string unless the state is Ready.
func (c *Cache) Wait(e *Entry) (State, string) {
	e.lock.Lock()
	for e.state == Pending {
		e.cond.Wait()
	}
	state, digest := e.state, e.digest
	e.lock.Unlock()
	if state == Ready {
		atomic.AddInt64(&c.hits, 1)
	}
	return state, digest
}

// SetDigest publishes digest as the terminal state
// of e and wakes all waiters. Only the owner may
// call it, exactly once; publishing to an entry
// that is already terminal is a bug and panics.
func (c *Cache) SetDigest(e *Entry, digest string) {
	e.lock.Lock()
	if e.state != Pending {
		e.lock.Unlock()
		panic("sumcache: terminal state published twice for " + e.path)
	}
	e.state = Ready
	e.digest = digest
	e.cond.Broadcast()
	e.lock.Unlock()
}

// SetFailed marks e as failed and wakes all waiters.
// The failure is terminal: future requests for the
// path are answered from the cached failure and the
// computation is never retried.
func (c *Cache) SetFailed(e *Entry) {
	e.lock.Lock()
	if e.state != Pending {
		e.lock.Unlock()
		panic("sumcache: terminal state published twice for " + e.path)
	}
	e.state = Failed
	e.cond.Broadcast()
	e.lock.Unlock()
	atomic.AddInt64(&c.failures, 1)
}

// TryGet returns the digest for path without
// blocking. ok is false if there is no entry for
// path or its entry is not Ready.
func (c *Cache) TryGet(path string) (digest string, ok bool) {
	sh := c.shardOf(path)
	sh.lock.Lock()
	e := sh.entries[path]
	sh.lock.Unlock()
	if e == nil {
		return "", false
	}
	e.lock.Lock()
	if e.state == Ready {
		digest, ok = e.digest, true
	}
	e.lock.Unlock()
	if ok {
		atomic.AddInt64(&c.hits, 1)
	}
	return digest, ok
}

// EntryState is one row of a Snapshot.
type EntryState struct {
	Path   string
	State  State
	Digest string
}

// Snapshot returns a consistent view of the cache:
// the returned rows are exactly the (path, state)
// pairs present at one moment in time, sorted
// by path.
func (c *Cache) Snapshot() []EntryState {
	// grab every shard lock so that no entry can
	// be inserted while we walk the table, then
	// every entry lock so that no entry can change
	// state while the rows are collected; entry
	// locks nest under shard locks
	for i := range c.shards {
		c.shards[i].lock.Lock()
	}
	var locked []*Entry
	for i := range c.shards {
		for _, e := range c.shards[i].entries {
			e.lock.Lock()
			locked = append(locked, e)
		}
	}
	var out []EntryState
	for _, e := range locked {
		out = append(out, EntryState{
			Path:   e.path,
			State:  e.state,
			Digest: e.digest,
		})
		e.lock.Unlock()
	}
	for i := range c.shards {
		c.shards[i].lock.Unlock()
	}
	slices.SortFunc(out, func(a, b EntryState) bool {
		return a.Path < b.Path
	})
	return out
}

// Hits returns the number of requests served from
// an already-computed digest.
func (c *Cache) Hits() int64 { return atomic.LoadInt64(&c.hits) }

// Misses returns the number of entries created,
// i.e. the number of digest computations started.
func (c *Cache) Misses() int64 { return atomic.LoadInt64(&c.misses) }

// Failures returns the number of computations
// that ended in SetFailed.
func (c *Cache) Failures() int64 { return atomic.LoadInt64(&c.failures) }
