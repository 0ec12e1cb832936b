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

// Package server implements the digest server's
// request engine: a single dispatcher goroutine
// that reads framed requests from the inbound FIFO
// and schedules them by expected cost, plus a fixed
// pool of workers that coordinate through the
// digest cache and reply to clients.
package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SnellerInc/sha256d/queue"
	"github.com/SnellerInc/sha256d/shaproto"
	"github.com/SnellerInc/sha256d/sumcache"
)

// Logger matches the subset of log.Logger used
// by this package.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Server is the digest server engine.
// Fields may be set after New and before Serve;
// they must not be modified once Serve is called.
type Server struct {
	// Logger, if non-nil, receives server
	// diagnostics and error reports.
	Logger Logger
	// Diag is the sink for cache dumps requested
	// via the CACHE? control command.
	// If nil, dumps go to standard output.
	Diag io.Writer
	// DigestFn computes the digest of a file and
	// returns it as 64 lowercase hex characters.
	// If nil, fsum.File is used.
	DigestFn func(path string) (string, error)

	cfg   Config
	queue *queue.Queue
	cache *sumcache.Cache

	lock   sync.Mutex
	reqf   *os.File
	closed bool

	wg sync.WaitGroup

	// how long and how often reply opens are
	// retried while the client's FIFO has
	// no reader yet
	replyWait time.Duration
	replyPoll time.Duration
}

// New returns a server for the given configuration.
// Empty Config fields are filled with defaults;
// an invalid configuration is an error.
func New(cfg Config) (*Server, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		queue:     queue.New(),
		cache:     sumcache.New(),
		replyWait: time.Second,
		replyPoll: 10 * time.Millisecond,
	}
	return s, nil
}

// Cache returns the server's digest cache.
func (s *Server) Cache() *sumcache.Cache { return s.cache }

func (s *Server) logf(f string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(f, args...)
	}
}

func (s *Server) diag() io.Writer {
	if s.Diag != nil {
		return s.Diag
	}
	return os.Stdout
}

// Serve creates the request FIFO, starts the worker
// pool, and runs the dispatcher on the calling
// goroutine. It returns after Close has been called
// and all workers have drained and exited, or when
// reading the request FIFO fails.
func (s *Server) Serve() error {
	if err := shaproto.CreateFIFO(s.cfg.RequestFIFO, 0666); err != nil {
		return err
	}
	f, err := shaproto.OpenReader(s.cfg.RequestFIFO)
	if err != nil {
		return fmt.Errorf("opening request fifo: %w", err)
	}
	s.lock.Lock()
	s.reqf = f
	if s.closed {
		// Close raced with startup
		s.lock.Unlock()
		f.Close()
		os.Remove(s.cfg.RequestFIFO)
		return nil
	}
	s.lock.Unlock()
	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker()
	}
	s.logf("listening on %s with %d workers", s.cfg.RequestFIFO, s.cfg.Workers)
	err = s.dispatch()
	// let the queue drain, then stop the workers
	for i := 0; i < s.cfg.Workers; i++ {
		s.queue.Push(queue.Sentinel())
	}
	s.wg.Wait()
	os.Remove(s.cfg.RequestFIFO)
	s.logf("cache: %d hits, %d misses, %d failures",
		s.cache.Hits(), s.cache.Misses(), s.cache.Failures())
	return err
}

// Close stops the server: the dispatcher stops
// reading, queued work is drained, and the workers
// exit. Close may be called at most once and does
// not wait for Serve to return.
func (s *Server) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.reqf != nil {
		return s.reqf.Close()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// dispatch reads framed requests from the FIFO,
// measures their scheduling cost, and enqueues them.
// Stat happens here, off the workers' critical path;
// the size is only an estimate for scheduling and
// never affects the digest.
func (s *Server) dispatch() error {
	var buf [shaproto.RequestSize]byte
	for {
		_, err := io.ReadFull(s.reqf, buf[:])
		if err != nil {
			if s.isClosed() || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading request fifo: %w", err)
		}
		req, err := shaproto.ParseRequest(buf[:])
		if err != nil {
			// a malformed record is dropped;
			// there is nobody to reply to
			s.logf("dropping malformed request: %s", err)
			continue
		}
		it := queue.Item{Req: req, ID: uuid.New().String()}
		if !req.IsCacheQuery() {
			if fi, err := os.Stat(req.Path); err == nil {
				it.Cost = fi.Size()
			}
			// on stat failure the cost stays 0; the request
			// is still scheduled and the worker surfaces
			// the error to the client
		}
		s.queue.Push(it)
	}
}
