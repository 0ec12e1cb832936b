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

package server

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SnellerInc/sha256d/fsum"
	"github.com/SnellerInc/sha256d/queue"
	"github.com/SnellerInc/sha256d/shaproto"
	"github.com/SnellerInc/sha256d/sumcache"
)

// worker pops scheduled requests and resolves them
// through the cache. For each distinct path, exactly
// one worker (the one that created the entry) runs
// the digest computation; every other worker that
// pops a request for the same path blocks until the
// owner publishes and then answers from the entry.
func (s *Server) worker() {
	defer s.wg.Done()
	for {
		it := s.queue.Pop()
		if it.IsStop() {
			return
		}
		if it.Req.IsCacheQuery() {
			s.logf("%s: cache dump requested by client %d", it.ID, it.Req.Pid)
			if err := s.cache.Dump(s.diag()); err != nil {
				s.logf("%s: writing cache dump: %s", it.ID, err)
			}
			// control commands get no response
			continue
		}
		e, created := s.cache.LookupOrInsert(it.Req.Path)
		if !created {
			state, digest := s.cache.Wait(e)
			if state == sumcache.Ready {
				s.reply(&it, &shaproto.Response{Digest: digest, Status: shaproto.StatusCacheHit})
			} else {
				s.reply(&it, &shaproto.Response{Status: shaproto.StatusError})
			}
			continue
		}
		// owner path: compute, publish, reply
		digest, err := s.digestFile(it.Req.Path)
		if err != nil {
			s.logf("%s: digest %s: %s", it.ID, it.Req.Path, err)
			s.cache.SetFailed(e)
			s.reply(&it, &shaproto.Response{Status: shaproto.StatusError})
			continue
		}
		s.cache.SetDigest(e, digest)
		s.reply(&it, &shaproto.Response{Digest: digest, Status: shaproto.StatusOK})
	}
}

func (s *Server) digestFile(path string) (string, error) {
	if s.DigestFn != nil {
		return s.DigestFn(path)
	}
	return fsum.File(path)
}

// reply writes exactly one response record to the
// client's FIFO. A client that is gone (its FIFO
// removed, or never opened for reading) costs a log
// line and nothing else; cache state is unaffected.
func (s *Server) reply(it *queue.Item, resp *shaproto.Response) {
	buf, err := resp.Encode()
	if err != nil {
		s.logf("%s: encoding reply for client %d: %s", it.ID, it.Req.Pid, err)
		return
	}
	path := shaproto.ResponsePath(s.cfg.ResponsePrefix, it.Req.Pid)
	f, err := s.openReply(path)
	if err != nil {
		s.logf("%s: no reply channel for client %d: %s", it.ID, it.Req.Pid, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(buf[:]); err != nil {
		s.logf("%s: writing reply to client %d: %s", it.ID, it.Req.Pid, err)
	}
}

// openReply opens the client FIFO for writing.
// ENXIO means the client created its FIFO but has
// not opened it for reading yet; that window is
// polled briefly rather than blocking the worker
// forever on a client that died.
func (s *Server) openReply(path string) (*os.File, error) {
	deadline := time.Now().Add(s.replyWait)
	for {
		f, err := shaproto.OpenWriter(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(s.replyPoll)
	}
}
