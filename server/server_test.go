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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SnellerInc/sha256d/shaproto"
)

type testLogger struct {
	lock sync.Mutex
	out  testing.TB
}

func (t *testLogger) Printf(f string, args ...interface{}) {
	t.lock.Lock()
	t.out.Logf(f, args...)
	t.lock.Unlock()
}

// diagBuf is a goroutine-safe diagnostic sink.
type diagBuf struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (d *diagBuf) Write(p []byte) (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.buf.Write(p)
}

func (d *diagBuf) String() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.buf.String()
}

// startServer runs a server on FIFOs inside a
// test-scoped temp dir and tears it down with
// the test.
func startServer(t *testing.T, workers int, mod func(*Server)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Workers:        workers,
		RequestFIFO:    filepath.Join(dir, "req_fifo"),
		ResponsePrefix: filepath.Join(dir, "resp_"),
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.Logger = &testLogger{out: t}
	if mod != nil {
		mod(s)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Serve()
	}()
	// wait for the request FIFO to exist before
	// letting clients open it
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.RequestFIFO); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request fifo never appeared")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
		if err := <-done; err != nil {
			t.Error(err)
		}
	})
	return s
}

// send writes one request record to the server's
// request FIFO without arranging for a response.
func send(t *testing.T, s *Server, pid int32, path string) {
	t.Helper()
	req := shaproto.Request{Pid: pid, Path: path}
	buf, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(s.cfg.RequestFIFO, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(buf[:]); err != nil {
		t.Fatal(err)
	}
}

// roundTrip behaves like the CLI client: it creates
// a response FIFO for pid, sends the request, and
// waits for the single response record.
func roundTrip(t *testing.T, s *Server, pid int32, path string) shaproto.Response {
	t.Helper()
	respPath := shaproto.ResponsePath(s.cfg.ResponsePrefix, pid)
	if err := shaproto.CreateFIFO(respPath, 0600); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(respPath)
	send(t, s, pid, path)
	f, err := os.Open(respPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var buf [shaproto.ResponseSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		t.Fatal(err)
	}
	resp, err := shaproto.ParseResponse(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

const emptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestComputeThenCacheHit(t *testing.T) {
	s := startServer(t, 4, nil)
	path := filepath.Join(t.TempDir(), "abc")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	resp := roundTrip(t, s, 100, path)
	if resp.Status != shaproto.StatusOK || resp.Digest != want {
		t.Fatalf("first request: %+v", resp)
	}
	resp = roundTrip(t, s, 101, path)
	if resp.Status != shaproto.StatusCacheHit || resp.Digest != want {
		t.Fatalf("second request: %+v", resp)
	}
}

func TestEmptyFile(t *testing.T) {
	s := startServer(t, 4, nil)
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	resp := roundTrip(t, s, 200, path)
	if resp.Status != shaproto.StatusOK {
		t.Fatalf("status = %v", resp.Status)
	}
	if resp.Digest != emptyDigest {
		t.Errorf("digest = %s", resp.Digest)
	}
}

func TestCoalesce(t *testing.T) {
	fake := strings.Repeat("ab", 32)
	var invocations int64
	started := make(chan struct{})
	gate := make(chan struct{})
	var startOnce, gateOnce sync.Once
	release := func() { gateOnce.Do(func() { close(gate) }) }
	defer release()
	s := startServer(t, 4, func(s *Server) {
		s.DigestFn = func(path string) (string, error) {
			atomic.AddInt64(&invocations, 1)
			startOnce.Do(func() { close(started) })
			<-gate
			return fake, nil
		}
	})
	path := filepath.Join(t.TempDir(), "big")
	if err := os.WriteFile(path, bytes.Repeat([]byte{1}, 1<<16), 0644); err != nil {
		t.Fatal(err)
	}
	const clients = 8
	results := make([]shaproto.Response, clients)
	var eg errgroup.Group
	for i := 0; i < clients; i++ {
		i := i
		eg.Go(func() error {
			results[i] = roundTrip(t, s, int32(300+i), path)
			return nil
		})
	}
	<-started
	// give the remaining requests time to queue
	// up behind the in-flight computation
	time.Sleep(200 * time.Millisecond)
	release()
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Errorf("digest computed %d times", n)
	}
	fresh := 0
	for i := range results {
		if results[i].Digest != fake {
			t.Errorf("client %d got digest %q", i, results[i].Digest)
		}
		switch results[i].Status {
		case shaproto.StatusOK:
			fresh++
		case shaproto.StatusCacheHit:
		default:
			t.Errorf("client %d got status %v", i, results[i].Status)
		}
	}
	if fresh != 1 {
		t.Errorf("%d clients saw a fresh compute", fresh)
	}
}

// with one worker occupied, a small file submitted
// after a large one must still be served first
func TestShortestJobFirst(t *testing.T) {
	var (
		lock  sync.Mutex
		order []string
	)
	gate := make(chan struct{})
	var gateOnce sync.Once
	release := func() { gateOnce.Do(func() { close(gate) }) }
	defer release()
	first := make(chan struct{})
	var firstOnce sync.Once
	s := startServer(t, 1, func(s *Server) {
		s.DigestFn = func(path string) (string, error) {
			lock.Lock()
			order = append(order, filepath.Base(path))
			n := len(order)
			lock.Unlock()
			if n == 1 {
				firstOnce.Do(func() { close(first) })
				<-gate
			}
			return strings.Repeat("0", 64), nil
		}
	})
	dir := t.TempDir()
	warm := filepath.Join(dir, "warm")
	big := filepath.Join(dir, "big")
	small := filepath.Join(dir, "small")
	if err := os.WriteFile(warm, []byte("ww"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(big, bytes.Repeat([]byte{2}, 8192), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(small, []byte{3}, 0644); err != nil {
		t.Fatal(err)
	}
	var eg errgroup.Group
	eg.Go(func() error {
		roundTrip(t, s, 400, warm)
		return nil
	})
	// wait until the only worker is busy, then
	// enqueue big before small
	<-first
	eg.Go(func() error {
		roundTrip(t, s, 401, big)
		return nil
	})
	time.Sleep(100 * time.Millisecond)
	eg.Go(func() error {
		roundTrip(t, s, 402, small)
		return nil
	})
	time.Sleep(100 * time.Millisecond)
	release()
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	lock.Lock()
	defer lock.Unlock()
	want := []string{"warm", "small", "big"}
	if len(order) != len(want) {
		t.Fatalf("computed %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("computed %v, want %v", order, want)
		}
	}
}

func TestMissingFileCachedFailure(t *testing.T) {
	var invocations int64
	s := startServer(t, 4, func(s *Server) {
		s.DigestFn = func(path string) (string, error) {
			atomic.AddInt64(&invocations, 1)
			f, err := os.Open(path)
			if err != nil {
				return "", err
			}
			f.Close()
			return "", nil
		}
	})
	missing := filepath.Join(t.TempDir(), "does", "not", "exist")
	resp := roundTrip(t, s, 500, missing)
	if resp.Status != shaproto.StatusError || resp.Digest != "" {
		t.Fatalf("first request: %+v", resp)
	}
	resp = roundTrip(t, s, 501, missing)
	if resp.Status != shaproto.StatusError || resp.Digest != "" {
		t.Fatalf("second request: %+v", resp)
	}
	// the second error is served from the cached
	// failure without calling the digest function again
	if n := atomic.LoadInt64(&invocations); n != 1 {
		t.Errorf("digest attempted %d times", n)
	}
}

func TestCacheDump(t *testing.T) {
	diag := &diagBuf{}
	s := startServer(t, 4, func(s *Server) {
		s.Diag = diag
	})
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(t.TempDir(), "gone")
	roundTrip(t, s, 600, path)
	roundTrip(t, s, 601, missing)
	// a cache query gets no response record
	send(t, s, 602, shaproto.CacheQuery)
	wantReady := path + " : " + emptyDigest + " [READY]"
	wantFailed := missing + " :  [FAILED]"
	deadline := time.Now().Add(5 * time.Second)
	for {
		out := diag.String()
		if strings.Contains(out, wantReady) && strings.Contains(out, wantFailed) &&
			strings.Contains(out, "--- CACHE ---") && strings.Contains(out, "--------------") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dump never appeared; diag:\n%s", out)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// a client that never opens its response FIFO only
// costs a logged send failure; the digest still
// lands in the cache
func TestDeadClient(t *testing.T) {
	s := startServer(t, 4, nil)
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	// no response FIFO exists for pid 700, so the
	// reply fails with ENOENT and is dropped
	send(t, s, 700, path)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := s.Cache().TryGet(path); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("digest never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp := roundTrip(t, s, 701, path)
	if resp.Status != shaproto.StatusCacheHit || resp.Digest != emptyDigest {
		t.Fatalf("follow-up request: %+v", resp)
	}
}

func TestMalformedRequestDropped(t *testing.T) {
	s := startServer(t, 4, nil)
	// an unterminated path field is rejected
	// without wedging the dispatcher
	f, err := os.OpenFile(s.cfg.RequestFIFO, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	junk := bytes.Repeat([]byte{'x'}, shaproto.RequestSize)
	if _, err := f.Write(junk); err != nil {
		t.Fatal(err)
	}
	f.Close()
	path := filepath.Join(t.TempDir(), "ok")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	resp := roundTrip(t, s, 800, path)
	if resp.Status != shaproto.StatusOK || resp.Digest != emptyDigest {
		t.Fatalf("request after junk: %+v", resp)
	}
}

func TestCloseBeforeServe(t *testing.T) {
	cfg := Config{
		RequestFIFO:    filepath.Join(t.TempDir(), "req_fifo"),
		ResponsePrefix: filepath.Join(t.TempDir(), "resp_"),
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(); err != nil {
		t.Fatal(err)
	}
}
