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

// Command sha256q asks a running sha256d for the
// digest of a file:
//
//	sha256q /path/to/file
//	sha256q CACHE?
//
// The second form asks the server to dump its cache
// to its own diagnostic output; no response is sent.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/SnellerInc/sha256d/shaproto"
)

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func main() {
	reqFIFO := flag.String("f", shaproto.RequestFIFO, "server request FIFO")
	prefix := flag.String("p", "", "response FIFO prefix (testing only)")
	flag.Parse()
	if flag.NArg() != 1 {
		exitf("usage: sha256q [-f fifo] <path>\n       sha256q %s\n", shaproto.CacheQuery)
	}

	req := shaproto.Request{
		Pid:  int32(os.Getpid()),
		Path: flag.Arg(0),
	}
	buf, err := req.Encode()
	if err != nil {
		exitf("%s\n", err)
	}

	// the response FIFO must exist before the server
	// can try to reply to us
	respPath := shaproto.ResponsePath(*prefix, req.Pid)
	if !req.IsCacheQuery() {
		if err := shaproto.CreateFIFO(respPath, 0666); err != nil {
			exitf("%s\n", err)
		}
		defer os.Remove(respPath)
	}

	f, err := os.OpenFile(*reqFIFO, os.O_WRONLY, 0)
	if err != nil {
		os.Remove(respPath)
		exitf("opening %s: %s (is sha256d running?)\n", *reqFIFO, err)
	}
	_, err = f.Write(buf[:])
	f.Close()
	if err != nil {
		os.Remove(respPath)
		exitf("sending request: %s\n", err)
	}

	if req.IsCacheQuery() {
		fmt.Println("cache dump requested")
		return
	}

	rf, err := os.Open(respPath)
	if err != nil {
		exitf("opening %s: %s\n", respPath, err)
	}
	var rbuf [shaproto.ResponseSize]byte
	_, err = io.ReadFull(rf, rbuf[:])
	rf.Close()
	if err != nil {
		os.Remove(respPath)
		exitf("reading response: %s\n", err)
	}
	resp, err := shaproto.ParseResponse(rbuf[:])
	if err != nil {
		os.Remove(respPath)
		exitf("%s\n", err)
	}
	switch resp.Status {
	case shaproto.StatusOK:
		fmt.Printf("%s  %s\n", resp.Digest, req.Path)
	case shaproto.StatusCacheHit:
		fmt.Printf("%s  %s\n", resp.Digest, req.Path)
		fmt.Fprintln(os.Stderr, "(served from cache)")
	default:
		os.Remove(respPath)
		exitf("server could not digest %s\n", req.Path)
	}
}
