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

// Package shaproto implements the fixed-size
// wire records exchanged between the digest
// server and its clients, plus the FIFO naming
// conventions used to carry them.
//
// The layout is bit-compatible with the records
// the pre-existing clients write: a request is
// a 4-byte client pid followed by a 256-byte
// NUL-terminated path; a response is a 65-byte
// NUL-terminated hex digest, 3 bytes of padding,
// and a 4-byte status code. All integers are
// little-endian.
package shaproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PathCapacity is the size of the path field
	// in a request record, including the NUL terminator.
	PathCapacity = 256
	// DigestCapacity is the size of the digest field
	// in a response record, including the NUL terminator.
	// (64 hex characters plus the terminator.)
	DigestCapacity = 65

	pidSize     = 4
	statusSize  = 4
	responsePad = 3 // align status to 4 bytes

	// RequestSize is the exact size of a request
	// record on the wire.
	RequestSize = pidSize + PathCapacity
	// ResponseSize is the exact size of a response
	// record on the wire.
	ResponseSize = DigestCapacity + responsePad + statusSize

	pidOffset    = 0
	pathOffset   = pidOffset + pidSize
	digestOffset = 0
	statusOffset = digestOffset + DigestCapacity + responsePad
)

const (
	// RequestFIFO is the well-known path of the
	// server's inbound request FIFO.
	RequestFIFO = "/tmp/sha256_req_fifo"
	// ResponsePrefix is the default prefix for
	// per-client response FIFOs; see ResponsePath.
	ResponsePrefix = "/tmp/sha256_resp_"

	responseSuffix = "_fifo"

	// CacheQuery is the reserved path string that
	// requests a diagnostic cache dump instead of
	// a digest computation. A cache query receives
	// no response on the client FIFO.
	CacheQuery = "CACHE?"
)

// ResponsePath returns the response FIFO path for
// the client identified by pid. If prefix is empty,
// ResponsePrefix is used.
func ResponsePath(prefix string, pid int32) string {
	if prefix == "" {
		prefix = ResponsePrefix
	}
	return fmt.Sprintf("%s%d%s", prefix, pid, responseSuffix)
}

var (
	// ErrPathTooLong is returned when a request path
	// does not fit in PathCapacity-1 bytes.
	ErrPathTooLong = errors.New("shaproto: path exceeds capacity")
	// ErrDigestTooLong is returned when a response
	// digest does not fit in DigestCapacity-1 bytes.
	ErrDigestTooLong = errors.New("shaproto: digest exceeds capacity")

	errShortRecord  = errors.New("shaproto: short record")
	errNoTerminator = errors.New("shaproto: string field is not NUL-terminated")
)

// Status is the result code carried in a response record.
type Status uint32

const (
	// StatusOK indicates a freshly-computed digest.
	StatusOK Status = 0
	// StatusError indicates the digest could not
	// be computed (now or on a previous attempt).
	StatusError Status = 1
	// StatusCacheMiss is defined by the wire protocol
	// but reserved; the server never emits it.
	StatusCacheMiss Status = 2
	// StatusCacheHit indicates the digest was served
	// from a previously-completed computation.
	StatusCacheHit Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCacheMiss:
		return "cache-miss"
	case StatusCacheHit:
		return "cache-hit"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Request is a decoded request record.
type Request struct {
	// Pid identifies the requesting client and
	// addresses its response FIFO.
	Pid int32
	// Path is the file to digest, or CacheQuery.
	Path string
}

// IsCacheQuery reports whether the request is
// a diagnostic cache dump command.
func (r *Request) IsCacheQuery() bool {
	return r.Path == CacheQuery
}

// Encode encodes the request into its fixed
// wire representation. It returns ErrPathTooLong
// if the path does not fit.
func (r *Request) Encode() ([RequestSize]byte, error) {
	var buf [RequestSize]byte
	if len(r.Path) > PathCapacity-1 {
		return buf, fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(r.Path))
	}
	binary.LittleEndian.PutUint32(buf[pidOffset:], uint32(r.Pid))
	copy(buf[pathOffset:], r.Path)
	return buf, nil
}

// ParseRequest decodes a request record from buf.
// buf must be exactly RequestSize bytes; the path
// field must contain a NUL terminator.
func ParseRequest(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("%w: %d bytes", errShortRecord, len(buf))
	}
	path := buf[pathOffset : pathOffset+PathCapacity]
	end := bytes.IndexByte(path, 0)
	if end < 0 {
		return Request{}, errNoTerminator
	}
	return Request{
		Pid:  int32(binary.LittleEndian.Uint32(buf[pidOffset:])),
		Path: string(path[:end]),
	}, nil
}

// Response is a decoded response record.
type Response struct {
	// Digest is the hex digest, or the empty
	// string when Status is StatusError.
	Digest string
	Status Status
}

// Encode encodes the response into its fixed
// wire representation.
func (r *Response) Encode() ([ResponseSize]byte, error) {
	var buf [ResponseSize]byte
	if len(r.Digest) > DigestCapacity-1 {
		return buf, fmt.Errorf("%w: %d bytes", ErrDigestTooLong, len(r.Digest))
	}
	copy(buf[digestOffset:], r.Digest)
	binary.LittleEndian.PutUint32(buf[statusOffset:], uint32(r.Status))
	return buf, nil
}

// ParseResponse decodes a response record from buf.
// buf must be exactly ResponseSize bytes.
func ParseResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, fmt.Errorf("%w: %d bytes", errShortRecord, len(buf))
	}
	dig := buf[digestOffset : digestOffset+DigestCapacity]
	end := bytes.IndexByte(dig, 0)
	if end < 0 {
		return Response{}, errNoTerminator
	}
	return Response{
		Digest: string(dig[:end]),
		Status: Status(binary.LittleEndian.Uint32(buf[statusOffset:])),
	}, nil
}
