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

package shaproto

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateFIFO creates a fresh FIFO node at path with
// the given mode, removing any stale node first.
func CreateFIFO(path string, mode uint32) error {
	os.Remove(path)
	err := unix.Mkfifo(path, mode)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenReader opens the FIFO at path for reading.
//
// The descriptor is opened read/write so that the
// reader never observes EOF as client writers come
// and go, and non-blocking so that it is registered
// with the runtime poller: reads block in the poller
// rather than in the read syscall, and a concurrent
// Close unblocks them.
func OpenReader(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
}

// OpenWriter opens the FIFO at path for writing
// without blocking until a reader appears; if the
// far end has not been opened yet, the error unwraps
// to unix.ENXIO and the caller may retry.
func OpenWriter(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
