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

package sumcache

import (
	"bytes"
	"fmt"
	"io"
)

// Dump writes a human-readable rendering of
// Snapshot to w, one entry per line:
//
//	--- CACHE ---
//	<path> : <digest-or-empty> [READY|PENDING|FAILED]
//	--------------
//
// The rendering is buffered and written with a
// single Write call so that dumps stay contiguous
// even when w is shared with other log output.
func (c *Cache) Dump(w io.Writer) error {
	snap := c.Snapshot()
	var buf bytes.Buffer
	buf.WriteString("--- CACHE ---\n")
	for i := range snap {
		fmt.Fprintf(&buf, "%s : %s [%s]\n", snap[i].Path, snap[i].Digest, snap[i].State)
	}
	buf.WriteString("--------------\n")
	_, err := w.Write(buf.Bytes())
	return err
}
