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
	"fmt"
	"io"

	"github.com/SnellerInc/sha256d/shaproto"
	"sigs.k8s.io/yaml"
)

// DefaultWorkers is the number of digest workers
// used when Config.Workers is zero.
const DefaultWorkers = 4

// Config holds the server configuration.
// The zero value is usable; empty fields are
// populated with defaults when the server
// is created.
type Config struct {
	// Workers is the number of digest worker
	// goroutines. Must be at least 1;
	// zero means DefaultWorkers.
	Workers int `json:"workers,omitempty"`
	// RequestFIFO is the path of the inbound
	// request FIFO. Empty means
	// shaproto.RequestFIFO.
	RequestFIFO string `json:"request_fifo,omitempty"`
	// ResponsePrefix overrides the prefix used
	// to derive per-client response FIFO paths.
	// Empty means shaproto.ResponsePrefix.
	ResponsePrefix string `json:"response_prefix,omitempty"`
	// DebugAddr, if non-empty, is the address
	// on which the binary serves /debug/pprof.
	DebugAddr string `json:"debug_addr,omitempty"`
}

// DecodeConfig decodes a configuration from src.
// The input may be YAML or JSON.
func DecodeConfig(src io.Reader) (*Config, error) {
	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

func (c *Config) fill() error {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers = %d; need at least 1", c.Workers)
	}
	if c.RequestFIFO == "" {
		c.RequestFIFO = shaproto.RequestFIFO
	}
	return nil
}
