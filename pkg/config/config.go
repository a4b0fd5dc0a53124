// Copyright 2023 Helios Data
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/BurntSushi/toml"

	"github.com/heliosdb/helios/pkg/logutil"
)

// Config is the immutable configuration record threaded through the planner,
// descriptor builder and execution contexts. The core never consults process
// globals at runtime.
type Config struct {
	// EnableWatchdog rejects plans that would be slow or memory hungry:
	// floating-point grouping, the COUNT DISTINCT set fallback and baseline
	// hash layouts over unbounded domains.
	EnableWatchdog bool `toml:"enable-watchdog"`

	// MaxGroupsBufferEntryCount bounds the main baseline table slot count.
	MaxGroupsBufferEntryCount uint64 `toml:"max-groups-buffer-entry-count"`

	// SmallGroupsBufferEntryCount bounds the overflow table slot count when
	// no scan limit applies.
	SmallGroupsBufferEntryCount uint64 `toml:"small-groups-buffer-entry-count"`

	// Accelerator geometry.
	BlockSize      uint32 `toml:"block-size"`
	GridSize       uint32 `toml:"grid-size"`
	WarpSize       uint32 `toml:"warp-size"`
	SharedMemBytes uint64 `toml:"shared-mem-bytes"`

	// CPUOnly disables accelerator scheduling entirely.
	CPUOnly bool `toml:"cpu-only"`

	Log logutil.LogConfig `toml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		MaxGroupsBufferEntryCount:   131072,
		SmallGroupsBufferEntryCount: 4096,
		BlockSize:                   1024,
		GridSize:                    16,
		WarpSize:                    32,
		SharedMemBytes:              0,
		Log:                         logutil.LogConfig{Level: "info"},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
