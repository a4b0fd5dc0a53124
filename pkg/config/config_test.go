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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.EnableWatchdog)
	require.Equal(t, uint64(131072), cfg.MaxGroupsBufferEntryCount)
	require.Equal(t, uint64(4096), cfg.SmallGroupsBufferEntryCount)
	require.Equal(t, uint32(32), cfg.WarpSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helios.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
enable-watchdog = true
max-groups-buffer-entry-count = 2048
block-size = 256

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.EnableWatchdog)
	require.Equal(t, uint64(2048), cfg.MaxGroupsBufferEntryCount)
	require.Equal(t, uint32(256), cfg.BlockSize)
	require.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	require.Equal(t, uint64(4096), cfg.SmallGroupsBufferEntryCount)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
