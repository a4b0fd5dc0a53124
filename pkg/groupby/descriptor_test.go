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

package groupby

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/device"
)

func testQMD(widths []ColWidth, entryCount uint64, keyless, columnar bool) *QueryMemoryDescriptor {
	cfg := config.Default()
	cfg.CPUOnly = true
	groupCols := []uint8{8}
	return &QueryMemoryDescriptor{
		cfg:            cfg,
		HashKind:       GroupByOneColKnownRange,
		Keyless:        keyless,
		IdxTargetAsKey: -1,
		GroupColWidths: groupCols,
		AggColWidths:   widths,
		EntryCount:     entryCount,
		Sharing:        SharingShared,
		OutputColumnar: columnar,
	}
}

// every (bin, col) offset from the closed formula matches the sequential
// walk the buffer initializer takes.
func TestLayoutRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		widths   []ColWidth
		keyless  bool
		columnar bool
	}{
		{"row-major isometric 8", []ColWidth{{8, 8}, {8, 8}, {8, 8}}, false, false},
		{"row-major mixed", []ColWidth{{8, 4}, {8, 8}, {8, 4}, {8, 4}}, false, false},
		{"row-major keyless", []ColWidth{{8, 8}, {8, 8}}, true, false},
		{"columnar isometric", []ColWidth{{8, 8}, {8, 8}}, false, true},
		{"columnar compact", []ColWidth{{8, 4}, {8, 4}}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qmd := testQMD(tc.widths, 11, tc.keyless, tc.columnar)
			for bin := uint64(0); bin < qmd.EntryCount; bin++ {
				colOff := qmd.GetColOffInBytes(device.CPU, bin, 0)
				for colIdx := range qmd.AggColWidths {
					require.Equal(t, qmd.GetColOffInBytes(device.CPU, bin, colIdx), colOff,
						"bin %d col %d", bin, colIdx)
					colOff += qmd.GetNextColOffInBytes(colOff, bin, colIdx)
				}
			}
		})
	}
}

func TestRowSizeAndBufferSize(t *testing.T) {
	{
		// keys 1x8 + slots 8,4,4 packed: 8 + 8 + 4 + 4 = 24
		qmd := testQMD([]ColWidth{{8, 8}, {8, 4}, {8, 4}}, 5, false, false)
		require.Equal(t, uint64(24), qmd.GetRowSize())
		require.Equal(t, uint64(24*5), qmd.GetBufferSizeBytes(device.CPU))
	}
	{
		// 4-byte slot before an 8-byte slot forces alignment padding
		qmd := testQMD([]ColWidth{{8, 4}, {8, 8}}, 3, false, false)
		require.Equal(t, uint64(8+8+8), qmd.GetRowSize())
	}
	{
		// keyless drops the key quad
		qmd := testQMD([]ColWidth{{8, 8}, {8, 8}}, 7, true, false)
		require.Equal(t, uint64(16), qmd.GetRowSize())
	}
	{
		// columnar: key array then per-column arrays
		qmd := testQMD([]ColWidth{{8, 4}, {8, 4}}, 10, false, true)
		require.Equal(t, uint64(10*8+10*4+10*4), qmd.GetBufferSizeBytes(device.CPU))
	}
}

func TestSmallBufferSize(t *testing.T) {
	qmd := testQMD([]ColWidth{{8, 8}, {8, 8}}, 5, false, false)
	qmd.EntryCountSmall = 3
	require.Equal(t, uint64((1+2)*3), qmd.GetSmallBufferSizeQuad())
	// a non-empty small buffer disables the fast path
	require.False(t, qmd.UsesGetGroupValueFast())
	qmd.EntryCountSmall = 0
	require.True(t, qmd.UsesGetGroupValueFast())
}

func TestCompactLayoutIsometric(t *testing.T) {
	require.True(t, testQMD([]ColWidth{{8, 4}, {8, 4}}, 1, false, false).IsCompactLayoutIsometric())
	require.False(t, testQMD([]ColWidth{{8, 4}, {8, 8}}, 1, false, false).IsCompactLayoutIsometric())
	require.Equal(t, 4, testQMD([]ColWidth{{8, 4}, {8, 4}}, 1, false, false).CompactByteWidth())
}

func TestSharedMemBytes(t *testing.T) {
	qmd := testQMD([]ColWidth{{8, 8}}, 4, false, false)
	qmd.cfg.SharedMemBytes = 1 << 20
	require.Equal(t, uint64(0), qmd.SharedMemBytes(device.CPU))
	require.Equal(t, qmd.GetBufferSizeBytes(device.Accelerator), qmd.SharedMemBytes(device.Accelerator))
	// over budget falls back to global memory
	qmd.cfg.SharedMemBytes = 8
	require.Equal(t, uint64(0), qmd.SharedMemBytes(device.Accelerator))
}

func TestInterleavedBinsDeviceOnly(t *testing.T) {
	qmd := testQMD([]ColWidth{{8, 8}}, 4, true, false)
	qmd.InterleavedBinsOnDevice = true
	require.False(t, qmd.InterleavedBins(device.CPU))
	require.True(t, qmd.InterleavedBins(device.Accelerator))
	require.Equal(t, uint64(qmd.cfg.WarpSize), qmd.WarpCount(device.Accelerator))
	require.Equal(t, qmd.GetBufferSizeBytes(device.CPU)*uint64(qmd.cfg.WarpSize),
		qmd.GetBufferSizeBytes(device.Accelerator))
}
