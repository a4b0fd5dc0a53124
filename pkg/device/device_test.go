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

package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/pkg/jit"
)

func TestAllocCopyRoundTrip(t *testing.T) {
	mgr, err := NewDataMgr(jit.NewMem(), 2)
	require.NoError(t, err)
	defer mgr.Close()

	p, err := mgr.Alloc(16, 0, nil)
	require.NoError(t, err)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	mgr.CopyToDevice(p, src)
	dst := make([]byte, 8)
	mgr.CopyFromDevice(dst, p)
	require.Equal(t, src, dst)
	require.Equal(t, 1, mgr.AllocatedCount(0))
	mgr.ReleaseAll()
	require.Equal(t, 0, mgr.AllocatedCount(0))
}

func TestLaunchRunsEveryLane(t *testing.T) {
	mgr, err := NewDataMgr(jit.NewMem(), 4)
	require.NoError(t, err)
	defer mgr.Close()

	var lanes int64
	err = mgr.Launch(8, 32, 0, func(blockIdx, threadIdx uint32) {
		atomic.AddInt64(&lanes, 1)
	})
	require.NoError(t, err)
	require.Equal(t, int64(8*32), lanes)
}

func TestRenderAllocatorAlignment(t *testing.T) {
	mem := jit.NewMem()
	ra := NewRenderAllocator(mem, 100, 1)
	p1, err := ra.alloc(9, 1)
	require.NoError(t, err)
	p2, err := ra.alloc(8, 1)
	require.NoError(t, err)
	require.Equal(t, Ptr(16), p2-p1)
	require.Equal(t, int64(0), ra.AllocatedSize()%8)

	_, err = ra.alloc(1000, 1)
	require.Error(t, err)

	m := NewRenderAllocatorMap()
	m.Put(1, ra)
	require.Same(t, ra, m.GetRenderAllocator(1))
	require.Nil(t, m.GetRenderAllocator(2))
}
