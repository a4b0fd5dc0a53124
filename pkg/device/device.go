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
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/jit"
)

// Kind selects the execution device of one context.
type Kind uint8

const (
	CPU Kind = iota
	Accelerator
)

func (k Kind) String() string {
	if k == CPU {
		return "cpu"
	}
	return "accelerator"
}

// Ptr is a device memory handle. Device memory is simulated in host memory
// through the jit buffer registry, so handles are directly usable by kernel
// intrinsics.
type Ptr = uint64

// LaneFunc runs one kernel lane.
type LaneFunc func(blockIdx, threadIdx uint32)

// DataMgr is the device allocator collaborator. Allocations are tracked per
// device id and released only at end of query; the core never frees
// explicitly.
type DataMgr struct {
	mem  *jit.Mem
	pool *ants.Pool

	mu        sync.Mutex
	allocated map[int][]Ptr
}

// NewDataMgr builds a manager whose simulated accelerator schedules blocks
// on a goroutine pool of the given size.
func NewDataMgr(mem *jit.Mem, poolSize int) (*DataMgr, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &DataMgr{
		mem:       mem,
		pool:      pool,
		allocated: make(map[int][]Ptr),
	}, nil
}

// Mem exposes the backing buffer registry.
func (d *DataMgr) Mem() *jit.Mem {
	return d.mem
}

// Alloc reserves size bytes on the device. A render allocator, when present,
// carves the allocation out of its pre-allocated arena instead.
func (d *DataMgr) Alloc(size int64, deviceID int, render *RenderAllocator) (Ptr, error) {
	if size < 0 {
		return 0, herr.NewDeviceAllocationFailed(size, deviceID)
	}
	if render != nil {
		return render.alloc(size, deviceID)
	}
	p := d.mem.Register(make([]byte, size))
	d.mu.Lock()
	d.allocated[deviceID] = append(d.allocated[deviceID], p)
	d.mu.Unlock()
	return p, nil
}

// CopyToDevice copies host bytes into device memory.
func (d *DataMgr) CopyToDevice(dst Ptr, src []byte) {
	copy(d.mem.Bytes(dst, len(src)), src)
}

// CopyFromDevice copies device memory back to host bytes.
func (d *DataMgr) CopyFromDevice(dst []byte, src Ptr) {
	copy(dst, d.mem.Bytes(src, len(dst)))
}

// Launch runs a grid×block kernel. Blocks are scheduled concurrently on the
// pool; lanes within a block run in order, which keeps warp-interleaved
// layouts deterministic. Launch returns after every lane has finished.
func (d *DataMgr) Launch(grid, block uint32, sharedBytes int64, fn LaneFunc) error {
	_ = sharedBytes // the simulated device has no separate shared address space
	var wg sync.WaitGroup
	wg.Add(int(grid))
	for b := uint32(0); b < grid; b++ {
		blockIdx := b
		err := d.pool.Submit(func() {
			defer wg.Done()
			for t := uint32(0); t < block; t++ {
				fn(blockIdx, t)
			}
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return herr.NewInternalError("kernel submit failed: %v", err)
		}
	}
	wg.Wait()
	return nil
}

// AllocatedCount reports how many allocations a device id carries, used by
// tests to check the no-explicit-free contract.
func (d *DataMgr) AllocatedCount(deviceID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocated[deviceID])
}

// ReleaseAll drops the per-device allocation lists at end of query.
func (d *DataMgr) ReleaseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocated = make(map[int][]Ptr)
}

// Close tears down the scheduler pool.
func (d *DataMgr) Close() {
	d.pool.Release()
}

// RenderAllocator is the optional caller-supplied device arena used when the
// result feeds a rendering subsystem. Allocations are 8-byte aligned.
type RenderAllocator struct {
	mu       sync.Mutex
	mem      *jit.Mem
	base     Ptr
	size     int64
	used     int64
	deviceID int
}

func NewRenderAllocator(mem *jit.Mem, size int64, deviceID int) *RenderAllocator {
	size = (size + 7) &^ 7
	return &RenderAllocator{
		mem:      mem,
		base:     mem.Register(make([]byte, size)),
		size:     size,
		deviceID: deviceID,
	}
}

func (r *RenderAllocator) alloc(size int64, deviceID int) (Ptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size = (size + 7) &^ 7
	if r.used+size > r.size {
		return 0, herr.NewDeviceAllocationFailed(size, deviceID)
	}
	p := r.base + Ptr(r.used)
	r.used += size
	return p, nil
}

// AllocatedSize returns the bytes handed out so far; always a multiple of 8.
func (r *RenderAllocator) AllocatedSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// RenderAllocatorMap hands out the per-device render allocator.
type RenderAllocatorMap struct {
	mu     sync.Mutex
	allocs map[int]*RenderAllocator
}

func NewRenderAllocatorMap() *RenderAllocatorMap {
	return &RenderAllocatorMap{allocs: make(map[int]*RenderAllocator)}
}

func (m *RenderAllocatorMap) Put(deviceID int, r *RenderAllocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocs[deviceID] = r
}

func (m *RenderAllocatorMap) GetRenderAllocator(deviceID int) *RenderAllocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs[deviceID]
}
