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

package rowset

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/heliosdb/helios/pkg/common/bitmap"
)

// CountDistinctImpl selects the COUNT DISTINCT accumulator representation.
type CountDistinctImpl uint8

const (
	CountDistinctInvalid CountDistinctImpl = iota
	// CountDistinctBitmap is a dense presence bitmap over the value range.
	CountDistinctBitmap
	// CountDistinctStdSet spills to a sparse ordered set.
	CountDistinctStdSet
)

// CountDistinctDescriptor describes the accumulator of one distinct target.
type CountDistinctDescriptor struct {
	Impl       CountDistinctImpl
	MinVal     int64
	BitmapBits int64
}

// CountDistinctDescriptors maps target index to descriptor.
type CountDistinctDescriptors map[int]CountDistinctDescriptor

// Distinct accumulators are referenced from group slots by opaque 64-bit
// handles rather than raw addresses, so buffers stay position independent
// across device copies.
const (
	bitmapHandleBase = int64(1) << 61
	setHandleBase    = int64(1) << 60
)

// MemoryOwner owns every allocation that must outlive the execution
// contexts of a query: group buffers, small overflow buffers, COUNT DISTINCT
// bitmap pages and spill sets. Registration is append-only and thread-safe;
// everything is released together at end of query.
type MemoryOwner struct {
	mu              sync.Mutex
	groupByBuffers  [][]byte
	distinctBitmaps []*bitmap.Bitmap
	distinctSets    []*roaring64.Bitmap
	descs           CountDistinctDescriptors
}

func NewMemoryOwner() *MemoryOwner {
	return &MemoryOwner{}
}

// AddGroupByBuffer registers a group buffer for end-of-query release.
func (o *MemoryOwner) AddGroupByBuffer(b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groupByBuffers = append(o.groupByBuffers, b)
}

// AddCountDistinctBuffer registers a zeroed bitmap page and returns the
// handle stored into the owning group slot.
func (o *MemoryOwner) AddCountDistinctBuffer(bm *bitmap.Bitmap) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.distinctBitmaps = append(o.distinctBitmaps, bm)
	return bitmapHandleBase | int64(len(o.distinctBitmaps)-1)
}

// AddCountDistinctSet registers an empty ordered set and returns its handle.
func (o *MemoryOwner) AddCountDistinctSet(s *roaring64.Bitmap) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.distinctSets = append(o.distinctSets, s)
	return setHandleBase | int64(len(o.distinctSets)-1)
}

// CountDistinctBitmap resolves a bitmap handle.
func (o *MemoryOwner) CountDistinctBitmap(h int64) *bitmap.Bitmap {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.distinctBitmaps[h&^bitmapHandleBase]
}

// AddToDistinctSet inserts one value into a spill set under the owner lock;
// shared-memory lanes may hit the same set concurrently.
func (o *MemoryOwner) AddToDistinctSet(h int64, v uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.distinctSets[h&^setHandleBase].Add(v)
}

// CountDistinctSet resolves a set handle.
func (o *MemoryOwner) CountDistinctSet(h int64) *roaring64.Bitmap {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.distinctSets[h&^setHandleBase]
}

// IsBitmapHandle reports whether h references a bitmap page.
func IsBitmapHandle(h int64) bool {
	return h&bitmapHandleBase != 0
}

// SetCountDistinctDescriptors records the planner's distinct descriptors.
func (o *MemoryOwner) SetCountDistinctDescriptors(descs CountDistinctDescriptors) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.descs = descs
}

// GetCountDistinctDescriptors returns the registered descriptors.
func (o *MemoryOwner) GetCountDistinctDescriptors() CountDistinctDescriptors {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.descs
}

// Release drops every owned allocation. Contexts holding views over owned
// buffers must be gone by the time this is called.
func (o *MemoryOwner) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.groupByBuffers = nil
	o.distinctBitmaps = nil
	o.distinctSets = nil
	o.descs = nil
}
