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
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/pkg/common/bitmap"
	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/logutil"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

// ExecutionContext owns the live group buffers of one
// (device kind, device id, fragment batch) slice: it builds the initialized
// buffer templates, marshals the kernel parameter block, drives the launch
// and gathers outputs. Buffer lifetimes belong to the row-set memory owner;
// the context only holds views.
type ExecutionContext struct {
	cfg         config.Config
	qmd         *QueryMemoryDescriptor
	initAggVals []int64
	targets     []plan.Expr
	deviceKind  device.Kind
	deviceID    int
	colBuffers  [][]device.Ptr
	owner       *rowset.MemoryOwner
	dataMgr     *device.DataMgr
	renderMap   *device.RenderAllocatorMap

	outputColumnar bool
	sortOnDevice   bool

	numBuffers uint64

	// groupByBuffers and smallBuffers carry one entry per logical buffer;
	// within a sharing group only the first entry is non-nil.
	groupByBuffers [][]byte
	smallBuffers   [][]byte

	// host buffer registrations in the kernel pointer space
	groupBufPtrs []device.Ptr
	smallBufPtrs []device.Ptr

	totalMatched int32
	queryID      string
}

// NewExecutionContext allocates and initializes the buffers the descriptor
// calls for. Render executions and plain scans only allocate the COUNT
// DISTINCT substructures.
func NewExecutionContext(
	cfg config.Config,
	qmd *QueryMemoryDescriptor,
	initAggVals []int64,
	targets []plan.Expr,
	deviceKind device.Kind,
	deviceID int,
	colBuffers [][]device.Ptr,
	owner *rowset.MemoryOwner,
	dataMgr *device.DataMgr,
	outputColumnar bool,
	sortOnDevice bool,
	renderMap *device.RenderAllocatorMap,
) (*ExecutionContext, error) {
	ctx := &ExecutionContext{
		cfg:            cfg,
		qmd:            qmd,
		initAggVals:    append([]int64(nil), initAggVals...),
		targets:        targets,
		deviceKind:     deviceKind,
		deviceID:       deviceID,
		colBuffers:     colBuffers,
		owner:          owner,
		dataMgr:        dataMgr,
		renderMap:      renderMap,
		outputColumnar: outputColumnar,
		sortOnDevice:   sortOnDevice,
		queryID:        uuid.NewString(),
	}
	if sortOnDevice && !outputColumnar {
		return nil, errInternalf("sort on device requires the columnar layout")
	}
	if renderMap != nil || len(qmd.GroupColWidths) == 0 {
		ctx.allocateCountDistinctBuffers(false)
		return ctx, nil
	}

	if deviceKind == device.CPU {
		ctx.numBuffers = 1
	} else {
		ctx.numBuffers = uint64(cfg.BlockSize)
		if !qmd.BlocksShareMemory() {
			ctx.numBuffers *= uint64(cfg.GridSize)
		}
	}

	bufBytes := qmd.GetBufferSizeBytes(deviceKind)
	var template []byte
	if !qmd.LazyInitGroups(deviceKind) {
		template = make([]byte, bufBytes)
		if outputColumnar {
			ctx.initColumnarGroups(template, ctx.initAggVals, qmd.EntryCount, qmd.Keyless)
		} else {
			warpSize := uint64(1)
			if qmd.InterleavedBins(deviceKind) {
				warpSize = uint64(cfg.WarpSize)
			}
			ctx.initGroups(template, ctx.initAggVals, qmd.EntryCount, qmd.Keyless, warpSize)
		}
	}

	if qmd.InterleavedBins(deviceKind) && !qmd.Keyless {
		return nil, errInternalf("interleaved bins require the keyless layout")
	}
	if qmd.Keyless && qmd.GetSmallBufferSizeQuad() != 0 {
		return nil, errInternalf("keyless layout excludes the small overflow buffer")
	}

	var smallTemplate []byte
	if qmd.GetSmallBufferSizeBytes() > 0 {
		if outputColumnar || qmd.Keyless {
			return nil, errInternalf("small buffer is row-major keyed only")
		}
		smallTemplate = make([]byte, qmd.GetSmallBufferSizeBytes())
		ctx.initGroups(smallTemplate, ctx.initAggVals, qmd.EntryCountSmall, false, 1)
	}

	step := uint64(1)
	if deviceKind == device.Accelerator && qmd.ThreadsShareMemory() {
		step = uint64(cfg.BlockSize)
	}

	mem := dataMgr.Mem()
	for i := uint64(0); i < ctx.numBuffers; i += step {
		indexBufferQuads := uint64(0)
		if deviceKind == device.Accelerator && sortOnDevice && qmd.Keyless {
			indexBufferQuads = qmd.EntryCount
		}
		buf := make([]byte, bufBytes+indexBufferQuads*8)
		if !qmd.LazyInitGroups(deviceKind) {
			copy(buf[indexBufferQuads*8:], template)
		}
		owner.AddGroupByBuffer(buf)
		ctx.groupByBuffers = append(ctx.groupByBuffers, buf)
		ctx.groupBufPtrs = append(ctx.groupBufPtrs, mem.Register(buf)+indexBufferQuads*8)
		for j := uint64(1); j < step; j++ {
			ctx.groupByBuffers = append(ctx.groupByBuffers, nil)
			ctx.groupBufPtrs = append(ctx.groupBufPtrs, 0)
		}
		if len(smallTemplate) > 0 {
			small := make([]byte, len(smallTemplate))
			copy(small, smallTemplate)
			owner.AddGroupByBuffer(small)
			ctx.smallBuffers = append(ctx.smallBuffers, small)
			ctx.smallBufPtrs = append(ctx.smallBufPtrs, mem.Register(small))
			for j := uint64(1); j < step; j++ {
				ctx.smallBuffers = append(ctx.smallBuffers, nil)
				ctx.smallBufPtrs = append(ctx.smallBufPtrs, 0)
			}
		}
	}
	logutil.Debug("execution context buffers initialized",
		zap.String("query", ctx.queryID),
		zap.String("device", deviceKind.String()),
		zap.Int("device-id", deviceID),
		zap.Uint64("buffer-bytes", bufBytes),
		zap.Int("buffers", len(ctx.groupByBuffers)))
	return ctx, nil
}

// GroupByBuffers exposes the logical buffer list, nil entries included.
func (ctx *ExecutionContext) GroupByBuffers() [][]byte {
	return ctx.groupByBuffers
}

// SmallBuffers exposes the overflow buffer list.
func (ctx *ExecutionContext) SmallBuffers() [][]byte {
	return ctx.smallBuffers
}

// TotalMatched reports the scan-limit counter after a launch.
func (ctx *ExecutionContext) TotalMatched() int32 {
	return ctx.totalMatched
}

// InitAggVals returns the per-slot initial values, with COUNT DISTINCT
// slots rewritten to accumulator handles for the eager path.
func (ctx *ExecutionContext) InitAggVals() []int64 {
	return ctx.initAggVals
}

// GetRowSet reduces this context's buffers into a result row set.
func (ctx *ExecutionContext) GetRowSet() *rowset.ResultRows {
	red := NewReducer(ctx.qmd, ctx.targets, ctx.owner, ctx.deviceKind, ctx.initAggVals)
	return red.Reduce(ctx.groupByBuffers, ctx.smallBuffers)
}

// RowSetFromOutVecs reduces a non-grouping launch's per-lane vectors.
func (ctx *ExecutionContext) RowSetFromOutVecs(outVecs [][]int64) *rowset.ResultRows {
	red := NewReducer(ctx.qmd, ctx.targets, ctx.owner, ctx.deviceKind, ctx.initAggVals)
	return red.ReduceOutVecs(outVecs)
}

// initColumnPerRow writes the initial value of every aggregate slot of one
// bin, allocating the COUNT DISTINCT substructure of slots that need one.
func (ctx *ExecutionContext) initColumnPerRow(
	buf []byte,
	rowColBase uint64,
	bin uint64,
	initVals []int64,
	bitmapSizes []int64,
) {
	colOff := rowColBase
	for colIdx := range ctx.qmd.AggColWidths {
		bmSz := bitmapSizes[colIdx]
		var initVal int64
		if bmSz == 0 {
			initVal = initVals[colIdx]
		} else if bmSz > 0 {
			initVal = ctx.allocateCountDistinctBitmap(bmSz)
		} else {
			initVal = ctx.allocateCountDistinctSet()
		}
		writeSlot(buf, colOff, ctx.qmd.AggColWidths[colIdx].Compact, initVal)
		colOff += ctx.qmd.GetNextColOffInBytes(colOff, bin, colIdx)
	}
}

// initGroups lays out one row-major buffer template: empty-key sentinels in
// the key slots (when keyed) and initial values in the aggregate slots. The
// keyless warp-interleaved variant repeats the bins once per warp.
func (ctx *ExecutionContext) initGroups(
	buf []byte,
	initVals []int64,
	entryCount uint64,
	keyless bool,
	warpSize uint64,
) {
	qmd := ctx.qmd
	keyQuadCount := uint64(len(qmd.GroupColWidths))
	rowSize := qmd.GetRowSize()
	bitmapSizes := ctx.allocateCountDistinctBuffers(true)

	var colBase uint64
	if !keyless {
		colBase = keyQuadCount * 8
	}

	var off uint64
	if keyless {
		for warpIdx := uint64(0); warpIdx < warpSize; warpIdx++ {
			for bin := uint64(0); bin < entryCount; bin++ {
				ctx.initColumnPerRow(buf, off+colBase, bin, initVals, bitmapSizes)
				off += rowSize
			}
		}
		return
	}

	for bin := uint64(0); bin < entryCount; bin++ {
		for keyIdx := uint64(0); keyIdx < keyQuadCount; keyIdx++ {
			binary.LittleEndian.PutUint64(buf[off+keyIdx*8:], ^uint64(0))
		}
		ctx.initColumnPerRow(buf, off+colBase, bin, initVals, bitmapSizes)
		off += rowSize
	}
}

// initColumnarGroups lays out the columnar template: the leading key array
// (when keyed) followed by one column per slot, padded to 8 bytes between
// columns when the layout is not isometric.
func (ctx *ExecutionContext) initColumnarGroups(
	buf []byte,
	initVals []int64,
	entryCount uint64,
	keyless bool,
) {
	qmd := ctx.qmd
	bitmapSizes := ctx.allocateCountDistinctBuffers(true)
	needPadding := !qmd.IsCompactLayoutIsometric()

	var off uint64
	if !keyless {
		for i := uint64(0); i < entryCount; i++ {
			binary.LittleEndian.PutUint64(buf[off:], ^uint64(0))
			off += 8
		}
	}
	for colIdx, w := range qmd.AggColWidths {
		bmSz := bitmapSizes[colIdx]
		for j := uint64(0); j < entryCount; j++ {
			var initVal int64
			if bmSz == 0 {
				initVal = initVals[colIdx]
			} else if bmSz > 0 {
				initVal = ctx.allocateCountDistinctBitmap(bmSz)
			} else {
				initVal = ctx.allocateCountDistinctSet()
			}
			writeSlot(buf, off, w.Compact, initVal)
			off += uint64(w.Compact)
		}
		if needPadding {
			off = alignTo8(off)
		}
	}
}

// allocateCountDistinctBuffers resolves the distinct descriptors against
// the slot layout. Deferred mode (grouped queries) returns the per-slot
// bitmap sizes for the row initializer; eager mode rewrites the initial
// value vector with freshly allocated accumulator handles.
func (ctx *ExecutionContext) allocateCountDistinctBuffers(deferred bool) []int64 {
	aggColCount := len(ctx.qmd.AggColWidths)
	var bitmapSizes []int64
	if deferred {
		bitmapSizes = make([]int64, aggColCount)
	}
	aggColIdx := 0
	for targetIdx, target := range ctx.targets {
		if aggColIdx >= aggColCount {
			break
		}
		info := plan.GetTargetInfo(target)
		if info.IsDistinct {
			desc, ok := ctx.qmd.CountDistinctDescs[targetIdx]
			if !ok {
				continue
			}
			if desc.Impl == rowset.CountDistinctBitmap {
				if deferred {
					bitmapSizes[aggColIdx] = desc.BitmapBits
				} else {
					ctx.initAggVals[aggColIdx] = ctx.allocateCountDistinctBitmap(desc.BitmapBits)
				}
			} else {
				if deferred {
					bitmapSizes[aggColIdx] = -1
				} else {
					ctx.initAggVals[aggColIdx] = ctx.allocateCountDistinctSet()
				}
			}
		}
		aggColIdx += aggSlotCount(target)
	}
	return bitmapSizes
}

func (ctx *ExecutionContext) allocateCountDistinctBitmap(bits int64) int64 {
	return ctx.owner.AddCountDistinctBuffer(bitmap.New(bits))
}

func (ctx *ExecutionContext) allocateCountDistinctSet() int64 {
	return ctx.owner.AddCountDistinctSet(roaring64.New())
}

func errInternalf(format string, args ...any) error {
	return herr.NewInternalError(format, args...)
}

func writeSlot(buf []byte, off uint64, width uint8, v int64) {
	switch width {
	case 1:
		buf[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
	}
}

func readSlot(buf []byte, off uint64, width uint8) int64 {
	switch width {
	case 1:
		return int64(int8(buf[off]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf[off:])))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf[off:])))
	default:
		return int64(binary.LittleEndian.Uint64(buf[off:]))
	}
}
