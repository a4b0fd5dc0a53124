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

	"go.uber.org/zap"

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/jit"
	"github.com/heliosdb/helios/pkg/logutil"
)

// Kernel parameter block slots. The launch marshals exactly these, in this
// order, as device-resident pointers.
const (
	paramColBuffers = iota
	paramNumFragments
	paramLiterals
	paramNumRows
	paramFragRowOffsets
	paramInitAggVals
	paramGroupbyBuf
	paramSmallBuf
	paramMaxMatched
	paramTotalMatched
	paramErrorCode
	paramNumTables
	paramJoinHashTable
	kernParamCount
)

// CompiledKernel is the executable form of one row function: the IR module,
// its entry and the bound runtime intrinsics.
type CompiledKernel struct {
	Module     *jit.Module
	RowFunc    *jit.Func
	Intrinsics map[string]jit.Intrinsic

	// CanReturnError marks row functions whose slow-path group lookup may
	// fail and return a negated position.
	CanReturnError bool
}

// LaunchInput carries the per-launch inputs that are not part of the
// descriptor.
type LaunchInput struct {
	LiteralBuff    []byte
	NumRows        []int64
	FragRowOffsets []uint64
	ScanLimit      int64
	NumTables      uint32
	JoinHashTable  int64
}

// compactInitVals repacks the per-slot initial values to the compact row
// layout, padded to whole 8-byte quads, for the row-major grouped kernels.
func compactInitVals(quads uint64, initVals []int64, widths []ColWidth) []byte {
	buf := make([]byte, quads*8)
	var off uint64
	for i, w := range widths {
		if w.Compact == 8 {
			off = alignTo8(off)
		}
		writeSlot(buf, off, w.Compact, initVals[i])
		off += uint64(w.Compact)
	}
	return buf
}

// prepareKernelParams allocates and fills the device-resident parameter
// block. It is not the only allocation site: prepareGroupByDevBuffers
// allocates the group-buffer pointer arrays separately. Nothing is freed
// before end of query.
func (ctx *ExecutionContext) prepareKernelParams(
	in LaunchInput,
	errorCodeCount int,
	isGroupBy bool,
) ([kernParamCount]device.Ptr, error) {
	var params [kernParamCount]device.Ptr
	mgr := ctx.dataMgr
	mem := mgr.Mem()

	numFragments := uint32(len(ctx.colBuffers))
	colCount := 0
	if numFragments > 0 {
		colCount = len(ctx.colBuffers[0])
	}
	if colCount > 0 {
		outer, err := mgr.Alloc(int64(numFragments)*8, ctx.deviceID, nil)
		if err != nil {
			return params, err
		}
		for f, fragCols := range ctx.colBuffers {
			inner, err := mgr.Alloc(int64(colCount)*8, ctx.deviceID, nil)
			if err != nil {
				return params, err
			}
			for c, colPtr := range fragCols {
				mem.StoreI64(inner+uint64(c)*8, int64(colPtr))
			}
			mem.StoreI64(outer+uint64(f)*8, int64(inner))
		}
		params[paramColBuffers] = outer
	}

	var err error
	if params[paramNumFragments], err = ctx.allocU32(numFragments); err != nil {
		return params, err
	}
	if len(in.LiteralBuff) > 0 {
		lit, aerr := mgr.Alloc(int64(len(in.LiteralBuff)), ctx.deviceID, nil)
		if aerr != nil {
			return params, aerr
		}
		mgr.CopyToDevice(lit, in.LiteralBuff)
		params[paramLiterals] = lit
	}
	if params[paramNumRows], err = ctx.allocI64s(in.NumRows); err != nil {
		return params, err
	}
	offs := make([]int64, len(in.FragRowOffsets))
	for i, o := range in.FragRowOffsets {
		offs[i] = int64(o)
	}
	if params[paramFragRowOffsets], err = ctx.allocI64s(offs); err != nil {
		return params, err
	}
	if params[paramMaxMatched], err = ctx.allocU32(uint32(in.ScanLimit)); err != nil {
		return params, err
	}
	if params[paramTotalMatched], err = ctx.allocU32(0); err != nil {
		return params, err
	}

	if isGroupBy && !ctx.outputColumnar {
		quads := alignTo8(ctx.qmd.GetColsSize()) / 8
		packed := compactInitVals(quads, ctx.initAggVals, ctx.qmd.AggColWidths)
		p, aerr := mgr.Alloc(int64(len(packed)), ctx.deviceID, nil)
		if aerr != nil {
			return params, aerr
		}
		mgr.CopyToDevice(p, packed)
		params[paramInitAggVals] = p
	} else {
		if params[paramInitAggVals], err = ctx.allocI64s(ctx.initAggVals); err != nil {
			return params, err
		}
	}

	errCodes, err := mgr.Alloc(int64(errorCodeCount)*4, ctx.deviceID, nil)
	if err != nil {
		return params, err
	}
	params[paramErrorCode] = errCodes
	if params[paramNumTables], err = ctx.allocU32(in.NumTables); err != nil {
		return params, err
	}
	if params[paramJoinHashTable], err = ctx.allocI64s([]int64{in.JoinHashTable}); err != nil {
		return params, err
	}
	return params, nil
}

func (ctx *ExecutionContext) allocU32(v uint32) (device.Ptr, error) {
	p, err := ctx.dataMgr.Alloc(4, ctx.deviceID, nil)
	if err != nil {
		return 0, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	ctx.dataMgr.CopyToDevice(p, b[:])
	return p, nil
}

func (ctx *ExecutionContext) allocI64s(vs []int64) (device.Ptr, error) {
	n := len(vs)
	if n == 0 {
		n = 1
	}
	p, err := ctx.dataMgr.Alloc(int64(n)*8, ctx.deviceID, nil)
	if err != nil {
		return 0, err
	}
	mem := ctx.dataMgr.Mem()
	for i, v := range vs {
		mem.StoreI64(p+uint64(i)*8, v)
	}
	return p, nil
}

// prepareGroupByDevBuffers stages the group buffers on the device and
// returns the pointer-array parameter plus the per-buffer device bases for
// the copy back. The render allocator, when present, supplies the arena.
func (ctx *ExecutionContext) prepareGroupByDevBuffers() (bufArr, smallArr device.Ptr, devBases, smallBases []device.Ptr, err error) {
	mgr := ctx.dataMgr
	mem := mgr.Mem()
	var render *device.RenderAllocator
	if ctx.renderMap != nil {
		render = ctx.renderMap.GetRenderAllocator(ctx.deviceID)
	}

	if ctx.deviceKind == device.CPU {
		bufArr, err = ctx.ptrArray(ctx.groupBufPtrs)
		if err != nil {
			return
		}
		if len(ctx.smallBufPtrs) > 0 {
			smallArr, err = ctx.ptrArray(ctx.smallBufPtrs)
		}
		return
	}

	if ctx.numBuffers == 0 && render != nil {
		// render executions own no host buffers; the arena supplies the
		// single block-shared device buffer
		var p device.Ptr
		p, err = mgr.Alloc(int64(ctx.qmd.GetBufferSizeBytes(device.Accelerator)), ctx.deviceID, render)
		if err != nil {
			return
		}
		bufArr, err = ctx.ptrArray([]device.Ptr{p})
		return
	}

	step := uint64(1)
	if ctx.qmd.ThreadsShareMemory() {
		step = uint64(ctx.cfg.BlockSize)
	}
	devPtrs := make([]device.Ptr, ctx.numBuffers)
	smallPtrs := make([]device.Ptr, 0)
	for i := uint64(0); i < ctx.numBuffers; i += step {
		host := ctx.groupByBuffers[i]
		var p device.Ptr
		p, err = mgr.Alloc(int64(len(host)), ctx.deviceID, render)
		if err != nil {
			return
		}
		if ctx.qmd.LazyInitGroups(device.Accelerator) {
			// device-side init: the simulated device shares host memory,
			// so the template initializer runs directly on the buffer
			if ctx.outputColumnar {
				ctx.initColumnarGroups(mem.Bytes(p, len(host)), ctx.initAggVals, ctx.qmd.EntryCount, ctx.qmd.Keyless)
			} else {
				warp := uint64(1)
				if ctx.qmd.InterleavedBins(device.Accelerator) {
					warp = uint64(ctx.cfg.WarpSize)
				}
				indexQuads := uint64(len(host)) - ctx.qmd.GetBufferSizeBytes(device.Accelerator)
				ctx.initGroups(mem.Bytes(p+indexQuads, len(host)-int(indexQuads)), ctx.initAggVals, ctx.qmd.EntryCount, ctx.qmd.Keyless, warp)
			}
		} else {
			mgr.CopyToDevice(p, host)
		}
		devBases = append(devBases, p)
		indexBytes := uint64(len(host)) - ctx.qmd.GetBufferSizeBytes(device.Accelerator)
		for j := uint64(0); j < step && i+j < ctx.numBuffers; j++ {
			devPtrs[i+j] = p + indexBytes
		}
		if len(ctx.smallBuffers) > 0 {
			smallHost := ctx.smallBuffers[i]
			var sp device.Ptr
			sp, err = mgr.Alloc(int64(len(smallHost)), ctx.deviceID, nil)
			if err != nil {
				return
			}
			mgr.CopyToDevice(sp, smallHost)
			smallBases = append(smallBases, sp)
			smallPtrs = append(smallPtrs, sp)
			for j := uint64(1); j < step && i+j < ctx.numBuffers; j++ {
				smallPtrs = append(smallPtrs, 0)
			}
		}
	}
	bufArr, err = ctx.ptrArray(devPtrs)
	if err != nil {
		return
	}
	if len(smallPtrs) > 0 {
		smallArr, err = ctx.ptrArray(smallPtrs)
	}
	return
}

func (ctx *ExecutionContext) ptrArray(ptrs []device.Ptr) (device.Ptr, error) {
	n := len(ptrs)
	if n == 0 {
		n = 1
	}
	p, err := ctx.dataMgr.Alloc(int64(n)*8, ctx.deviceID, nil)
	if err != nil {
		return 0, err
	}
	mem := ctx.dataMgr.Mem()
	for i, v := range ptrs {
		mem.StoreI64(p+uint64(i)*8, int64(v))
	}
	return p, nil
}

// Launch drives one kernel over the context's fragments. Grouped launches
// return nil out-vectors and leave results in the group buffers; the
// non-grouping path returns one per-lane output vector per aggregate slot.
func (ctx *ExecutionContext) Launch(kern *CompiledKernel, in LaunchInput) ([][]int64, error) {
	isGroupBy := ctx.qmd.GetBufferSizeBytes(ctx.deviceKind) > 0
	grid, block := uint32(1), uint32(1)
	if ctx.deviceKind == device.Accelerator {
		grid, block = ctx.cfg.GridSize, ctx.cfg.BlockSize
	}
	lanes := int(grid) * int(block)

	params, err := ctx.prepareKernelParams(in, lanes, isGroupBy)
	if err != nil {
		return nil, err
	}

	mgr := ctx.dataMgr
	mem := mgr.Mem()

	var devBases, smallBases []device.Ptr
	var outVecPtrs []device.Ptr
	aggColCount := len(ctx.initAggVals)
	numFragments := len(ctx.colBuffers)

	if isGroupBy {
		var bufArr, smallArr device.Ptr
		bufArr, smallArr, devBases, smallBases, err = ctx.prepareGroupByDevBuffers()
		if err != nil {
			return nil, err
		}
		params[paramGroupbyBuf] = bufArr
		params[paramSmallBuf] = smallArr
	} else {
		// one output vector per aggregate slot, one 8-byte cell per lane
		// per fragment, seeded with the initial values
		vecBytes := int64(lanes) * 8 * int64(maxInt(numFragments, 1))
		for i := 0; i < aggColCount; i++ {
			p, aerr := mgr.Alloc(vecBytes, ctx.deviceID, nil)
			if aerr != nil {
				return nil, aerr
			}
			for cell := int64(0); cell < vecBytes/8; cell++ {
				mem.StoreI64(p+uint64(cell)*8, ctx.initAggVals[i])
			}
			outVecPtrs = append(outVecPtrs, p)
		}
		arr, aerr := ctx.ptrArray(outVecPtrs)
		if aerr != nil {
			return nil, aerr
		}
		params[paramGroupbyBuf] = arr
	}

	// per-lane match flags for the scan-limit protocol
	crtMatchSlab, err := mgr.Alloc(int64(lanes)*4, ctx.deviceID, nil)
	if err != nil {
		return nil, err
	}

	blocksShare := ctx.qmd.BlocksShareMemory()
	threadsShare := ctx.qmd.ThreadsShareMemory()
	rowFuncParams := len(kern.RowFunc.Params)

	laneFn := func(blockIdx, threadIdx uint32) {
		env := jit.NewEnv(mem, kern.Module, kern.Intrinsics)
		env.BlockIdx = blockIdx
		env.ThreadIdx = threadIdx
		env.BlockDim = block
		env.WarpSize = ctx.cfg.WarpSize
		lane := int(blockIdx)*int(block) + int(threadIdx)

		var bufIdx int
		switch {
		case ctx.deviceKind == device.CPU || blocksShare:
			bufIdx = 0
		case threadsShare:
			bufIdx = int(blockIdx) * int(block)
		default:
			bufIdx = lane
		}
		var groupsBuf, smallBuf uint64
		if isGroupBy {
			groupsBuf = uint64(mem.LoadI64(params[paramGroupbyBuf] + uint64(bufIdx)*8))
			if params[paramSmallBuf] != 0 {
				smallBuf = uint64(mem.LoadI64(params[paramSmallBuf] + uint64(bufIdx)*8))
			}
		}
		crtMatch := crtMatchSlab + uint64(lane)*4

		args := make([]uint64, rowFuncParams)
		start, stride := int64(lane), int64(lanes)
		if ctx.deviceKind == device.CPU {
			start, stride = 0, 1
		}

		for f := 0; f < maxInt(numFragments, 1); f++ {
			if numFragments > 0 {
				env.FragCols = ctx.fragColPtrs(f, params)
			}
			rows := int64(0)
			if f < len(in.NumRows) {
				rows = in.NumRows[f]
			}
			for pos := start; pos < rows; pos += stride {
				if in.ScanLimit > 0 &&
					mem.AtomicLoadI32(params[paramTotalMatched]) >= int32(in.ScanLimit) {
					return
				}
				mem.StoreI32(crtMatch, 0)
				args[0] = groupsBuf
				args[1] = smallBuf
				args[2] = crtMatch
				args[3] = params[paramInitAggVals]
				args[4] = uint64(pos)
				for s := 0; s < rowFuncParams-5; s++ {
					cell := uint64(f*lanes+lane) * 8
					args[5+s] = outVecPtrs[s] + cell
				}
				ret := int32(env.Exec(kern.RowFunc, args))
				if ret != 0 {
					mem.StoreI32(params[paramErrorCode]+uint64(lane)*4, ret)
					return
				}
				if in.ScanLimit > 0 && mem.LoadI32(crtMatch) != 0 {
					mem.AtomicAddI32(params[paramTotalMatched], 1)
				}
			}
		}
	}

	sharedBytes := int64(ctx.qmd.SharedMemBytes(ctx.deviceKind))
	if err := mgr.Launch(grid, block, sharedBytes, laneFn); err != nil {
		return nil, err
	}

	// copy results and the scan-limit counter back
	ctx.totalMatched = mem.LoadI32(params[paramTotalMatched])
	if ctx.deviceKind == device.Accelerator && ctx.renderMap == nil && isGroupBy {
		step := uint64(1)
		if threadsShare {
			step = uint64(ctx.cfg.BlockSize)
		}
		b := 0
		for i := uint64(0); i < ctx.numBuffers; i += step {
			mgr.CopyFromDevice(ctx.groupByBuffers[i], devBases[b])
			if len(smallBases) > 0 {
				mgr.CopyFromDevice(ctx.smallBuffers[i], smallBases[b])
			}
			b++
		}
	}

	// surface the first non-zero lane error
	var errorCode int32
	for lane := 0; lane < lanes; lane++ {
		code := mem.LoadI32(params[paramErrorCode] + uint64(lane)*4)
		if code != 0 {
			errorCode = code
			break
		}
	}
	if errorCode != 0 {
		logutil.Warn("kernel reported error",
			zap.String("query", ctx.queryID),
			zap.Int32("code", errorCode))
		return nil, herr.NewKernelError(errorCode)
	}

	if isGroupBy {
		return nil, nil
	}
	outVecs := make([][]int64, aggColCount)
	cells := lanes * maxInt(numFragments, 1)
	for i, p := range outVecPtrs {
		vec := make([]int64, cells)
		for c := 0; c < cells; c++ {
			vec[c] = mem.LoadI64(p + uint64(c)*8)
		}
		outVecs[i] = vec
	}
	return outVecs, nil
}

func (ctx *ExecutionContext) fragColPtrs(frag int, params [kernParamCount]device.Ptr) []uint64 {
	mem := ctx.dataMgr.Mem()
	inner := uint64(mem.LoadI64(params[paramColBuffers] + uint64(frag)*8))
	cols := len(ctx.colBuffers[frag])
	out := make([]uint64, cols)
	for c := 0; c < cols; c++ {
		out[c] = uint64(mem.LoadI64(inner + uint64(c)*8))
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
