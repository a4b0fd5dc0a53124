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
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

// slotDesc describes one aggregate slot of the flattened target layout.
type slotDesc struct {
	TargetIdx    int
	Info         plan.TargetInfo
	AvgSumHalf   bool
	AvgCountHalf bool
	VarlenLen    bool
}

func slotDescs(targets []plan.Expr) []slotDesc {
	var descs []slotDesc
	for targetIdx, target := range targets {
		info := plan.GetTargetInfo(target)
		n := aggSlotCount(target)
		if info.IsAgg && info.Kind == plan.AggAvg {
			descs = append(descs,
				slotDesc{TargetIdx: targetIdx, Info: info, AvgSumHalf: true},
				slotDesc{TargetIdx: targetIdx, Info: info, AvgCountHalf: true})
			continue
		}
		descs = append(descs, slotDesc{TargetIdx: targetIdx, Info: info})
		if n == 2 {
			descs = append(descs, slotDesc{TargetIdx: targetIdx, Info: info, VarlenLen: true})
		}
	}
	return descs
}

// Reducer merges per-block (or per-context) group buffers into one logical
// result row set, with the same aggregate semantics the kernel applies.
type Reducer struct {
	qmd         *QueryMemoryDescriptor
	targets     []plan.Expr
	owner       *rowset.MemoryOwner
	deviceKind  device.Kind
	initAggVals []int64
	slots       []slotDesc
}

func NewReducer(
	qmd *QueryMemoryDescriptor,
	targets []plan.Expr,
	owner *rowset.MemoryOwner,
	deviceKind device.Kind,
	initAggVals []int64,
) *Reducer {
	return &Reducer{
		qmd:         qmd,
		targets:     targets,
		owner:       owner,
		deviceKind:  deviceKind,
		initAggVals: initAggVals,
		slots:       slotDescs(targets),
	}
}

func (r *Reducer) slotOff(bin uint64, colIdx int) uint64 {
	return r.qmd.GetColOffInBytes(r.deviceKind, bin, colIdx)
}

func (r *Reducer) slotWidth(colIdx int) uint8 {
	return r.qmd.AggColWidths[colIdx].Compact
}

// binPresent reports whether a bin of this buffer holds a live group.
func (r *Reducer) binPresent(buf []byte, bin uint64) bool {
	if r.qmd.Keyless {
		marker := int(r.qmd.IdxTargetAsKey)
		if marker < 0 {
			marker = 0
		}
		markerInit := r.initSlotVal(marker)
		v := readSlot(buf, r.slotOff(bin, marker), r.slotWidth(marker))
		if v != markerInit {
			return true
		}
		// with warp interleaving any warp row can carry the marker
		for w := uint64(1); w < r.qmd.WarpCount(r.deviceKind); w++ {
			off := r.slotOff(bin, marker) + w*r.qmd.GetRowSize()
			if readSlot(buf, off, r.slotWidth(marker)) != markerInit {
				return true
			}
		}
		return false
	}
	return readSlot(buf, r.qmd.GetKeyOffInBytes(bin, 0), 8) != EmptyKey64
}

// mergeSlotValue folds src into dst with the merge operator of the slot.
func (r *Reducer) mergeSlotValue(sd slotDesc, width uint8, dst, src int64) int64 {
	info := sd.Info
	fp := info.Typ.IsFP() && !sd.AvgCountHalf
	kind := slotKind{bytes: int(width), isFP: fp}
	skip := info.SkipNullVal && !sd.AvgCountHalf && !sd.AvgSumHalf && info.IsAgg
	var nullSentinel int64
	if skip {
		nullSentinel = types.NullValueForWidth(info.Typ, int(width))
		if src == nullSentinel {
			return dst
		}
		if dst == nullSentinel {
			return src
		}
	}
	switch {
	case !info.IsAgg:
		return dst
	case sd.AvgSumHalf || info.Kind == plan.AggSum:
		return sumOp(kind, dst, src)
	case sd.AvgCountHalf || info.Kind == plan.AggCount:
		return dst + src
	case info.Kind == plan.AggMin:
		return minOp(kind, dst, src)
	case info.Kind == plan.AggMax:
		return maxOp(kind, dst, src)
	}
	return dst
}

// mergeDistinct unions the src accumulator into dst.
func (r *Reducer) mergeDistinct(dstHandle, srcHandle int64) {
	if dstHandle == srcHandle {
		return
	}
	if rowset.IsBitmapHandle(dstHandle) {
		r.owner.CountDistinctBitmap(dstHandle).Or(r.owner.CountDistinctBitmap(srcHandle))
		return
	}
	r.owner.CountDistinctSet(dstHandle).Or(r.owner.CountDistinctSet(srcHandle))
}

// collapseWarps folds the warp-interleaved rows of each bin onto warp 0.
func (r *Reducer) collapseWarps(buf []byte) {
	warpCount := r.qmd.WarpCount(r.deviceKind)
	if warpCount <= 1 {
		return
	}
	rowSize := r.qmd.GetRowSize()
	for bin := uint64(0); bin < r.qmd.EntryCount; bin++ {
		base := r.slotOff(bin, 0) - r.qmd.GetColOnlyOffInBytes(0)
		for w := uint64(1); w < warpCount; w++ {
			for colIdx, sd := range r.slots {
				width := r.slotWidth(colIdx)
				colOff := r.qmd.GetColOnlyOffInBytes(colIdx)
				dstOff := base + colOff
				srcOff := base + w*rowSize + colOff
				src := readSlot(buf, srcOff, width)
				if src == r.initSlotVal(colIdx) {
					continue
				}
				dst := readSlot(buf, dstOff, width)
				if dst == r.initSlotVal(colIdx) {
					writeSlot(buf, dstOff, width, src)
					continue
				}
				writeSlot(buf, dstOff, width, r.mergeSlotValue(sd, width, dst, src))
			}
		}
	}
}

func (r *Reducer) initSlotVal(colIdx int) int64 {
	if colIdx < len(r.initAggVals) {
		return r.initAggVals[colIdx]
	}
	return 0
}

// ReduceBuffers merges src into dst positionally; both buffers must share
// the descriptor's shape. This is the fast-path reduction: direct-addressed
// tables are positionally aligned across blocks.
func (r *Reducer) ReduceBuffers(dst, src []byte) {
	for bin := uint64(0); bin < r.qmd.EntryCount; bin++ {
		if !r.binPresent(src, bin) {
			continue
		}
		if !r.binPresent(dst, bin) {
			// claim the destination bin wholesale
			r.copyBin(dst, src, bin)
			continue
		}
		for colIdx, sd := range r.slots {
			width := r.slotWidth(colIdx)
			off := r.slotOff(bin, colIdx)
			srcVal := readSlot(src, off, width)
			if sd.Info.IsDistinct {
				dstVal := readSlot(dst, off, width)
				r.mergeDistinct(dstVal, srcVal)
				continue
			}
			dstVal := readSlot(dst, off, width)
			writeSlot(dst, off, width, r.mergeSlotValue(sd, width, dstVal, srcVal))
		}
	}
}

func (r *Reducer) copyBin(dst, src []byte, bin uint64) {
	if !r.qmd.Keyless && !r.qmd.OutputColumnar {
		keyOff := r.qmd.GetKeyOffInBytes(bin, 0)
		for k := 0; k < len(r.qmd.GroupColWidths); k++ {
			writeSlot(dst, keyOff+uint64(k)*8, 8, readSlot(src, keyOff+uint64(k)*8, 8))
		}
	}
	if !r.qmd.Keyless && r.qmd.OutputColumnar {
		off := r.qmd.GetKeyOffInBytes(bin, 0)
		writeSlot(dst, off, 8, readSlot(src, off, 8))
	}
	for colIdx := range r.slots {
		width := r.slotWidth(colIdx)
		off := r.slotOff(bin, colIdx)
		writeSlot(dst, off, width, readSlot(src, off, width))
	}
}

// mergedRow is one rehashed group of the slow-path reduction.
type mergedRow struct {
	keys []int64
	vals []int64
}

type rowTable struct {
	order []string
	rows  map[string]*mergedRow
}

func newRowTable() *rowTable {
	return &rowTable{rows: make(map[string]*mergedRow)}
}

func keyString(keys []int64) string {
	b := make([]byte, 0, len(keys)*8)
	for _, k := range keys {
		for i := 0; i < 8; i++ {
			b = append(b, byte(uint64(k)>>(8*i)))
		}
	}
	return string(b)
}

// mergeRow rehashes one source row into the result table.
func (r *Reducer) mergeRow(tbl *rowTable, keys, vals []int64) {
	ks := keyString(keys)
	row, ok := tbl.rows[ks]
	if !ok {
		row = &mergedRow{keys: append([]int64(nil), keys...), vals: append([]int64(nil), vals...)}
		tbl.rows[ks] = row
		tbl.order = append(tbl.order, ks)
		return
	}
	for colIdx, sd := range r.slots {
		if sd.Info.IsDistinct {
			r.mergeDistinct(row.vals[colIdx], vals[colIdx])
			continue
		}
		row.vals[colIdx] = r.mergeSlotValue(sd, r.slotWidth(colIdx), row.vals[colIdx], vals[colIdx])
	}
}

// rowMajorRows walks one row-major buffer, emitting present rows.
func (r *Reducer) rowMajorRows(buf []byte, entryCount uint64, rowSize uint64, visit func(keys, vals []int64)) {
	keyCount := len(r.qmd.GroupColWidths)
	for bin := uint64(0); bin < entryCount; bin++ {
		base := bin * rowSize
		if readSlot(buf, base, 8) == EmptyKey64 {
			continue
		}
		keys := make([]int64, keyCount)
		for k := 0; k < keyCount; k++ {
			keys[k] = readSlot(buf, base+uint64(k)*8, 8)
		}
		vals := make([]int64, len(r.slots))
		colOff := base + uint64(keyCount)*8
		for colIdx := range r.slots {
			width := r.slotWidth(colIdx)
			if width == 8 {
				colOff = alignTo8(colOff)
			}
			vals[colIdx] = readSlot(buf, colOff, width)
			colOff += uint64(width)
		}
		visit(keys, vals)
	}
}

// Reduce merges every buffer (plus overflow buffers on the slow path) into
// one result row set and materialises the final aggregate values.
func (r *Reducer) Reduce(buffers, smallBuffers [][]byte) *rowset.ResultRows {
	real := make([][]byte, 0, len(buffers))
	for _, b := range buffers {
		if b != nil {
			real = append(real, b)
		}
	}
	fastPath := r.qmd.UsesGetGroupValueFast() || r.qmd.HashKind == GroupByMultiColPerfectHash

	if fastPath {
		for _, b := range real {
			r.collapseWarps(b)
		}
		dst := real[0]
		for _, src := range real[1:] {
			r.ReduceBuffers(dst, src)
		}
		return r.materializeDirect(dst)
	}

	tbl := newRowTable()
	for _, b := range real {
		r.rowMajorRows(b, r.qmd.EntryCount, r.qmd.GetRowSize(), func(keys, vals []int64) {
			r.mergeRow(tbl, keys, vals)
		})
	}
	for _, b := range smallBuffers {
		if b == nil {
			continue
		}
		r.rowMajorRows(b, r.qmd.EntryCountSmall, r.qmd.GetRowSize(), func(keys, vals []int64) {
			r.mergeRow(tbl, keys, vals)
		})
	}
	out := &rowset.ResultRows{}
	for _, ks := range tbl.order {
		row := tbl.rows[ks]
		out.Append(rowset.Row{Keys: row.keys, Values: r.finalizeRow(row.vals)})
	}
	return out
}

// materializeDirect walks a direct-addressed buffer, recovering keys from
// bin positions for the keyless layout.
func (r *Reducer) materializeDirect(buf []byte) *rowset.ResultRows {
	out := &rowset.ResultRows{}
	bucket := r.qmd.Bucket
	if bucket == 0 {
		bucket = 1
	}
	for bin := uint64(0); bin < r.qmd.EntryCount; bin++ {
		if !r.binPresent(buf, bin) {
			continue
		}
		var keys []int64
		switch {
		case r.qmd.Keyless:
			keys = []int64{r.qmd.MinVal + int64(bin)*bucket}
		case r.qmd.HashKind == GroupByMultiColPerfectHash:
			keys = make([]int64, len(r.qmd.GroupColWidths))
			base := bin * r.qmd.GetRowSize()
			for k := range keys {
				keys[k] = readSlot(buf, base+uint64(k)*8, 8)
			}
		default:
			keys = []int64{readSlot(buf, r.qmd.GetKeyOffInBytes(bin, 0), 8)}
		}
		vals := make([]int64, len(r.slots))
		for colIdx := range r.slots {
			vals[colIdx] = readSlot(buf, r.slotOff(bin, colIdx), r.slotWidth(colIdx))
		}
		out.Append(rowset.Row{Keys: keys, Values: r.finalizeRow(vals)})
	}
	return out
}

// finalizeRow turns raw slot values into target values: AVG division with
// NULL on a zero count, COUNT DISTINCT cardinality, null-sentinel mapping.
func (r *Reducer) finalizeRow(vals []int64) []rowset.TargetValue {
	out := make([]rowset.TargetValue, 0, len(r.targets))
	for colIdx := 0; colIdx < len(r.slots); colIdx++ {
		sd := r.slots[colIdx]
		width := r.slotWidth(colIdx)
		v := vals[colIdx]
		switch {
		case sd.AvgSumHalf:
			count := vals[colIdx+1]
			if count == 0 {
				out = append(out, rowset.NullValue())
			} else if sd.Info.Typ.IsFP() {
				out = append(out, rowset.FloatValue(slotFloat(slotKind{bytes: int(width), isFP: true}, v)/float64(count)))
			} else {
				out = append(out, rowset.FloatValue(float64(v)/float64(count)))
			}
			colIdx++ // consume the count half
		case sd.Info.IsDistinct:
			out = append(out, rowset.IntValue(r.distinctCardinality(v)))
		case sd.VarlenLen:
			// length half of a varlen projection, folded into the pointer cell
			continue
		case sd.Info.Typ.IsFP():
			kind := slotKind{bytes: int(width), isFP: true}
			if sd.Info.SkipNullVal || !sd.Info.Typ.NotNull {
				if v == types.NullValueForWidth(sd.Info.Typ, int(width)) {
					out = append(out, rowset.NullValue())
					continue
				}
			}
			out = append(out, rowset.FloatValue(slotFloat(kind, v)))
		default:
			if (sd.Info.SkipNullVal || !sd.Info.Typ.NotNull) &&
				v == types.NullValueForWidth(sd.Info.Typ, int(width)) {
				out = append(out, rowset.NullValue())
				continue
			}
			out = append(out, rowset.IntValue(v))
		}
	}
	return out
}

func (r *Reducer) distinctCardinality(handle int64) int64 {
	if rowset.IsBitmapHandle(handle) {
		return int64(r.owner.CountDistinctBitmap(handle).Count())
	}
	return int64(r.owner.CountDistinctSet(handle).GetCardinality())
}

// ReduceOutVecs folds the per-lane output vectors of a non-grouping launch
// into a single row.
func (r *Reducer) ReduceOutVecs(outVecs [][]int64) *rowset.ResultRows {
	vals := make([]int64, len(r.slots))
	for colIdx, sd := range r.slots {
		vec := outVecs[colIdx]
		acc := r.initSlotVal(colIdx)
		for _, lane := range vec {
			if sd.Info.IsDistinct {
				// all lanes share the eager accumulator handle
				acc = lane
				continue
			}
			if lane == r.initSlotVal(colIdx) {
				continue
			}
			if acc == r.initSlotVal(colIdx) && !plainAdditive(sd) {
				acc = lane
				continue
			}
			acc = r.mergeSlotValue(sd, 8, acc, lane)
		}
		vals[colIdx] = acc
	}
	out := &rowset.ResultRows{}
	out.Append(rowset.Row{Values: r.finalizeRow(vals)})
	return out
}

func plainAdditive(sd slotDesc) bool {
	if sd.AvgSumHalf || sd.AvgCountHalf {
		return true
	}
	return sd.Info.Kind == plan.AggSum || sd.Info.Kind == plan.AggCount
}
