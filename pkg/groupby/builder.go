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
	"math"

	"go.uber.org/zap"

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/dict"
	"github.com/heliosdb/helios/pkg/logutil"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

const interleavedMaxThreshold = 20

// Builder synthesizes the query memory descriptor for one execution unit
// and owns the code generator state derived from it.
type Builder struct {
	cfg        config.Config
	ra         *plan.RelAlgExecutionUnit
	queryInfos []plan.TableInfo
	owner      *rowset.MemoryOwner
	sd         *dict.StringDictionary
	analyzer   *RangeAnalyzer

	deviceKind     device.Kind
	renderOutput   bool
	allowMultifrag bool

	qmd            QueryMemoryDescriptor
	outputColumnar bool
}

// NewBuilder runs the descriptor pipeline: transient literal resolution,
// count-distinct planning, width selection and the hash-kind dispatch.
// Planning-time failures surface here, before any device work.
func NewBuilder(
	cfg config.Config,
	deviceKind device.Kind,
	ra *plan.RelAlgExecutionUnit,
	renderOutput bool,
	queryInfos []plan.TableInfo,
	owner *rowset.MemoryOwner,
	sd *dict.StringDictionary,
	allowMultifrag bool,
	outputColumnarHint bool,
) (*Builder, error) {
	b := &Builder{
		cfg:            cfg,
		ra:             ra,
		queryInfos:     queryInfos,
		owner:          owner,
		sd:             sd,
		analyzer:       NewRangeAnalyzer(queryInfos, cfg.EnableWatchdog),
		deviceKind:     deviceKind,
		renderOutput:   renderOutput,
		allowMultifrag: allowMultifrag,
	}
	for _, expr := range ra.GroupByExprs {
		if expr == nil {
			continue
		}
		t := expr.Type()
		if t.IsString() && !t.IsDictEncoded() {
			return nil, herr.NewStringsMustBeDictEncoded("GROUP BY")
		}
	}
	sortOnDeviceHint := deviceKind == device.Accelerator && allowMultifrag &&
		len(ra.OrderEntries) > 0 && b.deviceCanHandleOrderEntries()
	if err := b.initQueryMemoryDescriptor(sortOnDeviceHint); err != nil {
		return nil, err
	}
	if deviceKind != device.Accelerator {
		b.qmd.InterleavedBinsOnDevice = false
	}
	b.qmd.SortOnDevice = sortOnDeviceHint && b.qmd.CanOutputColumnar() && !b.qmd.Keyless
	b.qmd.IsSortPlan = len(ra.OrderEntries) > 0 && !b.qmd.SortOnDevice
	// the columnar bin-offset lookup is keyed, so keyless plans stay row major
	b.outputColumnar = (outputColumnarHint && b.qmd.CanOutputColumnar() && !b.qmd.Keyless) ||
		b.qmd.SortOnDevice
	b.qmd.OutputColumnar = b.outputColumnar
	logutil.Debug("query memory descriptor built",
		zap.String("hash", b.qmd.HashKind.String()),
		zap.Bool("keyless", b.qmd.Keyless),
		zap.Uint64("entries", b.qmd.EntryCount))
	return b, nil
}

// Descriptor returns the built descriptor.
func (b *Builder) Descriptor() *QueryMemoryDescriptor {
	return &b.qmd
}

// OutputColumnar reports the resolved layout choice.
func (b *Builder) OutputColumnar() bool {
	return b.outputColumnar
}

func (b *Builder) initQueryMemoryDescriptor(sortOnDeviceHint bool) error {
	b.addTransientStringLiterals()

	countDistinctDescs, err := PlanCountDistinct(b.ra, b.analyzer, b.cfg.EnableWatchdog)
	if err != nil {
		return err
	}
	if len(countDistinctDescs) > 0 {
		b.owner.SetCountDistinctDescriptors(countDistinctDescs)
	}

	smallestWidth := pickTargetCompactWidth(b.ra, b.queryInfos)
	aggColWidths := make([]ColWidth, 0, len(b.ra.TargetExprs))
	for _, w := range colByteWidths(b.ra.TargetExprs) {
		aggColWidths = append(aggColWidths, ColWidth{
			Actual:  w,
			Compact: compactByteWidth(w, smallestWidth),
		})
	}
	groupColWidths := keyByteWidths(b.ra.GroupByExprs)

	base := QueryMemoryDescriptor{
		cfg:                b.cfg,
		AllowMultifrag:     b.allowMultifrag,
		GroupColWidths:     groupColWidths,
		AggColWidths:       aggColWidths,
		IdxTargetAsKey:     -1,
		CountDistinctDescs: countDistinctDescs,
	}

	if len(groupColWidths) == 0 {
		base.HashKind = GroupByScan
		base.Sharing = SharingPrivate
		b.qmd = base
		return nil
	}

	colRange, err := b.analyzer.GroupByRange(b.ra.GroupByExprs)
	if err != nil {
		return err
	}

	if b.cfg.EnableWatchdog &&
		colRange.Kind != GroupByOneColKnownRange &&
		colRange.Kind != GroupByMultiColPerfectHash &&
		colRange.Kind != GroupByOneColGuessedRange &&
		!b.renderOutput &&
		(b.ra.ScanLimit == 0 || b.ra.ScanLimit > 10000) {
		return herr.NewWouldUseTooMuchMemory()
	}

	switch colRange.Kind {
	case GroupByOneColKnownRange, GroupByOneColGuessedRange, GroupByScan:
		groupTyp := b.ra.GroupByExprs[0].Type()
		baseline := colRange.Kind != GroupByOneColKnownRange ||
			(!groupTyp.IsString() &&
				colRange.Max >= colRange.Min+int64(b.cfg.MaxGroupsBufferEntryCount) &&
				colRange.Bucket == 0)
		if baseline {
			hashKind := colRange.Kind
			if b.renderOutput {
				hashKind = GroupByMultiCol
			}
			smallSlots := b.cfg.SmallGroupsBufferEntryCount
			if b.ra.ScanLimit != 0 && uint64(b.ra.ScanLimit) < smallSlots {
				smallSlots = uint64(b.ra.ScanLimit)
			}
			if b.renderOutput {
				smallSlots = 0
			}
			entryCount := b.cfg.MaxGroupsBufferEntryCount
			if b.renderOutput {
				entryCount *= 4
			}
			base.HashKind = hashKind
			base.EntryCount = entryCount
			base.EntryCountSmall = smallSlots
			base.MinVal = colRange.Min
			base.MaxVal = colRange.Max
			base.HasNulls = colRange.HasNulls
			base.Sharing = SharingShared
			base.RenderOutput = b.renderOutput
			b.qmd = base
			return nil
		}
		keylessInfo := analyzeKeyless(b.ra.TargetExprs, b.queryInfos, compactWidthOf(aggColWidths))
		keyless := keylessInfo.Keyless &&
			(!sortOnDeviceHint || !manyEntries(colRange.Max, colRange.Min, colRange.Bucket)) &&
			colRange.Bucket == 0
		binCount := uint64(colRange.Max - colRange.Min)
		if colRange.Bucket != 0 {
			binCount /= uint64(colRange.Bucket)
		}
		binCount++
		if colRange.HasNulls {
			binCount++
		}
		interleaved := keyless && binCount <= interleavedMaxThreshold
		base.HashKind = colRange.Kind
		base.Keyless = keyless
		base.InterleavedBinsOnDevice = interleaved
		base.IdxTargetAsKey = keylessInfo.TargetIndex
		base.InitVal = keylessInfo.InitVal
		base.EntryCount = binCount
		base.MinVal = colRange.Min
		base.MaxVal = colRange.Max
		base.Bucket = colRange.Bucket
		base.HasNulls = colRange.HasNulls
		base.Sharing = SharingShared
		b.qmd = base
		return nil
	case GroupByMultiCol:
		base.HashKind = GroupByMultiCol
		base.EntryCount = b.cfg.MaxGroupsBufferEntryCount
		base.Sharing = SharingShared
		b.qmd = base
		return nil
	case GroupByMultiColPerfectHash:
		base.HashKind = GroupByMultiColPerfectHash
		base.EntryCount = uint64(colRange.Max)
		base.MinVal = colRange.Min
		base.MaxVal = colRange.Max
		base.HasNulls = colRange.HasNulls
		base.Sharing = SharingShared
		b.qmd = base
		return nil
	}
	return herr.NewInternalError("unhandled grouping kind %v", colRange.Kind)
}

// addTransientStringLiterals registers grouping string constants with the
// transient dictionary so their encoded ids are stable before launch.
func (b *Builder) addTransientStringLiterals() {
	for _, groupExpr := range b.ra.GroupByExprs {
		if groupExpr == nil {
			continue
		}
		switch e := groupExpr.(type) {
		case *plan.CastExpr:
			if !e.Typ.IsDictEncoded() {
				continue
			}
			if lit, ok := e.Operand.(*plan.Constant); ok && lit.StrVal != nil {
				b.sd.GetOrAddTransient(*lit.StrVal)
			}
		case *plan.CaseExpr:
			if !e.Typ.IsDictEncoded() {
				continue
			}
			for _, domainExpr := range e.Domain {
				lit, ok := domainExpr.(*plan.Constant)
				if !ok {
					if cast, isCast := domainExpr.(*plan.CastExpr); isCast {
						lit, ok = cast.Operand.(*plan.Constant)
					}
				}
				if ok && lit.StrVal != nil {
					b.sd.GetOrAddTransient(*lit.StrVal)
				}
			}
		}
	}
}

// deviceCanHandleOrderEntries keeps the on-device sort to the shapes the
// sort kernels support: one integer, non-distinct SUM or COUNT target with
// a null-compatible range.
func (b *Builder) deviceCanHandleOrderEntries() bool {
	if len(b.ra.OrderEntries) > 1 {
		return false
	}
	for _, entry := range b.ra.OrderEntries {
		if entry.TargetNo < 1 || entry.TargetNo > len(b.ra.TargetExprs) {
			return false
		}
		target := b.ra.TargetExprs[entry.TargetNo-1]
		agg, ok := target.(*plan.AggExpr)
		if !ok {
			return false
		}
		if agg.Distinct || agg.Kind == plan.AggAvg || agg.Kind == plan.AggMin ||
			agg.Kind == plan.AggMax {
			return false
		}
		if agg.Arg != nil {
			r, err := b.analyzer.ExprRange(agg.Arg)
			if err != nil {
				return false
			}
			if (r.Kind != GroupByOneColKnownRange || r.HasNulls) &&
				entry.Desc == entry.NullsFirst {
				return false
			}
		}
		if target.Type().IsArray() || !target.Type().IsInteger() {
			return false
		}
	}
	return true
}

// pickTargetCompactWidth narrows slots to 4 bytes only when every target
// provably fits: one non-UNNEST grouping column, argument-less aggregates,
// INT or dictionary string targets and a 32-bit total tuple count.
func pickTargetCompactWidth(ra *plan.RelAlgExecutionUnit, queryInfos []plan.TableInfo) uint8 {
	for _, groupExpr := range ra.GroupByExprs {
		if _, ok := groupExpr.(*plan.UnnestExpr); ok {
			return 8
		}
	}
	if len(ra.GroupByExprs) != 1 || ra.GroupByExprs[0] == nil {
		return 8
	}
	for _, target := range ra.TargetExprs {
		t := target.Type()
		if agg, ok := target.(*plan.AggExpr); ok {
			if agg.Arg != nil {
				return 8
			}
			continue
		}
		if t.Oid == types.T_int32 || t.IsDictEncoded() {
			continue
		}
		return 8
	}
	var totalTuples uint64
	for _, info := range queryInfos {
		totalTuples += info.NumTuples
	}
	if totalTuples <= uint64(math.MaxInt32) {
		return 4
	}
	return 8
}

func compactByteWidth(actual, smallest uint8) uint8 {
	if actual < smallest {
		return actual
	}
	return smallest
}

func compactWidthOf(widths []ColWidth) int {
	if len(widths) == 0 {
		return 8
	}
	return int(widths[0].Compact)
}

// colByteWidths expands the target list into per-slot logical widths.
func colByteWidths(targets []plan.Expr) []uint8 {
	var widths []uint8
	for _, target := range targets {
		info := plan.GetTargetInfo(target)
		if !info.IsAgg {
			if projectionSlotCount(info.Typ) == 2 {
				widths = append(widths, 8, 8)
				continue
			}
			widths = append(widths, uint8(info.Typ.TypeSize()))
			continue
		}
		if info.Kind == plan.AggAvg {
			widths = append(widths, 8, 8)
			continue
		}
		widths = append(widths, 8)
	}
	return widths
}

// keyByteWidths is the logical widths of the grouping columns.
func keyByteWidths(groupby []plan.Expr) []uint8 {
	var widths []uint8
	for _, expr := range groupby {
		widths = append(widths, uint8(expr.Type().TypeSize()))
	}
	return widths
}
