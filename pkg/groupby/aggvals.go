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

	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/plan"
)

// AggInitVal returns the value an aggregate slot starts from. Non-null
// slots start at the neutral element (the maximum representable value for
// MIN, the minimum for MAX, zero for the additive aggregates); nullable
// MIN/MAX/SUM slots start at the null sentinel so a group that only ever
// sees nulls stays null. Floating point values are returned as raw bits.
func AggInitVal(kind plan.AggKind, typ types.Type, byteWidth int) int64 {
	switch kind {
	case plan.AggMin:
		if !typ.NotNull {
			return types.NullValueForWidth(typ, byteWidth)
		}
		if typ.IsFP() {
			if byteWidth == 4 {
				return int64(int32(math.Float32bits(math.MaxFloat32)))
			}
			return int64(math.Float64bits(math.MaxFloat64))
		}
		return types.MaxValueForWidth(byteWidth)
	case plan.AggMax:
		if !typ.NotNull {
			return types.NullValueForWidth(typ, byteWidth)
		}
		if typ.IsFP() {
			if byteWidth == 4 {
				return int64(int32(math.Float32bits(-math.MaxFloat32)))
			}
			return int64(math.Float64bits(-math.MaxFloat64))
		}
		return types.MinValueForWidth(byteWidth)
	case plan.AggSum:
		if !typ.NotNull {
			return types.NullValueForWidth(typ, byteWidth)
		}
	}
	return 0
}

// InitAggVals expands the target list into one initial value per aggregate
// slot, matching the slot expansion of the column widths: AVG takes a sum
// and a count slot, none-encoded strings and arrays take a pointer and a
// length slot. Nullable MIN/MAX/SUM slots start from the null sentinel so a
// group that only ever sees nulls stays null.
func InitAggVals(targets []plan.Expr, widths []ColWidth) []int64 {
	vals := make([]int64, 0, len(widths))
	slot := 0
	for _, target := range targets {
		info := plan.GetTargetInfo(target)
		w := int(widths[slot].Compact)
		switch {
		case !info.IsAgg:
			vals = append(vals, 0)
			if projectionSlotCount(info.Typ) == 2 {
				vals = append(vals, 0)
				slot++
			}
		case info.Kind == plan.AggAvg:
			// NULL-ness of an AVG comes from a zero count at finalization
			vals = append(vals, 0, 0)
			slot++
		case info.IsDistinct:
			// the slot is rewritten with the accumulator handle at init
			vals = append(vals, 0)
		case info.Kind == plan.AggCount:
			vals = append(vals, 0)
		default:
			vals = append(vals, AggInitVal(info.Kind, info.Typ, w))
		}
		slot++
	}
	return vals
}

// projectionSlotCount returns how many slots a non-aggregate target needs.
func projectionSlotCount(t types.Type) int {
	if (t.IsString() && !t.IsDictEncoded()) || t.IsArray() {
		return 2
	}
	return 1
}

// aggSlotCount returns how many slots a target expression expands to.
func aggSlotCount(e plan.Expr) int {
	info := plan.GetTargetInfo(e)
	if !info.IsAgg {
		return projectionSlotCount(info.Typ)
	}
	if info.Kind == plan.AggAvg {
		return 2
	}
	return 1
}

// AggColCount is the total slot count of a target list.
func AggColCount(targets []plan.Expr) int {
	n := 0
	for _, t := range targets {
		n += aggSlotCount(t)
	}
	return n
}
