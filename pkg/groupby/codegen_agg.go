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
	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/jit"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

// aggFnBaseNames maps a target to the runtime base names it expands to.
func aggFnBaseNames(info plan.TargetInfo) []string {
	if !info.IsAgg {
		if (info.Typ.IsString() && !info.Typ.IsDictEncoded()) || info.Typ.IsArray() {
			return []string{"agg_id", "agg_id"}
		}
		return []string{"agg_id"}
	}
	switch info.Kind {
	case plan.AggAvg:
		return []string{"agg_sum", "agg_count"}
	case plan.AggCount:
		if info.IsDistinct {
			return []string{"agg_count_distinct"}
		}
		return []string{"agg_count"}
	case plan.AggMax:
		return []string{"agg_max"}
	case plan.AggMin:
		return []string{"agg_min"}
	case plan.AggSum:
		return []string{"agg_sum"}
	}
	return nil
}

// codegenAggArg lowers the value(s) a target contributes per row. Varlen
// targets (none-encoded strings, arrays) yield a block pointer and a length.
func (cg *Codegen) codegenAggArg(target plan.Expr) ([]jit.Value, error) {
	info := plan.GetTargetInfo(target)
	if !info.IsAgg && (info.Typ.IsArray() || (info.Typ.IsString() && !info.Typ.IsDictEncoded())) {
		blockPtr, err := cg.codegenExpr(target)
		if err != nil {
			return nil, err
		}
		size := cg.b.EmitExternalCall("array_size", jit.I32, []jit.Value{blockPtr})
		return []jit.Value{blockPtr, size}, nil
	}
	if agg, ok := target.(*plan.AggExpr); ok {
		if agg.Arg == nil {
			return []jit.Value{jit.ConstI64(0)}, nil
		}
		lv, err := cg.codegenExpr(agg.Arg)
		if err != nil {
			return nil, err
		}
		return []jit.Value{lv}, nil
	}
	lv, err := cg.codegenExpr(target)
	if err != nil {
		return nil, err
	}
	return []jit.Value{lv}, nil
}

// castToTypeIn narrows or widens a value to the given bit width, keeping
// integer sign and floating-point precision semantics.
func (cg *Codegen) castToTypeIn(v jit.Value, bits int) jit.Value {
	switch v.Ty() {
	case jit.F64:
		if bits == 32 {
			return cg.b.CreateFPTrunc(v, jit.F32)
		}
		return v
	case jit.F32:
		if bits == 64 {
			return cg.b.CreateFPExt(v, jit.F64)
		}
		return v
	}
	cur := v.Ty().SizeBytes() * 8
	switch {
	case cur > bits:
		return cg.b.CreateTrunc(v, jit.IntTypeForBytes(bits/8))
	case cur < bits:
		return cg.b.CreateSExt(v, jit.IntTypeForBytes(bits/8))
	}
	return v
}

func (cg *Codegen) castToFP(v jit.Value) jit.Value {
	if v.Ty() == jit.F64 || v.Ty() == jit.F32 {
		return v
	}
	return cg.b.CreateSIToFP(v, jit.F64)
}

func (cg *Codegen) fpNullConst(t types.Type, byteWidth int) jit.Value {
	if byteWidth == 4 {
		return jit.ConstF32(types.NullFloat)
	}
	if t.Oid == types.T_float32 {
		// a widened float null keeps the float sentinel value
		return jit.ConstF64(float64(float32(types.NullFloat)))
	}
	return jit.ConstF64(types.NullDouble)
}

// convertNullIfAny bridges mismatched null sentinels between the argument
// type and the accumulator type with a select on the argument's pattern.
func (cg *Codegen) convertNullIfAny(argTyp, aggTyp types.Type, chosenBytes int, target jit.Value) jit.Value {
	needConversion := false
	var argNull, aggNull jit.Value
	targetToCast := target
	if argTyp.IsFP() {
		argNull = cg.fpNullConst(argTyp, 8)
		aggNull = cg.fpNullConst(aggTyp, chosenBytes)
		if argTyp.Oid != aggTyp.Oid || chosenBytes != 8 {
			needConversion = true
		}
	} else {
		argNull = jit.ConstI64(types.NullValue(argTyp))
		if aggTyp.IsFP() {
			aggNull = cg.fpNullConst(aggTyp, chosenBytes)
			needConversion = true
			targetToCast = cg.castToFP(target)
		} else {
			aggNull = jit.ConstI64(types.NullValueForWidth(aggTyp, chosenBytes))
			if types.NullValue(argTyp) != types.NullValueForWidth(aggTyp, chosenBytes) {
				needConversion = true
			}
		}
	}
	if !needConversion {
		return target
	}
	var isNull jit.Value
	if argTyp.IsFP() {
		isNull = cg.b.CreateFCmpOEQ(target, argNull)
	} else {
		isNull = cg.b.CreateICmpEQ(target, argNull)
	}
	return cg.b.CreateSelect(isNull, aggNull, cg.castToTypeIn(targetToCast, chosenBytes*8))
}

// aggColPtr computes the slot pointer for one aggregate column of the
// current group row, in both layouts.
func (cg *Codegen) aggColPtr(
	aggOutPtr, aggOutIdx jit.Value,
	co CompilationOptions,
	aggOutOff int,
	chosenBytes int,
) jit.Value {
	ptrTy := jit.PtrTo(jit.IntTypeForBytes(chosenBytes))
	if cg.outputColumnar {
		colOff := cg.qmd.GetColOffInBytes(co.DeviceKind, 0, aggOutOff)
		offset := cg.b.CreateAdd(aggOutIdx, jit.ConstI64(int64(colOff/uint64(chosenBytes))))
		return cg.b.CreateGEP(cg.b.CreateBitCast(aggOutPtr, ptrTy), offset)
	}
	colOff := cg.qmd.GetColOnlyOffInBytes(aggOutOff)
	return cg.b.CreateGEP(cg.b.CreateBitCast(aggOutPtr, ptrTy),
		jit.ConstI32(int32(colOff/uint64(chosenBytes))))
}

// codegenAggCalls emits one update call per aggregate slot of every target.
func (cg *Codegen) codegenAggCalls(
	aggOutPtr, aggOutIdx jit.Value,
	aggOutVec []jit.Value,
	co CompilationOptions,
) error {
	isGroupBy := aggOutPtr != nil
	sharedMem := co.DeviceKind == device.Accelerator && cg.qmd.ThreadsShareMemory()

	aggOutOff := 0
	for targetIdx, targetExpr := range cg.ra.TargetExprs {
		if _, ok := targetExpr.(*plan.UnnestExpr); ok {
			return herr.NewUnsupportedUnnest()
		}
		info := plan.GetTargetInfo(targetExpr)
		argExpr := plan.AggArg(targetExpr)
		if argExpr != nil && plan.ConstrainedNotNull(argExpr, cg.ra.Quals) {
			info.SkipNullVal = false
		}
		aggFnNames := aggFnBaseNames(info)
		targetLvs, err := cg.codegenAggArg(targetExpr)
		if err != nil {
			return err
		}
		lazyFetched := false
		if col, ok := argExpr.(*plan.ColumnRef); ok && col.LazyFetch {
			lazyFetched = true
		}
		if col, ok := targetExpr.(*plan.ColumnRef); ok && col.LazyFetch {
			lazyFetched = true
		}
		if lazyFetched || !isGroupBy {
			cg.qmd.AggColWidths[aggOutOff].Compact = 8
		}
		for len(targetLvs) < len(aggFnNames) {
			targetLvs = append(targetLvs, targetLvs[0])
		}

		isSimpleCount := info.IsAgg && info.Kind == plan.AggCount && !info.IsDistinct
		if sharedMem && isSimpleCount && (argExpr == nil || argExpr.Type().NotNull) {
			// bypass the generic dispatch with a monotonic atomic increment
			chosen := int(cg.qmd.AggColWidths[aggOutOff].Compact)
			var acc jit.Value
			if isGroupBy {
				acc = cg.aggColPtr(aggOutPtr, aggOutIdx, co, aggOutOff, chosen)
			} else {
				acc = aggOutVec[aggOutOff]
			}
			if chosen != 4 {
				acc = cg.b.CreateBitCast(acc, jit.PtrI32)
			}
			cg.b.CreateAtomicAdd(acc, jit.ConstI32(1))
			aggOutOff++
			continue
		}

		targetLvIdx := 0
		for _, baseName := range aggFnNames {
			if info.IsDistinct && argExpr != nil && argExpr.Type().IsArray() {
				elemTyp := argExpr.Type().ElemType()
				var slotPtr jit.Value
				if isGroupBy {
					slotPtr = cg.aggColPtr(aggOutPtr, aggOutIdx, co, aggOutOff, 8)
				} else {
					slotPtr = aggOutVec[aggOutOff]
				}
				cg.b.EmitExternalCall(
					"agg_count_distinct_array_"+numericTypeName(elemTyp),
					jit.Void,
					[]jit.Value{
						slotPtr,
						targetLvs[targetLvIdx],
						cg.rowFunc.Param(rowArgPos),
						jit.ConstI64(types.NullValue(elemTyp)),
					})
				aggOutOff++
				targetLvIdx++
				continue
			}

			chosen := int(cg.qmd.AggColWidths[aggOutOff].Compact)
			chosenTyp := info.Typ
			isCountHalf := info.Kind == plan.AggAvg && baseName == "agg_count"

			var aggColPtr jit.Value
			if isGroupBy {
				aggColPtr = cg.aggColPtr(aggOutPtr, aggOutIdx, co, aggOutOff, chosen)
			}

			targetLv := targetLvs[targetLvIdx]
			needSkipNull := info.SkipNullVal
			if needSkipNull && info.Kind != plan.AggCount && !isCountHalf {
				targetLv = cg.convertNullIfAny(info.ArgTyp, chosenTyp, chosen, targetLv)
			} else if chosenTyp.IsFP() && !isCountHalf {
				targetLv = cg.castToTypeIn(cg.castToFP(targetLv), chosen*8)
			}
			if !info.IsAgg || argExpr != nil {
				targetLv = cg.castToTypeIn(targetLv, chosen*8)
			}

			var slotArg jit.Value
			if isGroupBy {
				slotArg = aggColPtr
			} else {
				slotArg = aggOutVec[aggOutOff]
				if chosen != 8 {
					slotArg = cg.b.CreateBitCast(slotArg, jit.PtrTo(jit.IntTypeForBytes(chosen)))
				}
			}
			valArg := targetLv
			if isSimpleCount && argExpr == nil {
				if chosen == 4 {
					valArg = jit.ConstI32(0)
				} else {
					valArg = jit.ConstI64(0)
				}
			}
			aggArgs := []jit.Value{slotArg, valArg}

			fname := baseName
			switch {
			case chosenTyp.IsFP() && !isCountHalf:
				if chosen == 4 {
					fname += "_float"
				} else {
					fname += "_double"
				}
			case chosen == 4:
				fname += "_int32"
			}

			if info.IsDistinct {
				if chosen != 8 {
					return errInternalf("distinct accumulators use full-width slots")
				}
				if err := cg.codegenCountDistinct(targetIdx, info, aggArgs, co); err != nil {
					return err
				}
			} else {
				if needSkipNull {
					fname += "_skip_val"
					var nullLv jit.Value
					if isCountHalf {
						// the count half compares the raw argument value
						if info.ArgTyp.IsFP() {
							nullLv = cg.b.CreateBitCast(cg.fpNullConst(info.ArgTyp, 8), jit.I64)
						} else {
							nullLv = jit.ConstI64(types.NullValue(info.ArgTyp))
						}
					} else if chosenTyp.IsFP() {
						nullLv = cg.b.CreateBitCast(cg.fpNullConst(chosenTyp, chosen), jit.IntTypeForBytes(chosen))
					} else {
						nullLv = jit.ConstI64(types.NullValueForWidth(chosenTyp, chosen))
						nullLv = cg.castToTypeIn(nullLv, chosen*8)
					}
					aggArgs = append(aggArgs, nullLv)
				}
				if sharedMem {
					fname += "_shared"
				}
				cg.b.EmitCall(fname, aggArgs)
			}
			aggOutOff++
			targetLvIdx++
		}
	}
	return nil
}

// codegenCountDistinct routes a distinct update to the bitmap or set
// accumulator. Distinct execution is a host-only path.
func (cg *Codegen) codegenCountDistinct(
	targetIdx int,
	info plan.TargetInfo,
	aggArgs []jit.Value,
	co CompilationOptions,
) error {
	if co.DeviceKind != device.CPU {
		return herr.NewInvalidInput("COUNT DISTINCT runs on the host device only")
	}
	desc, ok := cg.qmd.CountDistinctDescs[targetIdx]
	if !ok {
		return errInternalf("missing count distinct descriptor for target %d", targetIdx)
	}
	if info.ArgTyp.IsFP() {
		aggArgs[1] = cg.b.CreateBitCast(aggArgs[1], jit.I64)
	}
	fname := "agg_count_distinct"
	if desc.Impl == rowset.CountDistinctBitmap {
		fname += "_bitmap"
		aggArgs = append(aggArgs, jit.ConstI64(desc.MinVal))
	}
	if info.SkipNullVal {
		var nullLv jit.Value
		if info.ArgTyp.IsFP() {
			nullLv = cg.b.CreateBitCast(cg.fpNullConst(info.ArgTyp, 8), jit.I64)
		} else {
			nullLv = jit.ConstI64(types.NullValue(info.ArgTyp))
		}
		fname += "_skip_val"
		aggArgs = append(aggArgs, nullLv)
	}
	cg.b.EmitCall(fname, aggArgs)
	return nil
}

func numericTypeName(t types.Type) string {
	switch t.Oid {
	case types.T_bool, types.T_int8:
		return "int8"
	case types.T_int16:
		return "int16"
	case types.T_int32:
		return "int32"
	case types.T_float32:
		return "float"
	case types.T_float64:
		return "double"
	}
	return "int64"
}
