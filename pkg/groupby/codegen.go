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
	"fmt"

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/dict"
	"github.com/heliosdb/helios/pkg/jit"
	"github.com/heliosdb/helios/pkg/plan"
)

// CompilationOptions carries the per-compilation knobs.
type CompilationOptions struct {
	DeviceKind device.Kind
}

// Codegen emits the per-row group-lookup and aggregate-update calls into
// the row function of the JIT module. The descriptor may be refined during
// emission (lazy-fetched slots widen to 8 bytes); the group-lookup call is
// back-patched afterwards when that changed the row size.
type Codegen struct {
	cfg        config.Config
	ra         *plan.RelAlgExecutionUnit
	queryInfos []plan.TableInfo
	qmd        *QueryMemoryDescriptor
	sd         *dict.StringDictionary

	outputColumnar bool

	mod     *jit.Module
	b       *jit.Builder
	rowFunc *jit.Func

	groupbyCallSite    *jit.Instr
	emittedRowSizeQuad int32
	canReturnError     bool
}

// Row function parameter indices; the first three are fixed by the kernel
// calling convention, the aggregate output slots only exist for scans.
const (
	rowArgGroupsBuffer = iota
	rowArgSmallBuffer
	rowArgCrtMatch
	rowArgInitAggVals
	rowArgPos
	rowArgAggOutBase
)

// NewCodegen builds the module skeleton and the row function signature for
// one execution unit.
func NewCodegen(
	cfg config.Config,
	ra *plan.RelAlgExecutionUnit,
	queryInfos []plan.TableInfo,
	b *Builder,
	sd *dict.StringDictionary,
) *Codegen {
	mod := jit.NewModule()
	DeclareRuntime(mod)
	params := []*jit.Arg{
		{Typ: jit.PtrI64, Name: "groups_buffer"},
		{Typ: jit.PtrI64, Name: "small_groups_buffer"},
		{Typ: jit.PtrI32, Name: "crt_match"},
		{Typ: jit.PtrI64, Name: "init_agg_vals"},
		{Typ: jit.I64, Name: "pos"},
	}
	if len(ra.GroupByExprs) == 0 {
		for i := 0; i < AggColCount(ra.TargetExprs); i++ {
			params = append(params, &jit.Arg{Typ: jit.PtrI64, Name: fmt.Sprintf("agg_out_%d", i)})
		}
	}
	rowFunc := mod.NewFunc("row_process", jit.I32, params...)
	builder := jit.NewBuilder(mod)
	builder.SetInsertPoint(rowFunc.NewBlock("entry"))
	return &Codegen{
		cfg:            cfg,
		ra:             ra,
		queryInfos:     queryInfos,
		qmd:            b.Descriptor(),
		sd:             sd,
		outputColumnar: b.OutputColumnar(),
		mod:            mod,
		b:              builder,
		rowFunc:        rowFunc,
	}
}

// Module exposes the IR module for linking and inspection.
func (cg *Codegen) Module() *jit.Module {
	return cg.mod
}

// RowFunc exposes the row function.
func (cg *Codegen) RowFunc() *jit.Func {
	return cg.rowFunc
}

// diamondCodegen mirrors the branch diamond helper of the source: it opens
// a true/false block pair and, on close, wires the fallthrough edge.
type diamondCodegen struct {
	cg            *Codegen
	condTrue      *jit.Block
	condFalse     *jit.Block
	origCondFalse *jit.Block
	chainToNext   bool
	parent        *diamondCodegen
}

func (cg *Codegen) newDiamond(cond jit.Value, chainToNext bool, labelPrefix string, parent *diamondCodegen) *diamondCodegen {
	d := &diamondCodegen{cg: cg, chainToNext: chainToNext, parent: parent}
	d.condTrue = cg.rowFunc.NewBlock(labelPrefix + "_true")
	d.condFalse = cg.rowFunc.NewBlock(labelPrefix + "_false")
	d.origCondFalse = d.condFalse
	cg.b.CreateCondBr(cond, d.condTrue, d.condFalse)
	cg.b.SetInsertPoint(d.condTrue)
	return d
}

func (d *diamondCodegen) setChainToNext() {
	d.chainToNext = true
}

func (d *diamondCodegen) close() {
	if d.parent != nil {
		d.cg.b.CreateBr(d.parent.condFalse)
	} else if d.chainToNext {
		d.cg.b.CreateBr(d.condFalse)
	}
	d.cg.b.SetInsertPoint(d.origCondFalse)
}

// CodegenFilter emits the conjunction of the filter qualifiers.
func (cg *Codegen) CodegenFilter() (jit.Value, error) {
	cond := jit.Value(jit.ConstI1(true))
	for _, qual := range cg.ra.Quals {
		qv, err := cg.codegenQual(qual)
		if err != nil {
			return nil, err
		}
		cond = cg.b.CreateSelect(cond, qv, jit.ConstI1(false))
	}
	return cond, nil
}

func (cg *Codegen) codegenQual(qual plan.Expr) (jit.Value, error) {
	switch q := qual.(type) {
	case *plan.NotNullQual:
		lv, err := cg.codegenExpr(q.Arg)
		if err != nil {
			return nil, err
		}
		return cg.b.CreateICmpNE(lv, cg.inlineNull(q.Arg.Type())), nil
	case *plan.CmpQual:
		l, err := cg.codegenExpr(q.Left)
		if err != nil {
			return nil, err
		}
		r, err := cg.codegenExpr(q.Right)
		if err != nil {
			return nil, err
		}
		switch q.Op {
		case plan.CmpEq:
			return cg.b.CreateICmpEQ(l, r), nil
		case plan.CmpNe:
			return cg.b.CreateICmpNE(l, r), nil
		case plan.CmpLt:
			return cg.b.CreateICmpSLT(l, r), nil
		case plan.CmpGt:
			return cg.b.CreateICmpSLT(r, l), nil
		}
	}
	return nil, herr.NewInvalidInput("unsupported filter qualifier")
}

// Codegen emits the full per-row flow under the filter diamond and returns
// whether the generated code may return a negated-position error.
func (cg *Codegen) Codegen(filterResult jit.Value, co CompilationOptions) (bool, error) {
	isGroupBy := len(cg.ra.GroupByExprs) > 0

	filterCfg := cg.newDiamond(filterResult,
		!isGroupBy || cg.qmd.UsesGetGroupValueFast(), "filter", nil)

	if isGroupBy {
		if cg.ra.ScanLimit > 0 {
			cg.b.CreateStore(jit.ConstI32(1), cg.rowFunc.Param(rowArgCrtMatch))
		}
		cg.emittedRowSizeQuad = cg.rowSizeQuad()
		aggOutPtr, aggOutIdx, err := cg.codegenGroupBy(co, filterCfg)
		if err != nil {
			return false, err
		}
		if cg.qmd.UsesGetGroupValueFast() || cg.qmd.HashKind == GroupByMultiColPerfectHash {
			if cg.qmd.HashKind == GroupByMultiColPerfectHash {
				filterCfg.setChainToNext()
			}
			// fast paths cannot yield a null slot, no check needed
			if err := cg.codegenAggCalls(aggOutPtr, aggOutIdx, nil, co); err != nil {
				return false, err
			}
		} else {
			if cg.outputColumnar && !cg.qmd.Keyless {
				return false, errInternalf("slow-path grouping is row-major")
			}
			nullcheck := cg.newDiamond(
				cg.b.CreateICmpNE(aggOutPtr, jit.NullPtr(jit.PtrI64)),
				false, "groupby_nullcheck", filterCfg)
			if err := cg.codegenAggCalls(aggOutPtr, aggOutIdx, nil, co); err != nil {
				return false, err
			}
			nullcheck.close()
			cg.canReturnError = true
			// overflow surfaces as the negated row position
			cg.b.CreateRet(cg.b.CreateNeg(cg.b.CreateTrunc(cg.rowFunc.Param(rowArgPos), jit.I32)))
		}

		if !cg.outputColumnar && cg.rowSizeQuad() != cg.emittedRowSizeQuad {
			cg.patchGroupbyCall()
		}
	} else {
		aggOutVec := make([]jit.Value, 0, len(cg.rowFunc.Params)-rowArgAggOutBase)
		for i := rowArgAggOutBase; i < len(cg.rowFunc.Params); i++ {
			aggOutVec = append(aggOutVec, cg.rowFunc.Param(i))
		}
		if err := cg.codegenAggCalls(nil, nil, aggOutVec, co); err != nil {
			return false, err
		}
	}

	filterCfg.close()
	cg.b.CreateRet(jit.ConstI32(0))
	return cg.canReturnError, nil
}

func (cg *Codegen) rowSizeQuad() int32 {
	if cg.outputColumnar {
		return 0
	}
	return cg.qmd.GetRowSizeQuad()
}

// codegenGroupBy emits the group-slot acquisition matching the hash kind.
// The second result is the columnar bin index when the columnar fast path
// is taken, nil otherwise.
func (cg *Codegen) codegenGroupBy(co CompilationOptions, diamond *diamondCodegen) (jit.Value, jit.Value, error) {
	groupsBuffer := cg.rowFunc.Param(rowArgGroupsBuffer)
	rowSizeQuad := cg.rowSizeQuad()

	switch cg.qmd.HashKind {
	case GroupByOneColKnownRange, GroupByOneColGuessedRange, GroupByScan:
		groupExpr := cg.ra.GroupByExprs[0]
		translatedNull := cg.qmd.MaxVal + 1
		if cg.qmd.Bucket != 0 {
			translatedNull = cg.qmd.MaxVal + cg.qmd.Bucket
		}
		groupExprLv, err := cg.groupByColumnCodegen(groupExpr, cg.qmd.HasNulls, translatedNull)
		if err != nil {
			return nil, nil, err
		}
		if cg.qmd.UsesGetGroupValueFast() {
			fnName := "get_group_value_fast"
			if cg.outputColumnar && !cg.qmd.Keyless {
				fnName = "get_columnar_group_bin_offset"
			}
			if cg.qmd.Keyless {
				fnName += "_keyless"
			}
			if cg.qmd.InterleavedBins(co.DeviceKind) {
				fnName += "_semiprivate"
			}
			args := []jit.Value{
				groupsBuffer,
				groupExprLv,
				jit.ConstI64(cg.qmd.MinVal),
				jit.ConstI64(cg.qmd.Bucket),
			}
			if !cg.qmd.Keyless {
				if !cg.outputColumnar {
					args = append(args, jit.ConstI32(rowSizeQuad))
				}
			} else {
				args = append(args, jit.ConstI32(rowSizeQuad))
				if cg.qmd.InterleavedBins(co.DeviceKind) {
					warpIdx := cg.b.EmitCall("thread_warp_idx",
						[]jit.Value{jit.ConstI32(int32(cg.cfg.WarpSize))})
					args = append(args, warpIdx, jit.ConstI32(int32(cg.cfg.WarpSize)))
				}
			}
			call := cg.b.EmitCall(fnName, args)
			if fnName == "get_columnar_group_bin_offset" {
				cg.groupbyCallSite = call
				return groupsBuffer, call, nil
			}
			cg.groupbyCallSite = call
			return call, nil, nil
		}
		call := cg.b.EmitCall("get_group_value_one_key", []jit.Value{
			groupsBuffer,
			jit.ConstI32(int32(cg.qmd.EntryCount)),
			cg.rowFunc.Param(rowArgSmallBuffer),
			jit.ConstI32(int32(cg.qmd.EntryCountSmall)),
			groupExprLv,
			jit.ConstI64(cg.qmd.MinVal),
			jit.ConstI32(rowSizeQuad),
			cg.rowFunc.Param(rowArgInitAggVals),
		})
		cg.groupbyCallSite = call
		return call, nil, nil

	case GroupByMultiCol, GroupByMultiColPerfectHash:
		keyCount := len(cg.qmd.GroupColWidths)
		keySizeLv := jit.ConstI32(int32(keyCount))
		groupKey := cg.b.CreateAlloca(jit.I64, jit.ConstI32(int32(keyCount)))
		analyzer := NewRangeAnalyzer(cg.queryInfos, false)
		for subkeyIdx, groupExpr := range cg.ra.GroupByExprs {
			r, err := analyzer.ExprRange(groupExpr)
			if err != nil {
				return nil, nil, err
			}
			groupExprLv, err := cg.groupByColumnCodegen(groupExpr, r.HasNulls, r.Max+1)
			if err != nil {
				return nil, nil, err
			}
			cg.b.CreateStore(groupExprLv, cg.b.CreateGEP(groupKey, jit.ConstI32(int32(subkeyIdx))))
		}
		if cg.qmd.HashKind == GroupByMultiColPerfectHash {
			hashFn, err := cg.codegenPerfectHashFunction()
			if err != nil {
				return nil, nil, err
			}
			hashLv := cg.b.CreateCall(hashFn, []jit.Value{groupKey})
			call := cg.b.EmitCall("get_matching_group_value_perfect_hash", []jit.Value{
				groupsBuffer, hashLv, groupKey, keySizeLv, jit.ConstI32(rowSizeQuad),
			})
			cg.groupbyCallSite = call
			return call, nil, nil
		}
		call := cg.b.EmitCall("get_group_value", []jit.Value{
			groupsBuffer,
			jit.ConstI32(int32(cg.qmd.EntryCount)),
			groupKey,
			keySizeLv,
			jit.ConstI32(rowSizeQuad),
			cg.rowFunc.Param(rowArgInitAggVals),
		})
		cg.groupbyCallSite = call
		return call, nil, nil
	}
	return nil, nil, errInternalf("unhandled hash kind %v", cg.qmd.HashKind)
}

// groupByColumnCodegen loads the grouping value and remaps the null
// sentinel onto the dedicated null bin.
func (cg *Codegen) groupByColumnCodegen(expr plan.Expr, hasNulls bool, translatedNull int64) (jit.Value, error) {
	if _, ok := expr.(*plan.UnnestExpr); ok {
		return nil, herr.NewInvalidInput("UNNEST grouping is not supported by this code generator")
	}
	lv, err := cg.codegenExpr(expr)
	if err != nil {
		return nil, err
	}
	if lv.Ty() != jit.I64 {
		lv = cg.b.CreateSExt(lv, jit.I64)
	}
	if hasNulls {
		isNull := cg.b.CreateICmpEQ(lv, cg.inlineNull(expr.Type()))
		lv = cg.b.CreateSelect(isNull, jit.ConstI64(translatedNull), lv)
	}
	return lv, nil
}

// codegenPerfectHashFunction synthesizes the multi-column perfect hash
//
//	h(k) = sum_i (k_i - min_i) * prod_{j<i} card_j
//
// as an always-inline helper.
func (cg *Codegen) codegenPerfectHashFunction() (*jit.Func, error) {
	if fn := cg.mod.Func("perfect_key_hash"); fn != nil {
		return fn, nil
	}
	analyzer := NewRangeAnalyzer(cg.queryInfos, false)
	cardinalities := make([]int64, 0, len(cg.ra.GroupByExprs))
	mins := make([]int64, 0, len(cg.ra.GroupByExprs))
	for _, groupExpr := range cg.ra.GroupByExprs {
		r, err := analyzer.ExprRange(groupExpr)
		if err != nil {
			return nil, err
		}
		if r.Kind != GroupByOneColKnownRange {
			return nil, errInternalf("perfect hash over unknown range")
		}
		cardinalities = append(cardinalities, r.Max-r.Min+1)
		mins = append(mins, r.Min)
	}

	fn := cg.mod.NewFunc("perfect_key_hash", jit.I32,
		&jit.Arg{Typ: jit.PtrI64, Name: "key_buff"})
	fn.AlwaysInline = true
	hb := jit.NewBuilder(cg.mod)
	hb.SetInsertPoint(fn.NewBlock("entry"))
	hash := jit.Value(jit.ConstI64(0))
	for dimIdx := range cg.ra.GroupByExprs {
		keyComp := hb.CreateLoad(hb.CreateGEP(fn.Param(0), jit.ConstI32(int32(dimIdx))))
		term := jit.Value(hb.CreateSub(keyComp, jit.ConstI64(mins[dimIdx])))
		for prev := 0; prev < dimIdx; prev++ {
			term = hb.CreateMul(term, jit.ConstI64(cardinalities[prev]))
		}
		hash = hb.CreateAdd(hash, term)
	}
	hb.CreateRet(hb.CreateTrunc(hash, jit.I32))
	return fn, nil
}

// patchGroupbyCall rewrites the row_size_quad argument of the emitted
// group-lookup call after the descriptor was refined; the columnar bin
// offset lookup has no such argument.
func (cg *Codegen) patchGroupbyCall() {
	call := cg.groupbyCallSite
	if call == nil || call.Callee == "get_columnar_group_bin_offset" {
		return
	}
	argIdx := 4
	if call.Callee == "get_group_value_one_key" {
		argIdx = 6
	}
	call.Args[argIdx] = jit.ConstI32(cg.rowSizeQuad())
}

// codegenExpr lowers the closed expression set to IR.
func (cg *Codegen) codegenExpr(expr plan.Expr) (jit.Value, error) {
	switch e := expr.(type) {
	case *plan.ColumnRef:
		if e.Typ.IsFP() {
			return cg.b.EmitCall("fixed_width_double_decode", []jit.Value{
				jit.ConstI64(int64(e.Col)), cg.rowFunc.Param(rowArgPos),
			}), nil
		}
		return cg.b.EmitCall("fixed_width_int_decode", []jit.Value{
			jit.ConstI64(int64(e.Col)), cg.rowFunc.Param(rowArgPos),
		}), nil
	case *plan.Constant:
		if e.Typ.IsFP() {
			return jit.ConstF64(e.Fval), nil
		}
		if e.StrVal != nil {
			if !e.Typ.IsDictEncoded() {
				return nil, herr.NewStringsMustBeDictEncoded("literal")
			}
			return jit.ConstI64(int64(cg.sd.GetOrAddTransient(*e.StrVal))), nil
		}
		return jit.ConstI64(e.Val), nil
	case *plan.CastExpr:
		inner, err := cg.codegenExpr(e.Operand)
		if err != nil {
			return nil, err
		}
		if e.Typ.IsFP() && inner.Ty() == jit.I64 {
			return cg.b.CreateSIToFP(inner, jit.F64), nil
		}
		return inner, nil
	case *plan.AggExpr:
		if e.Arg == nil {
			return jit.ConstI64(0), nil
		}
		return cg.codegenExpr(e.Arg)
	}
	return nil, herr.NewInvalidInput("unsupported expression shape")
}

// inlineNull is the in-band null sentinel constant of a type, as i64 bits.
func (cg *Codegen) inlineNull(t types.Type) *jit.Const {
	return jit.ConstI64(types.NullValue(t))
}

// Finish seals the module into an executable kernel bound to the runtime.
func (cg *Codegen) Finish(intrinsics map[string]jit.Intrinsic) *CompiledKernel {
	return &CompiledKernel{
		Module:         cg.mod,
		RowFunc:        cg.rowFunc,
		Intrinsics:     intrinsics,
		CanReturnError: cg.canReturnError,
	}
}
