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

package jit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecArithmeticAndSelect(t *testing.T) {
	mod := NewModule()
	fn := mod.NewFunc("f", I64, &Arg{Typ: I64, Name: "x"})
	b := NewBuilder(mod)
	b.SetInsertPoint(fn.NewBlock("entry"))
	// x*3 - 4 when x < 10, else x
	x := fn.Param(0)
	prod := b.CreateMul(x, ConstI64(3))
	diff := b.CreateSub(prod, ConstI64(4))
	cond := b.CreateICmpSLT(x, ConstI64(10))
	b.CreateRet(b.CreateSelect(cond, diff, x))

	env := NewEnv(NewMem(), mod, nil)
	require.Equal(t, int64(5), int64(env.Exec(fn, []uint64{3})))
	require.Equal(t, int64(42), int64(env.Exec(fn, []uint64{42})))
}

func TestExecBranches(t *testing.T) {
	mod := NewModule()
	fn := mod.NewFunc("f", I32, &Arg{Typ: I1, Name: "c"})
	b := NewBuilder(mod)
	entry := fn.NewBlock("entry")
	onTrue := fn.NewBlock("true")
	onFalse := fn.NewBlock("false")
	b.SetInsertPoint(entry)
	b.CreateCondBr(fn.Param(0), onTrue, onFalse)
	b.SetInsertPoint(onTrue)
	b.CreateRet(ConstI32(1))
	b.SetInsertPoint(onFalse)
	b.CreateRet(ConstI32(0))

	env := NewEnv(NewMem(), mod, nil)
	require.Equal(t, uint64(1), env.Exec(fn, []uint64{1}))
	require.Equal(t, uint64(0), env.Exec(fn, []uint64{0}))
}

func TestExecAllocaGEPLoadStore(t *testing.T) {
	mod := NewModule()
	fn := mod.NewFunc("f", I64)
	b := NewBuilder(mod)
	b.SetInsertPoint(fn.NewBlock("entry"))
	arr := b.CreateAlloca(I64, ConstI32(2))
	b.CreateStore(ConstI64(7), b.CreateGEP(arr, ConstI32(0)))
	b.CreateStore(ConstI64(35), b.CreateGEP(arr, ConstI32(1)))
	a := b.CreateLoad(b.CreateGEP(arr, ConstI32(0)))
	c := b.CreateLoad(b.CreateGEP(arr, ConstI32(1)))
	b.CreateRet(b.CreateAdd(a, c))

	env := NewEnv(NewMem(), mod, nil)
	require.Equal(t, int64(42), int64(env.Exec(fn, nil)))
}

func TestExecMemoryAndAtomics(t *testing.T) {
	mem := NewMem()
	buf := make([]byte, 16)
	p := mem.Register(buf)
	mem.StoreI64(p, 40)

	mod := NewModule()
	fn := mod.NewFunc("f", I64, &Arg{Typ: PtrI64, Name: "p"})
	b := NewBuilder(mod)
	b.SetInsertPoint(fn.NewBlock("entry"))
	b.CreateAtomicAdd(fn.Param(0), ConstI64(2))
	b.CreateRet(b.CreateLoad(fn.Param(0)))

	env := NewEnv(mem, mod, nil)
	require.Equal(t, int64(42), int64(env.Exec(fn, []uint64{p})))
	require.Equal(t, int64(42), mem.LoadI64(p))
}

func TestExecIntrinsicDispatchAndModuleCalls(t *testing.T) {
	mod := NewModule()
	helper := mod.NewFunc("twice", I64, &Arg{Typ: I64, Name: "v"})
	hb := NewBuilder(mod)
	hb.SetInsertPoint(helper.NewBlock("entry"))
	hb.CreateRet(hb.CreateAdd(helper.Param(0), helper.Param(0)))

	fn := mod.NewFunc("f", I64, &Arg{Typ: I64, Name: "x"})
	b := NewBuilder(mod)
	b.SetInsertPoint(fn.NewBlock("entry"))
	doubled := b.CreateCall(helper, []Value{fn.Param(0)})
	bumped := b.EmitExternalCall("bump", I64, []Value{doubled})
	b.CreateRet(bumped)

	in := map[string]Intrinsic{
		"bump": func(env *Env, args []uint64) uint64 { return args[0] + 1 },
	}
	env := NewEnv(NewMem(), mod, in)
	require.Equal(t, int64(21), int64(env.Exec(fn, []uint64{10})))
}

func TestExecFloatOps(t *testing.T) {
	mod := NewModule()
	fn := mod.NewFunc("f", F64, &Arg{Typ: I64, Name: "x"})
	b := NewBuilder(mod)
	entry := fn.NewBlock("entry")
	isNan := fn.NewBlock("nan")
	regular := fn.NewBlock("regular")
	b.SetInsertPoint(entry)
	fp := b.CreateSIToFP(fn.Param(0), F64)
	cmp := b.CreateFCmpOEQ(fp, ConstF64(8))
	b.CreateCondBr(cmp, isNan, regular)
	b.SetInsertPoint(isNan)
	b.CreateRet(ConstF64(-1))
	b.SetInsertPoint(regular)
	b.CreateRet(fp)

	env := NewEnv(NewMem(), mod, nil)
	require.Equal(t, float64(-1), math.Float64frombits(env.Exec(fn, []uint64{8})))
	require.Equal(t, float64(3), math.Float64frombits(env.Exec(fn, []uint64{3})))
}

func TestTruncAndSExt(t *testing.T) {
	mod := NewModule()
	fn := mod.NewFunc("f", I64, &Arg{Typ: I64, Name: "x"})
	b := NewBuilder(mod)
	b.SetInsertPoint(fn.NewBlock("entry"))
	narrow := b.CreateTrunc(fn.Param(0), I32)
	wide := b.CreateSExt(narrow, I64)
	b.CreateRet(wide)

	env := NewEnv(NewMem(), mod, nil)
	neg5 := int64(-5)
	require.Equal(t, int64(-5), int64(env.Exec(fn, []uint64{uint64(neg5)})))
	require.Equal(t, int64(70000), int64(env.Exec(fn, []uint64{70000})))
}
