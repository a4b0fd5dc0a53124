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
	"fmt"
	"math"
)

// Type is the closed set of IR value types.
type Type uint8

const (
	Void Type = iota
	I1
	I8
	I16
	I32
	I64
	F32
	F64
	PtrI8
	PtrI16
	PtrI32
	PtrI64
	PtrF32
	PtrF64
)

// IsPtr reports whether t is a pointer type.
func (t Type) IsPtr() bool {
	return t >= PtrI8
}

// Elem returns the pointee type of a pointer type.
func (t Type) Elem() Type {
	switch t {
	case PtrI8:
		return I8
	case PtrI16:
		return I16
	case PtrI32:
		return I32
	case PtrI64:
		return I64
	case PtrF32:
		return F32
	case PtrF64:
		return F64
	}
	return Void
}

// PtrTo returns the pointer type to t.
func PtrTo(t Type) Type {
	switch t {
	case I8, I1:
		return PtrI8
	case I16:
		return PtrI16
	case I32:
		return PtrI32
	case I64:
		return PtrI64
	case F32:
		return PtrF32
	case F64:
		return PtrF64
	}
	panic(fmt.Sprintf("no pointer type for %d", t))
}

// IntTypeForBytes returns the integer type of the given byte width.
func IntTypeForBytes(n int) Type {
	switch n {
	case 1:
		return I8
	case 2:
		return I16
	case 4:
		return I32
	case 8:
		return I64
	}
	panic(fmt.Sprintf("bad integer width %d", n))
}

// SizeBytes returns the in-memory width of a value of type t.
func (t Type) SizeBytes() int {
	switch t {
	case I1, I8:
		return 1
	case I16:
		return 2
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	}
	if t.IsPtr() {
		return 8
	}
	return 0
}

// Value is an IR value: a constant, a function argument or an instruction
// result. The set is closed.
type Value interface {
	Ty() Type
}

// Const is an immediate. Bits holds the raw (sign-extended or IEEE-754)
// pattern.
type Const struct {
	Typ  Type
	Bits uint64
}

func (c *Const) Ty() Type { return c.Typ }

func ConstI1(v bool) *Const {
	if v {
		return &Const{Typ: I1, Bits: 1}
	}
	return &Const{Typ: I1, Bits: 0}
}

func ConstI32(v int32) *Const { return &Const{Typ: I32, Bits: uint64(int64(v))} }
func ConstI64(v int64) *Const { return &Const{Typ: I64, Bits: uint64(v)} }
func ConstF64(v float64) *Const {
	return &Const{Typ: F64, Bits: math.Float64bits(v)}
}
func ConstF32(v float32) *Const {
	return &Const{Typ: F32, Bits: uint64(math.Float32bits(v))}
}

// NullPtr is the null pointer constant of the given pointer type.
func NullPtr(t Type) *Const { return &Const{Typ: t, Bits: 0} }

// Arg is a row-function parameter.
type Arg struct {
	Typ   Type
	Index int
	Name  string
}

func (a *Arg) Ty() Type { return a.Typ }

// Op enumerates instruction shapes.
type Op uint8

const (
	OpCall Op = iota
	OpBr
	OpCondBr
	OpRet
	OpSelect
	OpICmpEQ
	OpICmpNE
	OpICmpSLT
	OpFCmpOEQ
	OpAdd
	OpSub
	OpMul
	OpSDiv
	OpNeg
	OpTrunc
	OpSExt
	OpSIToFP
	OpFPTrunc
	OpFPExt
	OpBitCast
	OpAlloca
	OpGEP
	OpLoad
	OpStore
	OpAtomicAdd
)

// Instr is one emitted instruction. Branch targets live in True/False; calls
// carry the callee name (runtime intrinsic or module function).
type Instr struct {
	Op     Op
	Typ    Type
	Callee string
	Args   []Value
	True   *Block
	False  *Block

	id int
}

func (i *Instr) Ty() Type { return i.Typ }

// Block is a basic block of a row function.
type Block struct {
	Label  string
	Instrs []*Instr
	fn     *Func
}

// Func is an IR function: the row function or an always-inline helper such
// as the synthesized perfect hash.
type Func struct {
	Name         string
	RetTyp       Type
	Params       []*Arg
	Blocks       []*Block
	AlwaysInline bool

	numValues int
}

// NewBlock appends a fresh basic block.
func (f *Func) NewBlock(label string) *Block {
	b := &Block{Label: label, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Param returns the i-th parameter.
func (f *Func) Param(i int) *Arg {
	return f.Params[i]
}

// Module owns the functions and the declared extern signatures.
type Module struct {
	funcs   map[string]*Func
	order   []*Func
	externs map[string]Type
}

func NewModule() *Module {
	return &Module{
		funcs:   make(map[string]*Func),
		externs: make(map[string]Type),
	}
}

// NewFunc declares a function with named parameters.
func (m *Module) NewFunc(name string, ret Type, params ...*Arg) *Func {
	for i, p := range params {
		p.Index = i
	}
	f := &Func{Name: name, RetTyp: ret, Params: params}
	m.funcs[name] = f
	m.order = append(m.order, f)
	return f
}

// Func looks up a function by name.
func (m *Module) Func(name string) *Func {
	return m.funcs[name]
}

// Funcs returns the functions in declaration order.
func (m *Module) Funcs() []*Func {
	return m.order
}

// DeclareExtern records the return type of a runtime intrinsic so EmitCall
// sites get typed results.
func (m *Module) DeclareExtern(name string, ret Type) {
	m.externs[name] = ret
}

// ExternRet returns the declared return type of an intrinsic, I64 when it
// was never declared.
func (m *Module) ExternRet(name string) Type {
	if t, ok := m.externs[name]; ok {
		return t
	}
	return I64
}
