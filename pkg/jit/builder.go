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

// Builder appends instructions to a current insertion block, mirroring the
// narrow surface the aggregate code generator needs.
type Builder struct {
	mod *Module
	cur *Block
}

func NewBuilder(mod *Module) *Builder {
	return &Builder{mod: mod}
}

func (b *Builder) Module() *Module {
	return b.mod
}

// SetInsertPoint makes blk the current block.
func (b *Builder) SetInsertPoint(blk *Block) {
	b.cur = blk
}

// InsertBlock returns the current block.
func (b *Builder) InsertBlock() *Block {
	return b.cur
}

func (b *Builder) append(in *Instr) *Instr {
	fn := b.cur.fn
	in.id = fn.numValues
	fn.numValues++
	b.cur.Instrs = append(b.cur.Instrs, in)
	return in
}

// EmitCall calls a runtime intrinsic by name; the result type comes from the
// declared extern signature.
func (b *Builder) EmitCall(name string, args []Value) *Instr {
	return b.append(&Instr{Op: OpCall, Typ: b.mod.ExternRet(name), Callee: name, Args: args})
}

// EmitExternalCall declares the intrinsic's return type in place and calls it.
func (b *Builder) EmitExternalCall(name string, ret Type, args []Value) *Instr {
	b.mod.DeclareExtern(name, ret)
	return b.append(&Instr{Op: OpCall, Typ: ret, Callee: name, Args: args})
}

// CreateCall calls another module function (e.g. the perfect hash helper).
func (b *Builder) CreateCall(fn *Func, args []Value) *Instr {
	return b.append(&Instr{Op: OpCall, Typ: fn.RetTyp, Callee: fn.Name, Args: args})
}

func (b *Builder) CreateBr(dst *Block) *Instr {
	return b.append(&Instr{Op: OpBr, Typ: Void, True: dst})
}

func (b *Builder) CreateCondBr(cond Value, t, f *Block) *Instr {
	return b.append(&Instr{Op: OpCondBr, Typ: Void, Args: []Value{cond}, True: t, False: f})
}

func (b *Builder) CreateRet(v Value) *Instr {
	return b.append(&Instr{Op: OpRet, Typ: Void, Args: []Value{v}})
}

func (b *Builder) CreateRetVoid() *Instr {
	return b.append(&Instr{Op: OpRet, Typ: Void})
}

func (b *Builder) CreateSelect(cond, a, c Value) *Instr {
	return b.append(&Instr{Op: OpSelect, Typ: a.Ty(), Args: []Value{cond, a, c}})
}

func (b *Builder) CreateICmpEQ(x, y Value) *Instr {
	return b.append(&Instr{Op: OpICmpEQ, Typ: I1, Args: []Value{x, y}})
}

func (b *Builder) CreateICmpNE(x, y Value) *Instr {
	return b.append(&Instr{Op: OpICmpNE, Typ: I1, Args: []Value{x, y}})
}

func (b *Builder) CreateICmpSLT(x, y Value) *Instr {
	return b.append(&Instr{Op: OpICmpSLT, Typ: I1, Args: []Value{x, y}})
}

func (b *Builder) CreateFCmpOEQ(x, y Value) *Instr {
	return b.append(&Instr{Op: OpFCmpOEQ, Typ: I1, Args: []Value{x, y}})
}

func (b *Builder) CreateAdd(x, y Value) *Instr {
	return b.append(&Instr{Op: OpAdd, Typ: x.Ty(), Args: []Value{x, y}})
}

func (b *Builder) CreateSub(x, y Value) *Instr {
	return b.append(&Instr{Op: OpSub, Typ: x.Ty(), Args: []Value{x, y}})
}

func (b *Builder) CreateMul(x, y Value) *Instr {
	return b.append(&Instr{Op: OpMul, Typ: x.Ty(), Args: []Value{x, y}})
}

func (b *Builder) CreateSDiv(x, y Value) *Instr {
	return b.append(&Instr{Op: OpSDiv, Typ: x.Ty(), Args: []Value{x, y}})
}

func (b *Builder) CreateNeg(x Value) *Instr {
	return b.append(&Instr{Op: OpNeg, Typ: x.Ty(), Args: []Value{x}})
}

func (b *Builder) CreateTrunc(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpTrunc, Typ: to, Args: []Value{x}})
}

func (b *Builder) CreateSExt(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpSExt, Typ: to, Args: []Value{x}})
}

func (b *Builder) CreateSIToFP(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpSIToFP, Typ: to, Args: []Value{x}})
}

func (b *Builder) CreateFPTrunc(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpFPTrunc, Typ: to, Args: []Value{x}})
}

func (b *Builder) CreateFPExt(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpFPExt, Typ: to, Args: []Value{x}})
}

func (b *Builder) CreateBitCast(x Value, to Type) *Instr {
	return b.append(&Instr{Op: OpBitCast, Typ: to, Args: []Value{x}})
}

// CreateAlloca reserves count elements of elem type in lane-local memory and
// yields a pointer to the first.
func (b *Builder) CreateAlloca(elem Type, count Value) *Instr {
	return b.append(&Instr{Op: OpAlloca, Typ: PtrTo(elem), Args: []Value{count}})
}

func (b *Builder) CreateGEP(ptr, idx Value) *Instr {
	return b.append(&Instr{Op: OpGEP, Typ: ptr.Ty(), Args: []Value{ptr, idx}})
}

func (b *Builder) CreateLoad(ptr Value) *Instr {
	return b.append(&Instr{Op: OpLoad, Typ: ptr.Ty().Elem(), Args: []Value{ptr}})
}

func (b *Builder) CreateStore(v, ptr Value) *Instr {
	return b.append(&Instr{Op: OpStore, Typ: Void, Args: []Value{v, ptr}})
}

// CreateAtomicAdd is a monotonic atomic read-modify-write add on the pointee.
func (b *Builder) CreateAtomicAdd(ptr, v Value) *Instr {
	return b.append(&Instr{Op: OpAtomicAdd, Typ: ptr.Ty().Elem(), Args: []Value{ptr, v}})
}
