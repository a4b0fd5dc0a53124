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

	"github.com/heliosdb/helios/pkg/jit"
	"github.com/heliosdb/helios/pkg/rowset"
)

// DeclareRuntime records the return types of every runtime function the
// code generator may call, so plain EmitCall sites are typed.
func DeclareRuntime(mod *jit.Module) {
	mod.DeclareExtern("get_group_value_fast", jit.PtrI64)
	mod.DeclareExtern("get_group_value_fast_keyless", jit.PtrI64)
	mod.DeclareExtern("get_group_value_fast_keyless_semiprivate", jit.PtrI64)
	mod.DeclareExtern("get_columnar_group_bin_offset", jit.I64)
	mod.DeclareExtern("get_group_value_one_key", jit.PtrI64)
	mod.DeclareExtern("get_group_value", jit.PtrI64)
	mod.DeclareExtern("get_matching_group_value_perfect_hash", jit.PtrI64)
	mod.DeclareExtern("thread_warp_idx", jit.I32)
	mod.DeclareExtern("fixed_width_int_decode", jit.I64)
	mod.DeclareExtern("fixed_width_double_decode", jit.F64)
}

// RuntimeIntrinsics binds the host implementations of the runtime
// functions. Accumulator handles for COUNT DISTINCT resolve through the
// row-set memory owner.
func RuntimeIntrinsics(owner *rowset.MemoryOwner) map[string]jit.Intrinsic {
	in := make(map[string]jit.Intrinsic)

	in["thread_warp_idx"] = func(env *jit.Env, args []uint64) uint64 {
		return uint64(env.ThreadIdx % uint32(args[0]))
	}
	in["fixed_width_int_decode"] = func(env *jit.Env, args []uint64) uint64 {
		col, pos := args[0], args[1]
		return uint64(env.LoadI64(env.FragCols[col] + pos*8))
	}
	in["fixed_width_double_decode"] = func(env *jit.Env, args []uint64) uint64 {
		col, pos := args[0], args[1]
		return uint64(env.LoadI64(env.FragCols[col] + pos*8))
	}

	in["get_group_value_fast"] = func(env *jit.Env, args []uint64) uint64 {
		buf, key, minKey, bucket, rowSizeQuad := args[0], int64(args[1]), int64(args[2]), int64(args[3]), args[4]
		binOff := uint64(fastBin(key, minKey, bucket)) * rowSizeQuad * 8
		rowPtr := buf + binOff
		if env.LoadI64(rowPtr) == EmptyKey64 {
			env.StoreI64(rowPtr, key)
		}
		return rowPtr + 8
	}
	in["get_group_value_fast_keyless"] = func(env *jit.Env, args []uint64) uint64 {
		buf, key, minKey, bucket, rowSizeQuad := args[0], int64(args[1]), int64(args[2]), int64(args[3]), args[4]
		return buf + uint64(fastBin(key, minKey, bucket))*rowSizeQuad*8
	}
	in["get_group_value_fast_keyless_semiprivate"] = func(env *jit.Env, args []uint64) uint64 {
		buf, key, minKey, bucket, rowSizeQuad := args[0], int64(args[1]), int64(args[2]), int64(args[3]), args[4]
		warpIdx, warpSize := int64(int32(args[5])), int64(args[6])
		bin := fastBin(key, minKey, bucket)
		return buf + uint64(bin*warpSize+warpIdx)*rowSizeQuad*8
	}
	in["get_columnar_group_bin_offset"] = func(env *jit.Env, args []uint64) uint64 {
		buf, key, minKey, bucket := args[0], int64(args[1]), int64(args[2]), int64(args[3])
		bin := fastBin(key, minKey, bucket)
		keyPtr := buf + uint64(bin*8)
		if env.LoadI64(keyPtr) == EmptyKey64 {
			env.StoreI64(keyPtr, key)
		}
		return uint64(bin)
	}
	in["get_group_value"] = func(env *jit.Env, args []uint64) uint64 {
		return baselineGroupValue(env, args[0], args[1], args[2], args[3], args[4], args[5])
	}
	in["get_group_value_one_key"] = func(env *jit.Env, args []uint64) uint64 {
		buf, entryCount := args[0], args[1]
		smallBuf, smallEntryCount := args[2], int64(args[3])
		key, minKey := int64(args[4]), int64(args[5])
		rowSizeQuad, initVals := args[6], args[7]
		keyDiff := key - minKey
		if smallEntryCount > 0 && keyDiff >= 0 && keyDiff < smallEntryCount {
			return perfectHashGroupValue(env, smallBuf, uint64(keyDiff), []int64{key}, rowSizeQuad)
		}
		keyBuf := env.Scratch(8)
		env.StoreI64(keyBuf, key)
		return baselineGroupValue(env, buf, entryCount, keyBuf, 1, rowSizeQuad, initVals)
	}
	in["get_matching_group_value_perfect_hash"] = func(env *jit.Env, args []uint64) uint64 {
		buf, hash, keyPtr, keyCount, rowSizeQuad := args[0], args[1], args[2], args[3], args[4]
		keys := make([]int64, keyCount)
		for i := range keys {
			keys[i] = env.LoadI64(keyPtr + uint64(i)*8)
		}
		return perfectHashGroupValue(env, buf, hash, keys, rowSizeQuad)
	}

	registerAggIntrinsics(in, owner)
	return in
}

func fastBin(key, minKey, bucket int64) int64 {
	diff := key - minKey
	if bucket != 0 {
		diff /= bucket
	}
	return diff
}

// perfectHashGroupValue claims the directly addressed row, writing its keys
// on first touch, and returns the aggregate-slot pointer.
func perfectHashGroupValue(env *jit.Env, buf uint64, hash uint64, keys []int64, rowSizeQuad uint64) uint64 {
	rowPtr := buf + hash*rowSizeQuad*8
	if env.LoadI64(rowPtr) == EmptyKey64 {
		for i, k := range keys {
			env.StoreI64(rowPtr+uint64(i)*8, k)
		}
	}
	return rowPtr + uint64(len(keys))*8
}

// baselineGroupValue is the bounded open-addressing probe. A claimed row has
// its keys written and its aggregate region seeded from the init-value
// vector; exhaustion of the table yields the nil slot.
func baselineGroupValue(env *jit.Env, buf, entryCount, keyPtr, keyCount, rowSizeQuad, initVals uint64) uint64 {
	if entryCount == 0 {
		return 0
	}
	keys := make([]int64, keyCount)
	for i := range keys {
		keys[i] = env.LoadI64(keyPtr + uint64(i)*8)
	}
	h := keyHash(keys) % entryCount
	for probe := uint64(0); probe < entryCount; probe++ {
		idx := (h + probe) % entryCount
		rowPtr := buf + idx*rowSizeQuad*8
		cur := env.Mem.AtomicLoadI64(rowPtr)
		if cur == EmptyKey64 {
			if env.Mem.AtomicCASI64(rowPtr, EmptyKey64, keys[0]) {
				for i := 1; i < len(keys); i++ {
					env.StoreI64(rowPtr+uint64(i)*8, keys[i])
				}
				if initVals != 0 {
					aggBytes := (rowSizeQuad - keyCount) * 8
					copy(env.BytesAt(rowPtr+keyCount*8, int(aggBytes)),
						env.BytesAt(initVals, int(aggBytes)))
				}
				return rowPtr + keyCount*8
			}
			cur = env.Mem.AtomicLoadI64(rowPtr)
		}
		if cur == keys[0] {
			match := true
			for i := 1; i < len(keys); i++ {
				if env.LoadI64(rowPtr+uint64(i)*8) != keys[i] {
					match = false
					break
				}
			}
			if match {
				return rowPtr + keyCount*8
			}
		}
	}
	return 0
}

func keyHash(keys []int64) uint64 {
	h := uint64(14695981039346656037)
	for _, k := range keys {
		v := uint64(k)
		for i := 0; i < 8; i++ {
			h ^= (v >> (8 * i)) & 0xFF
			h *= 1099511628211
		}
	}
	return h
}

// slotKind drives the typed variants of one aggregate intrinsic family.
type slotKind struct {
	suffix string
	bytes  int
	isFP   bool
}

var slotKinds = []slotKind{
	{"", 8, false},
	{"_int32", 4, false},
	{"_double", 8, true},
	{"_float", 4, true},
}

func loadSlot(env *jit.Env, p uint64, k slotKind) int64 {
	if k.bytes == 4 {
		return int64(env.LoadI32(p))
	}
	return env.LoadI64(p)
}

func storeSlot(env *jit.Env, p uint64, k slotKind, v int64) {
	if k.bytes == 4 {
		env.StoreI32(p, int32(v))
	} else {
		env.StoreI64(p, v)
	}
}

func slotFloat(k slotKind, bits int64) float64 {
	if k.bytes == 4 {
		return float64(math.Float32frombits(uint32(bits)))
	}
	return math.Float64frombits(uint64(bits))
}

func floatSlot(k slotKind, v float64) int64 {
	if k.bytes == 4 {
		return int64(int32(math.Float32bits(float32(v))))
	}
	return int64(math.Float64bits(v))
}

// binOp merges one incoming value into the accumulator value.
type binOp func(k slotKind, acc, val int64) int64

func sumOp(k slotKind, acc, val int64) int64 {
	if k.isFP {
		return floatSlot(k, slotFloat(k, acc)+slotFloat(k, val))
	}
	return acc + val
}

func minOp(k slotKind, acc, val int64) int64 {
	if k.isFP {
		return floatSlot(k, math.Min(slotFloat(k, acc), slotFloat(k, val)))
	}
	if val < acc {
		return val
	}
	return acc
}

func maxOp(k slotKind, acc, val int64) int64 {
	if k.isFP {
		return floatSlot(k, math.Max(slotFloat(k, acc), slotFloat(k, val)))
	}
	if val > acc {
		return val
	}
	return acc
}

// registerAggIntrinsics assembles the full aggregate name matrix:
// base × width/type suffix × _skip_val × _shared.
func registerAggIntrinsics(in map[string]jit.Intrinsic, owner *rowset.MemoryOwner) {
	type family struct {
		base string
		op   binOp
	}
	families := []family{
		{"agg_sum", sumOp},
		{"agg_min", minOp},
		{"agg_max", maxOp},
	}

	for _, k := range slotKinds {
		kind := k
		// identity: projection slots are plain stores
		in["agg_id"+kind.suffix] = func(env *jit.Env, args []uint64) uint64 {
			storeSlot(env, args[0], kind, int64(args[1]))
			return 0
		}
		in["agg_id"+kind.suffix+"_shared"] = in["agg_id"+kind.suffix]

		if !kind.isFP {
			in["agg_count"+kind.suffix] = func(env *jit.Env, args []uint64) uint64 {
				storeSlot(env, args[0], kind, loadSlot(env, args[0], kind)+1)
				return 0
			}
			in["agg_count"+kind.suffix+"_skip_val"] = func(env *jit.Env, args []uint64) uint64 {
				if int64(args[1]) == int64(args[2]) {
					return 0
				}
				storeSlot(env, args[0], kind, loadSlot(env, args[0], kind)+1)
				return 0
			}
			in["agg_count"+kind.suffix+"_shared"] = func(env *jit.Env, args []uint64) uint64 {
				atomicAddSlot(env, args[0], kind, 1)
				return 0
			}
			in["agg_count"+kind.suffix+"_skip_val_shared"] = func(env *jit.Env, args []uint64) uint64 {
				if int64(args[1]) == int64(args[2]) {
					return 0
				}
				atomicAddSlot(env, args[0], kind, 1)
				return 0
			}
		}

		for _, f := range families {
			fam := f
			name := fam.base + kind.suffix
			in[name] = func(env *jit.Env, args []uint64) uint64 {
				p, val := args[0], int64(args[1])
				storeSlot(env, p, kind, fam.op(kind, loadSlot(env, p, kind), val))
				return 0
			}
			in[name+"_skip_val"] = func(env *jit.Env, args []uint64) uint64 {
				p, val, skip := args[0], int64(args[1]), int64(args[2])
				if val == skip {
					return 0
				}
				acc := loadSlot(env, p, kind)
				if acc == skip {
					storeSlot(env, p, kind, val)
				} else {
					storeSlot(env, p, kind, fam.op(kind, acc, val))
				}
				return 0
			}
			in[name+"_shared"] = func(env *jit.Env, args []uint64) uint64 {
				p, val := args[0], int64(args[1])
				casSlotUpdate(env, p, kind, func(acc int64) int64 {
					return fam.op(kind, acc, val)
				})
				return 0
			}
			in[name+"_skip_val_shared"] = func(env *jit.Env, args []uint64) uint64 {
				p, val, skip := args[0], int64(args[1]), int64(args[2])
				if val == skip {
					return 0
				}
				casSlotUpdate(env, p, kind, func(acc int64) int64 {
					if acc == skip {
						return val
					}
					return fam.op(kind, acc, val)
				})
				return 0
			}
		}
	}

	registerCountDistinct(in, owner)
}

func atomicAddSlot(env *jit.Env, p uint64, k slotKind, v int64) {
	if k.bytes == 4 {
		env.Mem.AtomicAddI32(p, int32(v))
	} else {
		env.Mem.AtomicAddI64(p, v)
	}
}

func casSlotUpdate(env *jit.Env, p uint64, k slotKind, update func(int64) int64) {
	if k.bytes == 4 {
		for {
			old := env.Mem.AtomicLoadI32(p)
			if env.Mem.AtomicCASI32(p, old, int32(update(int64(old)))) {
				return
			}
		}
	}
	for {
		old := env.Mem.AtomicLoadI64(p)
		if env.Mem.AtomicCASI64(p, old, update(old)) {
			return
		}
	}
}

// registerCountDistinct wires the distinct routing: dense bitmap pages
// versus the sparse spill set, resolved through accumulator handles.
func registerCountDistinct(in map[string]jit.Intrinsic, owner *rowset.MemoryOwner) {
	addSet := func(env *jit.Env, slotPtr uint64, val int64) {
		h := env.LoadI64(slotPtr)
		owner.AddToDistinctSet(h, uint64(val))
	}
	addBitmap := func(env *jit.Env, slotPtr uint64, val, minVal int64) {
		h := env.LoadI64(slotPtr)
		owner.CountDistinctBitmap(h).AddAtomic(uint64(val - minVal))
	}

	in["agg_count_distinct"] = func(env *jit.Env, args []uint64) uint64 {
		addSet(env, args[0], int64(args[1]))
		return 0
	}
	in["agg_count_distinct_skip_val"] = func(env *jit.Env, args []uint64) uint64 {
		if int64(args[1]) == int64(args[2]) {
			return 0
		}
		addSet(env, args[0], int64(args[1]))
		return 0
	}
	in["agg_count_distinct_bitmap"] = func(env *jit.Env, args []uint64) uint64 {
		addBitmap(env, args[0], int64(args[1]), int64(args[2]))
		return 0
	}
	in["agg_count_distinct_bitmap_skip_val"] = func(env *jit.Env, args []uint64) uint64 {
		if int64(args[1]) == int64(args[3]) {
			return 0
		}
		addBitmap(env, args[0], int64(args[1]), int64(args[2]))
		return 0
	}

	// array element walks: the value is a pointer to a length-prefixed
	// element block
	for _, elem := range []string{"int8", "int16", "int32", "int64", "float", "double"} {
		in["agg_count_distinct_array_"+elem] = func(env *jit.Env, args []uint64) uint64 {
			slotPtr, arrPtr, null := args[0], args[1], int64(args[3])
			if arrPtr == 0 {
				return 0
			}
			n := env.LoadI64(arrPtr)
			for i := int64(0); i < n; i++ {
				v := env.LoadI64(arrPtr + 8 + uint64(i)*8)
				if v == null {
					continue
				}
				addSet(env, slotPtr, v)
			}
			return 0
		}
	}
}
