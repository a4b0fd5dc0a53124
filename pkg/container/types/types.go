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

package types

import (
	"fmt"
	"math"
)

// T is the type kind of a column or expression value.
type T uint8

const (
	T_any T = iota
	T_bool
	T_int8
	T_int16
	T_int32
	T_int64
	T_float32
	T_float64
	T_varchar
	T_array
)

// Encoding describes the physical encoding of a string column.
type Encoding uint8

const (
	EncNone Encoding = iota
	EncDict
)

// Type is the full type of an expression: kind, encoding and nullability.
// Array types carry the element type.
type Type struct {
	Oid     T
	Enc     Encoding
	NotNull bool
	Elem    *Type
}

func New(oid T) Type {
	return Type{Oid: oid}
}

func NewNotNull(oid T) Type {
	return Type{Oid: oid, NotNull: true}
}

func NewDictString(notNull bool) Type {
	return Type{Oid: T_varchar, Enc: EncDict, NotNull: notNull}
}

func NewArray(elem Type) Type {
	return Type{Oid: T_array, Elem: &elem}
}

func (t Type) IsString() bool {
	return t.Oid == T_varchar
}

func (t Type) IsDictEncoded() bool {
	return t.Oid == T_varchar && t.Enc == EncDict
}

func (t Type) IsFP() bool {
	return t.Oid == T_float32 || t.Oid == T_float64
}

func (t Type) IsInteger() bool {
	switch t.Oid {
	case T_bool, T_int8, T_int16, T_int32, T_int64:
		return true
	}
	return false
}

func (t Type) IsArray() bool {
	return t.Oid == T_array
}

func (t Type) ElemType() Type {
	if t.Elem == nil {
		return Type{}
	}
	return *t.Elem
}

// TypeSize returns the logical byte width of a value of this type.
// Dictionary-encoded strings are their 4-byte encoded id; none-encoded
// strings and arrays are a (pointer, length) pair and take two 8-byte slots,
// reported as 8 here with the expansion handled by the slot-width computation.
func (t Type) TypeSize() int {
	switch t.Oid {
	case T_bool, T_int8:
		return 1
	case T_int16:
		return 2
	case T_int32:
		return 4
	case T_int64:
		return 8
	case T_float32:
		return 4
	case T_float64:
		return 8
	case T_varchar:
		if t.Enc == EncDict {
			return 4
		}
		return 8
	case T_array:
		return 8
	}
	return 8
}

func (t Type) String() string {
	switch t.Oid {
	case T_bool:
		return "bool"
	case T_int8:
		return "int8"
	case T_int16:
		return "int16"
	case T_int32:
		return "int32"
	case T_int64:
		return "int64"
	case T_float32:
		return "float32"
	case T_float64:
		return "float64"
	case T_varchar:
		if t.Enc == EncDict {
			return "varchar(dict)"
		}
		return "varchar"
	case T_array:
		return fmt.Sprintf("array<%s>", t.ElemType())
	}
	return "any"
}

// Inline null sentinels. Nulls travel through kernels as in-band sentinel
// values of the column type; the sentinel of an integer type is the minimum
// value of that type, floating point nulls are the negative extreme.
const (
	NullFloat  = -math.MaxFloat32
	NullDouble = -math.MaxFloat64
)

// NullValue returns the integer bit pattern of the null sentinel for t.
// Floating point sentinels are returned as their raw IEEE-754 bits.
func NullValue(t Type) int64 {
	switch t.Oid {
	case T_bool, T_int8:
		return math.MinInt8
	case T_int16:
		return math.MinInt16
	case T_int32:
		return math.MinInt32
	case T_int64:
		return math.MinInt64
	case T_float32:
		return int64(int32(math.Float32bits(NullFloat)))
	case T_float64:
		return int64(math.Float64bits(NullDouble))
	case T_varchar:
		// encoded dictionary id
		return math.MinInt32
	}
	return math.MinInt64
}

// NullValueForWidth returns the null sentinel narrowed to the given compact
// byte width.
func NullValueForWidth(t Type, byteWidth int) int64 {
	if t.IsFP() {
		if byteWidth == 4 {
			return int64(int32(math.Float32bits(NullFloat)))
		}
		return int64(math.Float64bits(NullDouble))
	}
	switch byteWidth {
	case 1:
		return math.MinInt8
	case 2:
		return math.MinInt16
	case 4:
		return math.MinInt32
	}
	return NullValue(t)
}

// MaxValueForWidth and MinValueForWidth are the extreme representable values
// of an integer slot of the given compact width.
func MaxValueForWidth(byteWidth int) int64 {
	switch byteWidth {
	case 1:
		return math.MaxInt8
	case 2:
		return math.MaxInt16
	case 4:
		return math.MaxInt32
	}
	return math.MaxInt64
}

func MinValueForWidth(byteWidth int) int64 {
	switch byteWidth {
	case 1:
		return math.MinInt8
	case 2:
		return math.MinInt16
	case 4:
		return math.MinInt32
	}
	return math.MinInt64
}
