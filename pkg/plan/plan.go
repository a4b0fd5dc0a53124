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

package plan

import (
	"fmt"

	"github.com/heliosdb/helios/pkg/container/types"
)

// AggKind enumerates the aggregate operators understood by the core.
type AggKind uint8

const (
	AggNone AggKind = iota
	AggCount
	AggSum
	AggMin
	AggMax
	AggAvg
)

var aggNames = [...]string{"", "count", "sum", "min", "max", "avg"}

func (k AggKind) String() string {
	if int(k) < len(aggNames) {
		return aggNames[k]
	}
	return fmt.Sprintf("agg(%d)", uint8(k))
}

// Expr is a node of the relational-algebra expression tree handed to the
// core by the planner. The core only dispatches on the closed set below.
type Expr interface {
	Type() types.Type
}

// ColumnRef names a physical input column of a scanned table.
type ColumnRef struct {
	Table int
	Col   int
	Typ   types.Type

	// LazyFetch marks columns the code generator materialises from raw
	// chunk bytes instead of decoded values; their slots are always 8 bytes.
	LazyFetch bool
}

func (e *ColumnRef) Type() types.Type { return e.Typ }

// Constant is a literal. String literals used as grouping constants are
// registered with the transient dictionary before kernel launch.
type Constant struct {
	Typ    types.Type
	Val    int64
	Fval   float64
	StrVal *string
}

func (e *Constant) Type() types.Type { return e.Typ }

// AggExpr is an aggregate target. Arg is nil for COUNT(*).
type AggExpr struct {
	Kind     AggKind
	Arg      Expr
	Distinct bool
	Typ      types.Type
}

func (e *AggExpr) Type() types.Type { return e.Typ }

// CastExpr models CAST(operand AS type). Grouping casts of string literals
// trigger transient dictionary registration.
type CastExpr struct {
	Operand Expr
	Typ     types.Type
}

func (e *CastExpr) Type() types.Type { return e.Typ }

// CaseExpr is only modelled deep enough to expose its value domain to the
// transient-literal resolution pass.
type CaseExpr struct {
	Domain []Expr
	Typ    types.Type
}

func (e *CaseExpr) Type() types.Type { return e.Typ }

// UnnestExpr flattens an array-typed operand. It forces 8-byte slots and is
// rejected in projections.
type UnnestExpr struct {
	Arg Expr
	Typ types.Type
}

func (e *UnnestExpr) Type() types.Type { return e.Typ }

// OrderEntry refers to a target expression by its 1-based position.
type OrderEntry struct {
	TargetNo   int
	Desc       bool
	NullsFirst bool
}

// RelAlgExecutionUnit is the execution-unit input produced by the planner.
type RelAlgExecutionUnit struct {
	GroupByExprs  []Expr
	TargetExprs   []Expr
	Quals         []Expr
	OrderEntries  []OrderEntry
	ScanLimit     int64
	JoinHashTable int64
}

// ColumnStats carries the per-column statistics the range analyzer consumes.
type ColumnStats struct {
	HasStats bool
	IntMin   int64
	IntMax   int64
	FpMin    float64
	FpMax    float64
	Bucket   int64
	HasNulls bool
}

// TableInfo is the per-fragment statistics view of one scanned table.
type TableInfo struct {
	NumTuples uint64
	Columns   []ColumnStats
}

// TargetInfo is the flattened description of one target expression.
type TargetInfo struct {
	IsAgg       bool
	Kind        AggKind
	IsDistinct  bool
	SkipNullVal bool
	Typ         types.Type
	ArgTyp      types.Type
}

// GetTargetInfo flattens a target expression. SkipNullVal is set for
// aggregates over nullable arguments; the codegen clears it again when the
// filter qualifiers prove the argument non-null.
func GetTargetInfo(e Expr) TargetInfo {
	agg, ok := e.(*AggExpr)
	if !ok {
		return TargetInfo{Typ: e.Type()}
	}
	info := TargetInfo{
		IsAgg:      true,
		Kind:       agg.Kind,
		IsDistinct: agg.Distinct,
		Typ:        agg.Typ,
	}
	if agg.Arg != nil {
		info.ArgTyp = agg.Arg.Type()
		info.SkipNullVal = !info.ArgTyp.NotNull
	}
	return info
}

// AggArg returns the argument of an aggregate target, nil for anything else.
func AggArg(e Expr) Expr {
	if agg, ok := e.(*AggExpr); ok {
		return agg.Arg
	}
	return nil
}

// ConstrainedNotNull reports whether the qualifiers prove expr non-null.
// The only shape recognised is a direct IS NOT NULL qual on the same column.
func ConstrainedNotNull(expr Expr, quals []Expr) bool {
	col, ok := expr.(*ColumnRef)
	if !ok {
		return false
	}
	for _, q := range quals {
		nn, ok := q.(*NotNullQual)
		if !ok {
			continue
		}
		if qc, ok := nn.Arg.(*ColumnRef); ok && qc.Table == col.Table && qc.Col == col.Col {
			return true
		}
	}
	return false
}

// NotNullQual is the IS NOT NULL filter shape.
type NotNullQual struct {
	Arg Expr
}

func (e *NotNullQual) Type() types.Type { return types.NewNotNull(types.T_bool) }

// CmpOp enumerates the comparison qualifiers the kernel filter supports.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpGt
)

// CmpQual is a binary comparison filter over integer-typed operands.
type CmpQual struct {
	Op    CmpOp
	Left  Expr
	Right Expr
}

func (e *CmpQual) Type() types.Type { return types.NewNotNull(types.T_bool) }
