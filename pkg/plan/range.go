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

// RangeKind classifies the statically inferable range of an expression.
type RangeKind uint8

const (
	RangeInvalid RangeKind = iota
	RangeInteger
	RangeFloatingPoint
)

// ExpressionRange is the resolved value range of an expression over the
// scanned fragments.
type ExpressionRange struct {
	Kind     RangeKind
	IntMin   int64
	IntMax   int64
	FpMin    float64
	FpMax    float64
	Bucket   int64
	HasNulls bool
}

// GetExpressionRange resolves the range of expr against the fragment
// statistics. Anything it cannot see through yields RangeInvalid.
func GetExpressionRange(expr Expr, infos []TableInfo) ExpressionRange {
	switch e := expr.(type) {
	case *ColumnRef:
		return columnRange(e, infos)
	case *Constant:
		if e.Typ.IsInteger() || e.Typ.IsDictEncoded() {
			return ExpressionRange{Kind: RangeInteger, IntMin: e.Val, IntMax: e.Val}
		}
		if e.Typ.IsFP() {
			return ExpressionRange{Kind: RangeFloatingPoint, FpMin: e.Fval, FpMax: e.Fval}
		}
		return ExpressionRange{}
	case *CastExpr:
		return GetExpressionRange(e.Operand, infos)
	case *AggExpr:
		if e.Arg != nil {
			return GetExpressionRange(e.Arg, infos)
		}
		return ExpressionRange{}
	case *UnnestExpr:
		return GetExpressionRange(e.Arg, infos)
	}
	return ExpressionRange{}
}

func columnRange(col *ColumnRef, infos []TableInfo) ExpressionRange {
	if col.Table >= len(infos) {
		return ExpressionRange{}
	}
	info := infos[col.Table]
	if col.Col >= len(info.Columns) {
		return ExpressionRange{}
	}
	st := info.Columns[col.Col]
	if !st.HasStats {
		return ExpressionRange{}
	}
	typ := col.Typ
	if typ.IsArray() {
		typ = typ.ElemType()
	}
	switch {
	case typ.IsInteger() || typ.IsDictEncoded():
		return ExpressionRange{
			Kind:     RangeInteger,
			IntMin:   st.IntMin,
			IntMax:   st.IntMax,
			Bucket:   st.Bucket,
			HasNulls: st.HasNulls,
		}
	case typ.IsFP():
		return ExpressionRange{
			Kind:     RangeFloatingPoint,
			FpMin:    st.FpMin,
			FpMax:    st.FpMax,
			HasNulls: st.HasNulls,
		}
	}
	return ExpressionRange{}
}
