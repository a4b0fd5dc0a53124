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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/pkg/container/types"
)

func TestGetExpressionRange(t *testing.T) {
	infos := []TableInfo{{
		Columns: []ColumnStats{
			{HasStats: true, IntMin: 3, IntMax: 9, HasNulls: true},
			{HasStats: true, FpMin: -1.5, FpMax: 2.5},
			{},
		},
	}}
	intRef := &ColumnRef{Table: 0, Col: 0, Typ: types.New(types.T_int64)}
	fpRef := &ColumnRef{Table: 0, Col: 1, Typ: types.New(types.T_float64)}
	noStats := &ColumnRef{Table: 0, Col: 2, Typ: types.New(types.T_int64)}

	r := GetExpressionRange(intRef, infos)
	require.Equal(t, RangeInteger, r.Kind)
	require.Equal(t, int64(3), r.IntMin)
	require.True(t, r.HasNulls)

	r = GetExpressionRange(fpRef, infos)
	require.Equal(t, RangeFloatingPoint, r.Kind)
	require.Equal(t, 2.5, r.FpMax)

	require.Equal(t, RangeInvalid, GetExpressionRange(noStats, infos).Kind)

	// constants and casts see through to their operand
	require.Equal(t, RangeInteger, GetExpressionRange(&Constant{Typ: types.NewNotNull(types.T_int64), Val: 5}, infos).Kind)
	require.Equal(t, RangeInteger, GetExpressionRange(&CastExpr{Operand: intRef, Typ: intRef.Typ}, infos).Kind)
	require.Equal(t, RangeInteger, GetExpressionRange(&AggExpr{Kind: AggSum, Arg: intRef, Typ: intRef.Typ}, infos).Kind)
}

func TestGetTargetInfo(t *testing.T) {
	nullable := &ColumnRef{Table: 0, Col: 0, Typ: types.New(types.T_int64)}
	info := GetTargetInfo(&AggExpr{Kind: AggSum, Arg: nullable, Typ: nullable.Typ})
	require.True(t, info.IsAgg)
	require.True(t, info.SkipNullVal)

	info = GetTargetInfo(&AggExpr{Kind: AggCount, Typ: types.NewNotNull(types.T_int64)})
	require.True(t, info.IsAgg)
	require.False(t, info.SkipNullVal)

	info = GetTargetInfo(nullable)
	require.False(t, info.IsAgg)
}

func TestConstrainedNotNull(t *testing.T) {
	col := &ColumnRef{Table: 0, Col: 3, Typ: types.New(types.T_int64)}
	other := &ColumnRef{Table: 0, Col: 4, Typ: types.New(types.T_int64)}
	quals := []Expr{&NotNullQual{Arg: col}}
	require.True(t, ConstrainedNotNull(col, quals))
	require.False(t, ConstrainedNotNull(other, quals))
	require.False(t, ConstrainedNotNull(col, nil))
}
