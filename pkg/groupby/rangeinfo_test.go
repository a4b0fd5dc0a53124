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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/plan"
)

func TestExprRangeInteger(t *testing.T) {
	xRef, xStats := intColRef(0, -5, 17, true)
	a := NewRangeAnalyzer([]plan.TableInfo{{Columns: []plan.ColumnStats{xStats}}}, false)
	r, err := a.ExprRange(xRef)
	require.NoError(t, err)
	require.Equal(t, GroupByOneColKnownRange, r.Kind)
	require.Equal(t, int64(-5), r.Min)
	require.Equal(t, int64(17), r.Max)
	require.True(t, r.HasNulls)
	require.Equal(t, int64(24), r.Cardinality())
}

func TestExprRangeFloatWatchdog(t *testing.T) {
	fRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.New(types.T_float64)}
	stats := plan.ColumnStats{HasStats: true, FpMin: 0, FpMax: 1}
	infos := []plan.TableInfo{{Columns: []plan.ColumnStats{stats}}}

	a := NewRangeAnalyzer(infos, true)
	_, err := a.ExprRange(fRef)
	require.Error(t, err)
	require.True(t, herr.IsWouldBeSlow(err))

	// watchdog off falls through to a guessed range
	a = NewRangeAnalyzer(infos, false)
	r, err := a.ExprRange(fRef)
	require.NoError(t, err)
	require.Equal(t, GroupByOneColGuessedRange, r.Kind)
	require.Equal(t, int64(255), r.Max)
}

func TestExprRangeUnknownGuesses(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	a := NewRangeAnalyzer([]plan.TableInfo{{Columns: []plan.ColumnStats{{}}}}, false)
	r, err := a.ExprRange(xRef)
	require.NoError(t, err)
	require.Equal(t, GroupByOneColGuessedRange, r.Kind)
	require.Equal(t, int64(255), r.Max)
}

func TestGroupByRangeMultiCol(t *testing.T) {
	k0, s0 := intColRef(0, 0, 2, false)
	k1, s1 := intColRef(1, 0, 3, true)
	infos := []plan.TableInfo{{Columns: []plan.ColumnStats{s0, s1}}}
	a := NewRangeAnalyzer(infos, false)

	r, err := a.GroupByRange([]plan.Expr{k0, k1})
	require.NoError(t, err)
	require.Equal(t, GroupByMultiColPerfectHash, r.Kind)
	require.Equal(t, int64(3*5), r.Max)
	require.True(t, r.HasNulls)
}

func TestGroupByRangeProductTooLarge(t *testing.T) {
	k0, s0 := intColRef(0, 0, 9999, false)
	k1, s1 := intColRef(1, 0, 9999, false)
	infos := []plan.TableInfo{{Columns: []plan.ColumnStats{s0, s1}}}
	a := NewRangeAnalyzer(infos, false)
	r, err := a.GroupByRange([]plan.Expr{k0, k1})
	require.NoError(t, err)
	require.Equal(t, GroupByMultiCol, r.Kind)
}

func TestGroupByRangeOverflowDegrades(t *testing.T) {
	k0, s0 := intColRef(0, math.MinInt64+1, math.MaxInt64-1, false)
	k1, s1 := intColRef(1, math.MinInt64+1, math.MaxInt64-1, false)
	infos := []plan.TableInfo{{Columns: []plan.ColumnStats{s0, s1}}}
	a := NewRangeAnalyzer(infos, false)
	r, err := a.GroupByRange([]plan.Expr{k0, k1})
	require.NoError(t, err)
	require.Equal(t, GroupByMultiCol, r.Kind)
}

func TestKeylessRules(t *testing.T) {
	infos := []plan.TableInfo{{Columns: []plan.ColumnStats{
		{HasStats: true, IntMin: 1, IntMax: 50},
		{HasStats: true, IntMin: -10, IntMax: -1},
	}}}
	posRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	negNullable := &plan.ColumnRef{Table: 0, Col: 1, Typ: types.New(types.T_int64)}

	{
		// AVG is always a marker, consuming two slots
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggAvg, Arg: posRef, Typ: types.NewNotNull(types.T_float64)},
		}, infos, 8)
		require.True(t, info.Keyless)
		require.Equal(t, int32(1), info.TargetIndex)
		require.Equal(t, int64(0), info.InitVal)
	}
	{
		// nullable SUM qualifies when the stats prove the data null free
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggSum, Arg: negNullable, Typ: negNullable.Typ},
		}, infos, 8)
		require.True(t, info.Keyless)
		require.Equal(t, int32(0), info.TargetIndex)
	}
	{
		// non-null SUM needs a strictly signed range
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggSum, Arg: posRef, Typ: posRef.Typ},
		}, infos, 8)
		require.True(t, info.Keyless)
		require.Equal(t, int64(0), info.InitVal)
	}
	{
		// MIN qualifies when a value below the neutral element exists
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggMin, Arg: posRef, Typ: posRef.Typ},
		}, infos, 8)
		require.True(t, info.Keyless)
	}
	{
		// nullable MIN starts at the null sentinel, which no value undercuts
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggMin, Arg: negNullable, Typ: negNullable.Typ},
		}, infos, 8)
		require.False(t, info.Keyless)
	}
	{
		// pure projection never goes keyless
		info := analyzeKeyless([]plan.Expr{posRef}, infos, 8)
		require.False(t, info.Keyless)
	}
	{
		// COUNT DISTINCT cannot mark presence
		info := analyzeKeyless([]plan.Expr{
			&plan.AggExpr{Kind: plan.AggCount, Arg: posRef, Distinct: true, Typ: types.NewNotNull(types.T_int64)},
		}, infos, 8)
		require.False(t, info.Keyless)
	}
}
