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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/jit"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

func newCPUExecContext(t *testing.T, qmd *QueryMemoryDescriptor, targets []plan.Expr) (*ExecutionContext, *rowset.MemoryOwner) {
	t.Helper()
	owner := rowset.NewMemoryOwner()
	mgr, err := device.NewDataMgr(jit.NewMem(), 2)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	initVals := InitAggVals(targets, qmd.AggColWidths)
	ctx, err := NewExecutionContext(config.Default(), qmd, initVals, targets,
		device.CPU, 0, nil, owner, mgr, qmd.OutputColumnar, false, nil)
	require.NoError(t, err)
	return ctx, owner
}

func TestInitGroupsWritesSentinelsAndInitVals(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	targets := []plan.Expr{
		&plan.AggExpr{Kind: plan.AggMin, Arg: xRef, Typ: xRef.Typ},
		&plan.AggExpr{Kind: plan.AggCount, Arg: xRef, Typ: types.NewNotNull(types.T_int64)},
	}
	qmd := testQMD([]ColWidth{{8, 8}, {8, 8}}, 3, false, false)
	ctx, _ := newCPUExecContext(t, qmd, targets)

	bufs := ctx.GroupByBuffers()
	require.Len(t, bufs, 1)
	buf := bufs[0]
	rowSize := qmd.GetRowSize()
	for bin := uint64(0); bin < 3; bin++ {
		require.Equal(t, EmptyKey64, readSlot(buf, bin*rowSize, 8))
		require.Equal(t, ctx.InitAggVals()[0], readSlot(buf, bin*rowSize+8, 8))
		require.Equal(t, int64(0), readSlot(buf, bin*rowSize+16, 8))
	}
}

// the overflow buffer is keyed: its key column carries the empty-key
// sentinel explicitly.
func TestSmallBufferKeysAreSentinels(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	targets := []plan.Expr{
		&plan.AggExpr{Kind: plan.AggCount, Arg: xRef, Typ: types.NewNotNull(types.T_int64)},
	}
	qmd := testQMD([]ColWidth{{8, 8}}, 8, false, false)
	qmd.HashKind = GroupByOneColGuessedRange
	qmd.EntryCountSmall = 4
	ctx, _ := newCPUExecContext(t, qmd, targets)

	smalls := ctx.SmallBuffers()
	require.Len(t, smalls, 1)
	small := smalls[0]
	require.Equal(t, int(qmd.GetSmallBufferSizeBytes()), len(small))
	rowSize := qmd.GetRowSize()
	for bin := uint64(0); bin < 4; bin++ {
		require.Equal(t, EmptyKey64, readSlot(small, bin*rowSize, 8))
	}
}

func TestColumnarTemplateLayout(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	targets := []plan.Expr{
		&plan.AggExpr{Kind: plan.AggSum, Arg: xRef, Typ: xRef.Typ},
	}
	qmd := testQMD([]ColWidth{{8, 8}}, 4, false, true)
	ctx, _ := newCPUExecContext(t, qmd, targets)

	buf := ctx.GroupByBuffers()[0]
	// leading key array, then the sum column
	for bin := uint64(0); bin < 4; bin++ {
		require.Equal(t, EmptyKey64, readSlot(buf, bin*8, 8))
		require.Equal(t, int64(0), readSlot(buf, 4*8+bin*8, 8))
	}
}

// grouped distinct slots are seeded with accumulator handles owned by the
// row-set memory owner.
func TestDistinctSlotsSeededWithHandles(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	targets := []plan.Expr{
		&plan.AggExpr{Kind: plan.AggCount, Arg: xRef, Distinct: true, Typ: types.NewNotNull(types.T_int64)},
	}
	qmd := testQMD([]ColWidth{{8, 8}}, 2, false, false)
	qmd.CountDistinctDescs = rowset.CountDistinctDescriptors{
		0: {Impl: rowset.CountDistinctBitmap, MinVal: 0, BitmapBits: 64},
	}
	ctx, owner := newCPUExecContext(t, qmd, targets)

	buf := ctx.GroupByBuffers()[0]
	rowSize := qmd.GetRowSize()
	seen := map[int64]bool{}
	for bin := uint64(0); bin < 2; bin++ {
		h := readSlot(buf, bin*rowSize+8, 8)
		require.True(t, rowset.IsBitmapHandle(h))
		require.False(t, seen[h], "each bin owns its own page")
		seen[h] = true
		require.NotNil(t, owner.CountDistinctBitmap(h))
		require.True(t, owner.CountDistinctBitmap(h).IsEmpty())
	}
}

// render executions and plain scans only allocate distinct substructures.
func TestEagerDistinctAllocationForScan(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	targets := []plan.Expr{
		&plan.AggExpr{Kind: plan.AggCount, Arg: xRef, Distinct: true, Typ: types.NewNotNull(types.T_int64)},
	}
	cfg := config.Default()
	cfg.CPUOnly = true
	qmd := &QueryMemoryDescriptor{
		cfg:          cfg,
		HashKind:     GroupByScan,
		AggColWidths: []ColWidth{{8, 8}},
		Sharing:      SharingPrivate,
		CountDistinctDescs: rowset.CountDistinctDescriptors{
			0: {Impl: rowset.CountDistinctStdSet},
		},
	}
	ctx, owner := newCPUExecContext(t, qmd, targets)
	require.Empty(t, ctx.GroupByBuffers())
	h := ctx.InitAggVals()[0]
	require.False(t, rowset.IsBitmapHandle(h))
	require.NotNil(t, owner.CountDistinctSet(h))
}
