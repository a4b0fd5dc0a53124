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

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/config"
	"github.com/heliosdb/helios/pkg/container/types"
	"github.com/heliosdb/helios/pkg/device"
	"github.com/heliosdb/helios/pkg/dict"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

func buildQMD(t *testing.T, cfg config.Config, ra *plan.RelAlgExecutionUnit, infos []plan.TableInfo) (*QueryMemoryDescriptor, error) {
	t.Helper()
	b, err := NewBuilder(cfg, device.CPU, ra, false, infos, rowset.NewMemoryOwner(),
		dict.NewStringDictionary(nil), true, false)
	if err != nil {
		return nil, err
	}
	return b.Descriptor(), nil
}

func TestBuilderScanPlan(t *testing.T) {
	cfg := config.Default()
	cfg.CPUOnly = true
	xRef, xStats := intColRef(0, 0, 100, false)
	ra := &plan.RelAlgExecutionUnit{
		TargetExprs: []plan.Expr{&plan.AggExpr{Kind: plan.AggSum, Arg: xRef, Typ: xRef.Typ}},
	}
	qmd, err := buildQMD(t, cfg, ra, []plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{xStats}}})
	require.NoError(t, err)
	require.Equal(t, GroupByScan, qmd.HashKind)
	require.Equal(t, uint64(0), qmd.EntryCount)
	require.Equal(t, SharingPrivate, qmd.Sharing)
}

func TestBuilderDirectAddressed(t *testing.T) {
	cfg := config.Default()
	cfg.CPUOnly = true
	xRef, xStats := intColRef(0, 100, 110, false)
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{xRef},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	qmd, err := buildQMD(t, cfg, ra, []plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{xStats}}})
	require.NoError(t, err)
	require.Equal(t, GroupByOneColKnownRange, qmd.HashKind)
	require.Equal(t, uint64(11), qmd.EntryCount)
	require.Equal(t, uint64(0), qmd.EntryCountSmall)
	require.True(t, qmd.Keyless)
	// interleaving is an accelerator-only layout
	require.False(t, qmd.InterleavedBinsOnDevice)

	// keyless coherence: one grouping column, no overflow buffer
	require.Equal(t, 1, len(qmd.GroupColWidths))
	require.Equal(t, uint64(0), qmd.GetSmallBufferSizeBytes())
	require.False(t, qmd.RenderOutput)
}

func TestBuilderInterleavedImpliesKeyless(t *testing.T) {
	cfg := config.Default()
	xRef, xStats := intColRef(0, 0, 5, false)
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{xRef},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	b, err := NewBuilder(cfg, device.Accelerator, ra, false,
		[]plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{xStats}}},
		rowset.NewMemoryOwner(), dict.NewStringDictionary(nil), true, false)
	require.NoError(t, err)
	qmd := b.Descriptor()
	if qmd.InterleavedBinsOnDevice {
		require.True(t, qmd.Keyless)
	}
	require.True(t, qmd.InterleavedBinsOnDevice)
}

func TestBuilderBaselineWideDomain(t *testing.T) {
	cfg := config.Default()
	cfg.CPUOnly = true
	cfg.MaxGroupsBufferEntryCount = 1024
	cfg.SmallGroupsBufferEntryCount = 64
	xRef, xStats := intColRef(0, 0, 1_000_000, false)
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{xRef},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	qmd, err := buildQMD(t, cfg, ra, []plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{xStats}}})
	require.NoError(t, err)
	require.Equal(t, uint64(1024), qmd.EntryCount)
	require.Equal(t, uint64(64), qmd.EntryCountSmall)
	require.False(t, qmd.Keyless)
	require.False(t, qmd.UsesGetGroupValueFast())

	// a scan limit below the configured slot count bounds the overflow table
	ra.ScanLimit = 10
	qmd, err = buildQMD(t, cfg, ra, []plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{xStats}}})
	require.NoError(t, err)
	require.Equal(t, uint64(10), qmd.EntryCountSmall)
}

func TestBuilderWatchdogRejects(t *testing.T) {
	cfg := config.Default()
	cfg.EnableWatchdog = true
	// multi-column grouping over unknown ranges degrades to MultiCol,
	// which the watchdog rejects without a scan limit
	a := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int64)}
	b := &plan.ColumnRef{Table: 0, Col: 1, Typ: types.NewNotNull(types.T_int64)}
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{a, b},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	infos := []plan.TableInfo{{NumTuples: 1, Columns: []plan.ColumnStats{{}, {}}}}
	_, err := buildQMD(t, cfg, ra, infos)
	require.Error(t, err)
	require.True(t, herr.IsWouldUseTooMuchMemory(err))

	// a tight scan limit lets it through
	ra.ScanLimit = 100
	qmd, err := buildQMD(t, cfg, ra, infos)
	require.NoError(t, err)
	require.Equal(t, GroupByMultiCol, qmd.HashKind)
}

func TestBuilderRejectsNoneEncodedStringGroups(t *testing.T) {
	cfg := config.Default()
	sRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.Type{Oid: types.T_varchar, Enc: types.EncNone}}
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{sRef},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	_, err := buildQMD(t, cfg, ra, []plan.TableInfo{{Columns: []plan.ColumnStats{{}}}})
	require.Error(t, err)
	require.True(t, herr.IsStringsMustBeDictEncoded(err))
}

func TestPickTargetCompactWidth(t *testing.T) {
	xRef := &plan.ColumnRef{Table: 0, Col: 0, Typ: types.NewNotNull(types.T_int32)}
	infos := []plan.TableInfo{{NumTuples: 100}}
	{
		// argless count over one grouping column narrows to 4
		ra := &plan.RelAlgExecutionUnit{
			GroupByExprs: []plan.Expr{xRef},
			TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
		}
		require.Equal(t, uint8(4), pickTargetCompactWidth(ra, infos))
	}
	{
		// an aggregate with an argument forces 8
		ra := &plan.RelAlgExecutionUnit{
			GroupByExprs: []plan.Expr{xRef},
			TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggSum, Arg: xRef, Typ: xRef.Typ}},
		}
		require.Equal(t, uint8(8), pickTargetCompactWidth(ra, infos))
	}
	{
		// UNNEST grouping forces 8
		ra := &plan.RelAlgExecutionUnit{
			GroupByExprs: []plan.Expr{&plan.UnnestExpr{Arg: xRef, Typ: xRef.Typ}},
			TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
		}
		require.Equal(t, uint8(8), pickTargetCompactWidth(ra, infos))
	}
	{
		// huge inputs force 8 even for count-only targets
		ra := &plan.RelAlgExecutionUnit{
			GroupByExprs: []plan.Expr{xRef},
			TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
		}
		big := []plan.TableInfo{{NumTuples: 1 << 40}}
		require.Equal(t, uint8(8), pickTargetCompactWidth(ra, big))
	}
}

func TestBuilderTransientStringLiterals(t *testing.T) {
	cfg := config.Default()
	lit := "deleted"
	castLit := &plan.CastExpr{
		Operand: &plan.Constant{Typ: types.NewDictString(true), StrVal: &lit},
		Typ:     types.NewDictString(true),
	}
	ra := &plan.RelAlgExecutionUnit{
		GroupByExprs: []plan.Expr{castLit},
		TargetExprs:  []plan.Expr{&plan.AggExpr{Kind: plan.AggCount, Typ: types.NewNotNull(types.T_int64)}},
	}
	sd := dict.NewStringDictionary(nil)
	_, err := NewBuilder(cfg, device.CPU, ra, false,
		[]plan.TableInfo{{Columns: []plan.ColumnStats{{HasStats: true, IntMin: -2, IntMax: -2}}}},
		rowset.NewMemoryOwner(), sd, true, false)
	require.NoError(t, err)
	require.Equal(t, 1, sd.TransientCount())
	id, ok := sd.Lookup(-2)
	require.True(t, ok)
	require.Equal(t, "deleted", id)
}
