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
	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/plan"
	"github.com/heliosdb/helios/pkg/rowset"
)

// maxBitmapBits caps the dense COUNT DISTINCT bitmap at 8 billion bits
// (one gigabyte per group slot); wider domains spill to the set.
const maxBitmapBits = int64(8 * 1000 * 1000 * 1000)

// PlanCountDistinct builds the per-target COUNT DISTINCT descriptors. Only
// COUNT may be distinct; string arguments must be dictionary encoded. A
// known integer range small enough picks the dense bitmap, everything else
// falls back to the spill set, which the watchdog rejects.
func PlanCountDistinct(
	ra *plan.RelAlgExecutionUnit,
	analyzer *RangeAnalyzer,
	enableWatchdog bool,
) (rowset.CountDistinctDescriptors, error) {
	descs := make(rowset.CountDistinctDescriptors)
	for targetIdx, target := range ra.TargetExprs {
		info := plan.GetTargetInfo(target)
		if !info.IsDistinct {
			continue
		}
		if !info.IsAgg || info.Kind != plan.AggCount {
			return nil, herr.NewInvalidInput("distinct not supported for %s", info.Kind)
		}
		agg := target.(*plan.AggExpr)
		argTyp := agg.Arg.Type()
		if argTyp.IsString() && !argTyp.IsDictEncoded() {
			return nil, herr.NewStringsMustBeDictEncoded("COUNT(DISTINCT)")
		}
		argRange, err := analyzer.ExprRange(agg.Arg)
		if err != nil {
			return nil, err
		}
		impl := rowset.CountDistinctStdSet
		var bitmapBits int64
		if argRange.Kind == GroupByOneColKnownRange && !argTyp.IsArray() {
			impl = rowset.CountDistinctBitmap
			bitmapBits = argRange.Max - argRange.Min + 1
			if bitmapBits <= 0 || bitmapBits > maxBitmapBits {
				impl = rowset.CountDistinctStdSet
			}
		}
		if enableWatchdog && impl == rowset.CountDistinctStdSet {
			return nil, herr.NewCannotUseFastPath()
		}
		descs[targetIdx] = rowset.CountDistinctDescriptor{
			Impl:       impl,
			MinVal:     argRange.Min,
			BitmapBits: bitmapBits,
		}
	}
	return descs, nil
}
