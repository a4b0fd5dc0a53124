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

	"github.com/heliosdb/helios/pkg/common/herr"
	"github.com/heliosdb/helios/pkg/plan"
)

// GroupingKind classifies how group slots are addressed.
type GroupingKind uint8

const (
	GroupByScan GroupingKind = iota
	GroupByOneColKnownRange
	GroupByOneColGuessedRange
	GroupByMultiCol
	GroupByMultiColPerfectHash
)

func (k GroupingKind) String() string {
	switch k {
	case GroupByScan:
		return "scan"
	case GroupByOneColKnownRange:
		return "one-col-known-range"
	case GroupByOneColGuessedRange:
		return "one-col-guessed-range"
	case GroupByMultiCol:
		return "multi-col"
	case GroupByMultiColPerfectHash:
		return "multi-col-perfect-hash"
	}
	return "invalid"
}

// ColumnRange is the analyzed range of one grouping expression.
type ColumnRange struct {
	Kind     GroupingKind
	Min      int64
	Max      int64
	Bucket   int64
	HasNulls bool
}

// Cardinality is the bin count the range spans, including the null bin.
func (r ColumnRange) Cardinality() int64 {
	c := r.Max - r.Min + 1
	if r.HasNulls {
		c++
	}
	return c
}

const (
	guessedRangeMax = 255

	// More than 10M groups is a lot; the perfect hash over a multi-column
	// product degrades to a baseline hash beyond this.
	maxPerfectHashCardinality = 10000000
)

// RangeAnalyzer resolves grouping expressions to column ranges against the
// fragment statistics.
type RangeAnalyzer struct {
	infos          []plan.TableInfo
	enableWatchdog bool
}

func NewRangeAnalyzer(infos []plan.TableInfo, enableWatchdog bool) *RangeAnalyzer {
	return &RangeAnalyzer{infos: infos, enableWatchdog: enableWatchdog}
}

// ExprRange analyzes a single grouping expression.
func (a *RangeAnalyzer) ExprRange(expr plan.Expr) (ColumnRange, error) {
	r := plan.GetExpressionRange(expr, a.infos)
	switch r.Kind {
	case plan.RangeInteger:
		return ColumnRange{
			Kind:     GroupByOneColKnownRange,
			Min:      r.IntMin,
			Max:      r.IntMax,
			Bucket:   r.Bucket,
			HasNulls: r.HasNulls,
		}, nil
	case plan.RangeFloatingPoint:
		if a.enableWatchdog {
			return ColumnRange{}, herr.NewWouldBeSlow("group by float / double would be slow")
		}
		fallthrough
	default:
		return ColumnRange{
			Kind: GroupByOneColGuessedRange,
			Min:  0,
			Max:  guessedRangeMax,
		}, nil
	}
}

// GroupByRange analyzes the full grouping expression list. Multi-column
// grouping yields a perfect hash only when every sub-range is known and the
// product cardinality fits; checked arithmetic overflow degrades to the
// baseline multi-column hash.
func (a *RangeAnalyzer) GroupByRange(groupby []plan.Expr) (ColumnRange, error) {
	if len(groupby) != 1 {
		cardinality := int64(1)
		hasNulls := false
		for _, expr := range groupby {
			r, err := a.ExprRange(expr)
			if err != nil {
				return ColumnRange{}, err
			}
			if r.Kind != GroupByOneColKnownRange {
				return ColumnRange{Kind: GroupByMultiCol}, nil
			}
			crt := r.Cardinality()
			if r.Max-r.Min < 0 || crt <= 0 {
				// the sub-range cardinality itself overflowed int64
				return ColumnRange{Kind: GroupByMultiCol}, nil
			}
			next, ok := checkedMulI64(cardinality, crt)
			if !ok {
				return ColumnRange{Kind: GroupByMultiCol}, nil
			}
			cardinality = next
			if r.HasNulls {
				hasNulls = true
			}
		}
		if cardinality > maxPerfectHashCardinality {
			return ColumnRange{Kind: GroupByMultiCol}, nil
		}
		return ColumnRange{
			Kind:     GroupByMultiColPerfectHash,
			Max:      cardinality,
			HasNulls: hasNulls,
		}, nil
	}
	return a.ExprRange(groupby[0])
}

func checkedMulI64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a || (a == math.MinInt64 && b == -1) {
		return 0, false
	}
	return p, true
}
