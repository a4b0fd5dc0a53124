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

package rowset

import (
	"github.com/google/btree"

	"github.com/heliosdb/helios/pkg/plan"
)

// TargetValue is one materialised output cell.
type TargetValue struct {
	IsNull bool
	IsFP   bool
	I      int64
	F      float64
}

// IntValue builds an integer cell.
func IntValue(v int64) TargetValue {
	return TargetValue{I: v}
}

// FloatValue builds a floating-point cell.
func FloatValue(v float64) TargetValue {
	return TargetValue{IsFP: true, F: v}
}

// NullValue builds a NULL cell.
func NullValue() TargetValue {
	return TargetValue{IsNull: true}
}

// Row is one result row: the group key values followed by target values.
type Row struct {
	Keys   []int64
	Values []TargetValue
}

// ResultRows is the materialised output of one reduced execution unit.
type ResultRows struct {
	Rows []Row

	// Truncated is set when a scan limit cut the row production short.
	Truncated bool
}

// Append adds a row.
func (r *ResultRows) Append(row Row) {
	r.Rows = append(r.Rows, row)
}

// Len returns the row count.
func (r *ResultRows) Len() int {
	return len(r.Rows)
}

type sortItem struct {
	row     Row
	entries []plan.OrderEntry
	seq     int
}

func (it *sortItem) Less(other btree.Item) bool {
	o := other.(*sortItem)
	for _, e := range it.entries {
		a, b := it.row.Values[e.TargetNo-1], o.row.Values[e.TargetNo-1]
		if c := compareValues(a, b, e); c != 0 {
			return c < 0
		}
	}
	return it.seq < o.seq
}

func compareValues(a, b TargetValue, e plan.OrderEntry) int {
	if a.IsNull || b.IsNull {
		if a.IsNull && b.IsNull {
			return 0
		}
		less := b.IsNull
		if e.NullsFirst {
			less = a.IsNull
		}
		if less {
			return -1
		}
		return 1
	}
	var c int
	switch {
	case a.IsFP:
		switch {
		case a.F < b.F:
			c = -1
		case a.F > b.F:
			c = 1
		}
	default:
		switch {
		case a.I < b.I:
			c = -1
		case a.I > b.I:
			c = 1
		}
	}
	if e.Desc {
		c = -c
	}
	return c
}

// Sort orders the rows by the given order entries, keeping at most limit
// rows when limit is positive. Used for sort plans that did not run the sort
// on the device.
func (r *ResultRows) Sort(entries []plan.OrderEntry, limit int64) {
	if len(entries) == 0 {
		return
	}
	tree := btree.New(8)
	for i, row := range r.Rows {
		tree.ReplaceOrInsert(&sortItem{row: row, entries: entries, seq: i})
		if limit > 0 && int64(tree.Len()) > limit {
			tree.DeleteMax()
		}
	}
	out := make([]Row, 0, tree.Len())
	tree.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*sortItem).row)
		return true
	})
	r.Rows = out
}
