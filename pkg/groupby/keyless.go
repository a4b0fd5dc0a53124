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

	"github.com/heliosdb/helios/pkg/plan"
)

// KeylessInfo is the keyless-hash decision: when the leading aggregate's
// initial value can double as the presence marker the key column is dropped
// and TargetIndex names the marker slot.
type KeylessInfo struct {
	Keyless     bool
	TargetIndex int32
	InitVal     int64
}

// analyzeKeyless scans the target list for the first aggregate usable as the
// presence marker. A pure projection before any aggregate disables keyless.
func analyzeKeyless(
	targets []plan.Expr,
	infos []plan.TableInfo,
	compactWidth int,
) KeylessInfo {
	keyless, found := true, false
	index := int32(0)
	initVal := int64(0)
	for _, target := range targets {
		info := plan.GetTargetInfo(target)
		if !found && info.IsAgg {
			argExpr := plan.AggArg(target)
			switch info.Kind {
			case plan.AggAvg:
				index++
				initVal = 0
				found = true
			case plan.AggCount:
				if info.IsDistinct {
					// a distinct slot holds an accumulator handle, which
					// cannot double as the presence marker
					keyless = false
					break
				}
				if argExpr != nil && !argExpr.Type().NotNull {
					r := plan.GetExpressionRange(argExpr, infos)
					if r.HasNulls {
						break
					}
				}
				initVal = 0
				found = true
			case plan.AggSum:
				// usable iff the sum can never land back on the initial
				// value: a nullable slot starts from the null sentinel and
				// works when the data is proven null free, a non-null slot
				// starts from zero and needs a strictly signed range
				if !argExpr.Type().NotNull {
					r := plan.GetExpressionRange(argExpr, infos)
					if !r.HasNulls {
						initVal = AggInitVal(plan.AggSum, argExpr.Type(), compactWidth)
						found = true
					}
				} else {
					initVal = 0
					r := plan.GetExpressionRange(argExpr, infos)
					switch r.Kind {
					case plan.RangeFloatingPoint:
						if r.FpMax < 0 || r.FpMin > 0 {
							found = true
						}
					case plan.RangeInteger:
						if r.IntMax < 0 || r.IntMin > 0 {
							found = true
						}
					}
				}
			case plan.AggMin:
				r := plan.GetExpressionRange(argExpr, infos)
				initMax := AggInitVal(plan.AggMin, info.Typ, compactWidth)
				switch r.Kind {
				case plan.RangeFloatingPoint:
					initVal = initMax
					if r.FpMax < math.Float64frombits(uint64(initMax)) {
						found = true
					}
				case plan.RangeInteger:
					initVal = initMax
					if r.IntMax < initMax {
						found = true
					}
				}
			case plan.AggMax:
				r := plan.GetExpressionRange(argExpr, infos)
				initMin := AggInitVal(plan.AggMax, info.Typ, compactWidth)
				switch r.Kind {
				case plan.RangeFloatingPoint:
					initVal = initMin
					if r.FpMin > math.Float64frombits(uint64(initMin)) {
						found = true
					}
				case plan.RangeInteger:
					initVal = initMin
					if r.IntMin > initMin {
						found = true
					}
				}
			default:
				keyless = false
			}
		}
		if !keyless {
			break
		}
		if !found {
			index++
		}
	}

	// keyless is pointless for projection-only target lists
	return KeylessInfo{
		Keyless:     keyless && found,
		TargetIndex: index,
		InitVal:     initVal,
	}
}
