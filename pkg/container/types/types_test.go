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

package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeSize(t *testing.T) {
	require.Equal(t, 1, New(T_int8).TypeSize())
	require.Equal(t, 2, New(T_int16).TypeSize())
	require.Equal(t, 4, New(T_int32).TypeSize())
	require.Equal(t, 8, New(T_int64).TypeSize())
	require.Equal(t, 4, New(T_float32).TypeSize())
	require.Equal(t, 8, New(T_float64).TypeSize())
	require.Equal(t, 4, NewDictString(false).TypeSize())
	require.Equal(t, 8, Type{Oid: T_varchar}.TypeSize())
}

func TestNullSentinels(t *testing.T) {
	require.Equal(t, int64(math.MinInt32), NullValue(New(T_int32)))
	require.Equal(t, int64(math.MinInt64), NullValue(New(T_int64)))
	require.Equal(t, int64(math.Float64bits(NullDouble)), NullValue(New(T_float64)))

	// width narrowing keeps the sentinel of the narrowed slot
	require.Equal(t, int64(math.MinInt32), NullValueForWidth(New(T_int64), 4))
	require.Equal(t, int64(math.Float64bits(NullDouble)), NullValueForWidth(New(T_float64), 8))
}

func TestWidthExtremes(t *testing.T) {
	require.Equal(t, int64(math.MaxInt32), MaxValueForWidth(4))
	require.Equal(t, int64(math.MinInt16), MinValueForWidth(2))
	require.Equal(t, int64(math.MaxInt64), MaxValueForWidth(8))
}

func TestPredicates(t *testing.T) {
	arr := NewArray(NewNotNull(T_int32))
	require.True(t, arr.IsArray())
	require.Equal(t, T_int32, arr.ElemType().Oid)
	require.True(t, NewDictString(false).IsDictEncoded())
	require.False(t, Type{Oid: T_varchar}.IsDictEncoded())
	require.True(t, New(T_float32).IsFP())
	require.True(t, New(T_int16).IsInteger())
}
