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

package dict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientIds(t *testing.T) {
	sd := NewStringDictionary(map[string]int32{"persisted": 7})

	require.Equal(t, int32(7), sd.GetOrAddTransient("persisted"))
	require.Equal(t, 0, sd.TransientCount())

	a := sd.GetOrAddTransient("alpha")
	b := sd.GetOrAddTransient("beta")
	require.Equal(t, int32(-2), a)
	require.Equal(t, int32(-3), b)
	require.Equal(t, a, sd.GetOrAddTransient("alpha"))
	require.Equal(t, 2, sd.TransientCount())

	s, ok := sd.Lookup(a)
	require.True(t, ok)
	require.Equal(t, "alpha", s)
	_, ok = sd.Lookup(12345)
	require.False(t, ok)
}
