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
	"sync"
)

// Transient ids grow downward from transientIDBase so they never collide
// with persisted dictionary ids, which are non-negative.
const transientIDBase = int32(-2)

// StringDictionary is the transient string dictionary collaborator. Grouping
// constants over dictionary-encoded columns are registered here before
// kernel launch so their encoded ids are stable for the query's lifetime.
type StringDictionary struct {
	mu        sync.Mutex
	persisted map[string]int32
	transient map[string]int32
	byID      map[int32]string
	nextID    int32
}

func NewStringDictionary(persisted map[string]int32) *StringDictionary {
	sd := &StringDictionary{
		persisted: make(map[string]int32, len(persisted)),
		transient: make(map[string]int32),
		byID:      make(map[int32]string),
		nextID:    transientIDBase,
	}
	for s, id := range persisted {
		sd.persisted[s] = id
		sd.byID[id] = s
	}
	return sd
}

// GetOrAddTransient returns the encoded id of s, registering a transient id
// when the string is not in the persisted dictionary.
func (sd *StringDictionary) GetOrAddTransient(s string) int32 {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if id, ok := sd.persisted[s]; ok {
		return id
	}
	if id, ok := sd.transient[s]; ok {
		return id
	}
	id := sd.nextID
	sd.nextID--
	sd.transient[s] = id
	sd.byID[id] = s
	return id
}

// Lookup resolves an encoded id back to its string.
func (sd *StringDictionary) Lookup(id int32) (string, bool) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.byID[id]
	return s, ok
}

// TransientCount reports how many transient ids are registered.
func (sd *StringDictionary) TransientCount() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return len(sd.transient)
}
