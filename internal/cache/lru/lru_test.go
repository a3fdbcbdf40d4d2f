// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lru_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	. "github.com/jacobsa/ogletest"
	"github.com/nodemount/nodemount/internal/cache/lru"
	"github.com/nodemount/nodemount/internal/locker"
)

func TestCache(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const MaxSize = 50
const OperationCount = 100

type CacheTest struct {
	cache *lru.Cache
}

func init() { RegisterTestSuite(&CacheTest{}) }

func (t *CacheTest) SetUp(*TestInfo) {
	locker.EnableInvariantsCheck()
	t.cache = lru.NewCache(MaxSize)
}

func (t *CacheTest) TearDown() {
	t.cache.CheckInvariants()
}

type testData struct {
	Value    int64
	DataSize uint64
}

func (td testData) Size() uint64 {
	return td.DataSize
}

// A value whose evictability can be toggled.
type pinnedData struct {
	testData
	pinned bool
}

func (pd *pinnedData) Evictable() bool {
	return !pd.pinned
}

// A value whose size changes in place.
type growingData struct {
	size uint64
}

func (gd *growingData) Size() uint64 {
	return gd.size
}

func valueOf(v lru.ValueType) int64 {
	switch typed := v.(type) {
	case testData:
		return typed.Value
	case *pinnedData:
		return typed.Value
	}
	panic("unexpected value type")
}

// insertAndAssert inserts the given key,value in the cache and assert based on
// the expected eviction and error.
func (t *CacheTest) insertAndAssert(key string, val lru.ValueType, evictedValues []int64, expectedError error) {
	ret, err := t.cache.Insert(key, val)

	if err == nil || expectedError == nil {
		AssertEq(err, expectedError)
	} else {
		AssertEq(expectedError.Error(), err.Error())
	}
	AssertEq(len(evictedValues), len(ret))
	for index, value := range ret {
		ExpectEq(evictedValues[index], valueOf(value))
	}
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *CacheTest) LookUpInEmptyCache() {
	ExpectEq(nil, t.cache.LookUp(""))
	ExpectEq(nil, t.cache.LookUp("taco"))
}

func (t *CacheTest) InsertNilValue() {
	t.insertAndAssert("taco", nil, []int64{}, errors.New(lru.InvalidEntryErrorMsg))
}

func (t *CacheTest) FillUpToCapacity() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 20}, []int64{}, nil)
	t.insertAndAssert("enchilada", testData{Value: 28, DataSize: 26}, []int64{}, nil)

	ExpectEq(23, valueOf(t.cache.LookUp("burrito")))
	ExpectEq(26, valueOf(t.cache.LookUp("taco")))
	ExpectEq(28, valueOf(t.cache.LookUp("enchilada")))
	ExpectEq(50, t.cache.Size())
	ExpectEq(3, t.cache.Len())
}

func (t *CacheTest) ExpiresLeastRecentlyUsed() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 20}, []int64{}, nil)
	t.insertAndAssert("enchilada", testData{Value: 28, DataSize: 26}, []int64{}, nil)

	AssertEq(23, valueOf(t.cache.LookUp("burrito")))

	t.insertAndAssert("queso", testData{Value: 34, DataSize: 5}, []int64{26}, nil)

	ExpectEq(nil, t.cache.LookUp("taco"))
	ExpectEq(23, valueOf(t.cache.LookUp("burrito")))
	ExpectEq(28, valueOf(t.cache.LookUp("enchilada")))
	ExpectEq(34, valueOf(t.cache.LookUp("queso")))
}

func (t *CacheTest) Overwrite() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 20}, []int64{}, nil)
	t.insertAndAssert("enchilada", testData{Value: 28, DataSize: 20}, []int64{}, nil)
	t.insertAndAssert("burrito", testData{Value: 33, DataSize: 6}, []int64{}, nil)

	// Growing the entry forces an eviction.
	t.insertAndAssert("burrito", testData{Value: 33, DataSize: 12}, []int64{26}, nil)

	ExpectEq(nil, t.cache.LookUp("taco"))
	ExpectEq(33, valueOf(t.cache.LookUp("burrito")))
	ExpectEq(28, valueOf(t.cache.LookUp("enchilada")))
}

func (t *CacheTest) MultipleEviction() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 20}, []int64{}, nil)
	t.insertAndAssert("enchilada", testData{Value: 28, DataSize: 20}, []int64{}, nil)

	t.insertAndAssert("large_data", testData{Value: 33, DataSize: 45}, []int64{23, 26, 28}, nil)

	ExpectEq(nil, t.cache.LookUp("taco"))
	ExpectEq(33, valueOf(t.cache.LookUp("large_data")))
}

func (t *CacheTest) PinnedEntriesAreSkipped() {
	pinned := &pinnedData{testData: testData{Value: 23, DataSize: 30}, pinned: true}
	t.insertAndAssert("burrito", pinned, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 10}, []int64{}, nil)

	// burrito is least recently used but pinned, so taco goes.
	t.insertAndAssert("queso", testData{Value: 34, DataSize: 15}, []int64{26}, nil)

	ExpectEq(23, valueOf(t.cache.LookUp("burrito")))
	ExpectEq(nil, t.cache.LookUp("taco"))
}

func (t *CacheTest) QuotaIsSoftWhenEverythingIsPinned() {
	a := &pinnedData{testData: testData{Value: 1, DataSize: 30}, pinned: true}
	b := &pinnedData{testData: testData{Value: 2, DataSize: 30}, pinned: true}
	t.insertAndAssert("a", a, []int64{}, nil)
	t.insertAndAssert("b", b, []int64{}, nil)

	ExpectEq(60, t.cache.Size())

	// Nothing evictable.
	ExpectEq(0, len(t.cache.EvictOverflow()))
	ExpectEq(nil, t.cache.EvictOne())

	// Unpinning allows catching up.
	a.pinned = false
	evicted := t.cache.EvictOverflow()
	AssertEq(1, len(evicted))
	ExpectEq(1, valueOf(evicted[0]))
	ExpectEq(30, t.cache.Size())
}

func (t *CacheTest) ResizeAccountsGrowth() {
	g := &growingData{size: 10}
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 20}, []int64{}, nil)
	_, err := t.cache.Insert("growing", g)
	AssertEq(nil, err)

	g.size = 40
	evicted, err := t.cache.Resize("growing")

	AssertEq(nil, err)
	AssertEq(1, len(evicted))
	ExpectEq(26, valueOf(evicted[0]))
	ExpectEq(40, t.cache.Size())
}

func (t *CacheTest) ResizeUnknownKey() {
	_, err := t.cache.Resize("taco")

	ExpectNe(nil, err)
}

func (t *CacheTest) EraseWhenKeyPresent() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)

	deletedEntry := t.cache.Erase("burrito")

	ExpectEq(23, valueOf(deletedEntry))
	ExpectEq(nil, t.cache.LookUp("burrito"))
	ExpectEq(0, t.cache.Size())
}

func (t *CacheTest) EraseWhenKeyNotPresent() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)

	ExpectEq(nil, t.cache.Erase("taco"))
	ExpectEq(23, valueOf(t.cache.LookUp("burrito")))
}

func (t *CacheTest) LookUpWithoutChangingOrderKeepsPosition() {
	t.insertAndAssert("burrito1", testData{Value: 23, DataSize: 10}, []int64{}, nil)
	t.insertAndAssert("burrito2", testData{Value: 2, DataSize: 40}, []int64{}, nil)

	ExpectEq(23, valueOf(t.cache.LookUpWithoutChangingOrder("burrito1")))

	// burrito1 is still least recently used.
	t.insertAndAssert("burrito3", testData{Value: 3, DataSize: 5}, []int64{23}, nil)
}

func (t *CacheTest) EvictOneTakesLeastRecentlyUsed() {
	t.insertAndAssert("burrito", testData{Value: 23, DataSize: 4}, []int64{}, nil)
	t.insertAndAssert("taco", testData{Value: 26, DataSize: 4}, []int64{}, nil)
	t.cache.LookUp("burrito")

	ExpectEq(26, valueOf(t.cache.EvictOne()))
	ExpectEq(23, valueOf(t.cache.EvictOne()))
	ExpectEq(nil, t.cache.EvictOne())
}

func (t *CacheTest) EvictIfHonoursPredicateAndPins() {
	pinned := &pinnedData{testData: testData{Value: 1, DataSize: 1}, pinned: true}
	t.insertAndAssert("pinned", pinned, []int64{}, nil)
	t.insertAndAssert("odd", testData{Value: 3, DataSize: 1}, []int64{}, nil)
	t.insertAndAssert("even", testData{Value: 4, DataSize: 1}, []int64{}, nil)

	evicted := t.cache.EvictIf(func(key string, v lru.ValueType) bool {
		return valueOf(v)%2 == 1
	})

	AssertEq(1, len(evicted))
	ExpectEq(3, valueOf(evicted[0]))
	ExpectEq(2, t.cache.Len())
}

// This will detect races when run with the -race flag.
func (t *CacheTest) RaceCondition() {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		for i := 0; i < OperationCount; i++ {
			_, err := t.cache.Insert("key", testData{
				Value:    int64(i),
				DataSize: uint64(rand.Intn(MaxSize)),
			})

			AssertEq(nil, err)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < OperationCount; i++ {
			t.cache.Erase("key")
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < OperationCount; i++ {
			t.cache.LookUp("key")
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < OperationCount; i++ {
			t.cache.EvictOverflow()
		}
	}()

	wg.Wait()
}
