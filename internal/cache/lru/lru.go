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

package lru

import (
	"container/list"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Predefined error message returned by the Cache.
const InvalidEntryErrorMsg = "nil values are not supported"
const EntryNotExistErrMsg = "entry with given key does not exist"

// Cache is a LRU cache for any lru.ValueType indexed by string keys.
//
// The size limit is soft: entries whose value reports that it may not be
// evicted right now are skipped, and if every remaining entry is in use the
// cache stays over its limit until some are released and EvictOverflow is
// called.
type Cache struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// INVARIANT: maxSize > 0
	maxSize uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Sum of the sizes recorded for all the entries in the cache.
	currentSize uint64

	// List of cache entries, with least recently used at the tail.
	//
	// INVARIANT: Each element is of type *entry
	entries list.List

	// Index of elements by name.
	//
	// INVARIANT: For each k, v: v.Value.(*entry).Key == k
	// INVARIANT: Contains all and only the elements of entries
	index map[string]*list.Element

	// All public methods of this Cache uses this mutex while accessing/updating
	// Cache's data.
	mu sync.Mutex
}

type ValueType interface {
	Size() uint64
}

// Evictable may be implemented by values that are sometimes in use. It is
// called with the cache's lock held and must not call back into the cache.
type Evictable interface {
	Evictable() bool
}

type entry struct {
	Key   string
	Value ValueType

	// The size charged for this entry, as of the last insert or resize.
	size uint64
}

// NewCache initializes a cache with the supplied maxSize, which must be
// greater than zero.
func NewCache(maxSize uint64) *Cache {
	if maxSize == 0 {
		panic("lru: maxSize must be positive")
	}

	return &Cache{
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
	}
}

// CheckInvariants panic if any internal invariants have been violated.
// The careful user can arrange to call this at crucial moments.
func (c *Cache) CheckInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// INVARIANT: maxSize > 0
	if !(c.maxSize > 0) {
		panic(fmt.Sprintf("Invalid maxSize: %v", c.maxSize))
	}

	// INVARIANT: Each element is of type *entry
	var total uint64
	for e := c.entries.Front(); e != nil; e = e.Next() {
		switch v := e.Value.(type) {
		case *entry:
			total += v.size
		default:
			panic(fmt.Sprintf("Unexpected element type: %v", reflect.TypeOf(e.Value)))
		}
	}

	if total != c.currentSize {
		panic(fmt.Sprintf("currentSize %v, entries sum to %v", c.currentSize, total))
	}

	// INVARIANT: For each k, v: v.Value.(*entry).Key == k
	// INVARIANT: Contains all and only the elements of entries
	if c.entries.Len() != len(c.index) {
		panic(fmt.Sprintf(
			"Length mismatch: %v vs. %v",
			c.entries.Len(),
			len(c.index)))
	}

	for e := c.entries.Front(); e != nil; e = e.Next() {
		if c.index[e.Value.(*entry).Key] != e {
			panic(fmt.Sprintf("Mismatch for key %v", e.Value.(*entry).Key))
		}
	}
}

func evictable(v ValueType) bool {
	if ev, ok := v.(Evictable); ok {
		return ev.Evictable()
	}
	return true
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) remove(e *list.Element) ValueType {
	en := e.Value.(*entry)
	c.currentSize -= en.size
	c.entries.Remove(e)
	delete(c.index, en.Key)
	return en.Value
}

// Evict the least recently used evictable entry, or nothing.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) evictOne() ValueType {
	for e := c.entries.Back(); e != nil; e = e.Prev() {
		if evictable(e.Value.(*entry).Value) {
			return c.remove(e)
		}
	}
	return nil
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) evictOverflow() (evicted []ValueType) {
	for c.currentSize > c.maxSize {
		v := c.evictOne()
		if v == nil {
			break
		}
		evicted = append(evicted, v)
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Cache interface
////////////////////////////////////////////////////////////////////////

// Insert the supplied value into the cache, overwriting any previous entry for
// the given key. The value must be non-nil.
// Also returns a slice of ValueType evicted by the new inserted entry.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Insert(
	key string,
	value ValueType) ([]ValueType, error) {
	if value == nil {
		return nil, errors.New(InvalidEntryErrorMsg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := value.Size()
	e, ok := c.index[key]
	if ok {
		// Update an entry if already exist.
		en := e.Value.(*entry)
		c.currentSize -= en.size
		c.currentSize += size
		en.Value = value
		en.size = size
		c.entries.MoveToFront(e)
	} else {
		c.index[key] = c.entries.PushFront(&entry{Key: key, Value: value, size: size})
		c.currentSize += size
	}

	// The new entry is at the front and is only evicted if everything else
	// already has been.
	return c.evictOverflow(), nil
}

// Resize re-reads the size of the entry for key, for values whose size
// changes in place, and evicts as needed. The entry's position is unchanged.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Resize(key string) ([]ValueType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return nil, fmt.Errorf("%s: %q", EntryNotExistErrMsg, key)
	}

	en := e.Value.(*entry)
	c.currentSize -= en.size
	en.size = en.Value.Size()
	c.currentSize += en.size

	return c.evictOverflow(), nil
}

// Erase any entry for the supplied key, also returns the value of erased key.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Erase(key string) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return
	}

	return c.remove(e)
}

// LookUp a previously-inserted value for the given key. Return nil if no
// value is present.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) LookUp(key string) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Consult the index.
	e, ok := c.index[key]
	if !ok {
		return
	}
	// This is now the most recently used entry.
	c.entries.MoveToFront(e)

	// Return the value.
	return e.Value.(*entry).Value
}

// LookUpWithoutChangingOrder looks up a previously-inserted value for the
// given key without marking it as recently used.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) LookUpWithoutChangingOrder(key string) (value ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return
	}

	return e.Value.(*entry).Value
}

// EvictOne evicts the least recently used entry that is evictable, and
// returns it. Returns nil if nothing could be evicted.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) EvictOne() ValueType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.evictOne()
}

// EvictOverflow evicts evictable entries, least recently used first, until
// the cache is within its size limit or nothing more can be evicted.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) EvictOverflow() []ValueType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.evictOverflow()
}

// EvictIf evicts every evictable entry for which pred returns true. pred is
// called with the cache's lock held.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) EvictIf(pred func(key string, value ValueType) bool) (evicted []ValueType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.entries.Back(); e != nil; {
		prev := e.Prev()
		en := e.Value.(*entry)
		if evictable(en.Value) && pred(en.Key, en.Value) {
			evicted = append(evicted, c.remove(e))
		}
		e = prev
	}

	return
}

// Values returns every value, most recently used first.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Values() []ValueType {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]ValueType, 0, c.entries.Len())
	for e := c.entries.Front(); e != nil; e = e.Next() {
		values = append(values, e.Value.(*entry).Value)
	}
	return values
}

// Len returns the number of entries.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// Size returns the sum of the entries' sizes.
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentSize
}

func (c *Cache) MaxSize() uint64 {
	return c.maxSize
}
