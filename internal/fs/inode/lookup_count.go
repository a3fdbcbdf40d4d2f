// Copyright 2015 Google Inc. All Rights Reserved.
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

package inode

import (
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"
)

// A helper struct for implementing kernel lookup counts, with some paranoid
// panics. Mutations require external synchronization; Load may be called
// without it. An inode whose count drops to zero stays usable: the cache
// keeps it until evicted, and the kernel may look it up again.
//
// May be embedded within a larger struct. Use Init to initialize.
type lookupCount struct {
	id    fuseops.InodeID
	count atomic.Uint64
}

func (lc *lookupCount) Init(id fuseops.InodeID) {
	lc.id = id
}

func (lc *lookupCount) Inc() {
	lc.count.Add(1)
}

func (lc *lookupCount) Dec(n uint64) (destroy bool) {
	count := lc.count.Load()
	if n > count {
		panic(fmt.Sprintf(
			"Inode %v: n is greater than lookup count: %v vs. %v",
			lc.id,
			n,
			count))
	}

	lc.count.Store(count - n)

	destroy = count == n
	return
}

// Load returns the current count.
func (lc *lookupCount) Load() uint64 {
	return lc.count.Load()
}
