// Copyright 2024 The Cuckoo Authors
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

package cuckoo

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is the platform cache line size, derived from
// golang.org/x/sys/cpu.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// Layout selects the memory strategy used for buckets. Both layouts expose
// the same slot-iteration contract to the probe engines; they differ only in
// how tags, keys, and values map onto the backing arrays.
type Layout uint8

const (
	// Aligned stores each bucket as one fixed-stride Group holding its tag
	// bytes and its key/value slots inline. A tag hit and its key
	// verification touch the same region, at the cost of padding waste
	// whenever the group stride is not a tidy fraction of a cache line.
	Aligned Layout = iota

	// Unaligned stores one global tag array (one byte per slot) separate
	// from one packed slot array. No padding is wasted, but a bucket's slots
	// live at arbitrary byte offsets and verifying a tag hit typically costs
	// a second cache line.
	Unaligned
)

func (l Layout) String() string {
	switch l {
	case Aligned:
		return "aligned"
	case Unaligned:
		return "unaligned"
	}
	return "unknown"
}

// Slot holds a key and value.
type Slot[V any] struct {
	key   uint64
	value V
}

// Group is the Aligned layout's storage unit: one bucket's tag bytes followed
// by its slots.
type Group[V any] struct {
	tags  [groupSize]uint8
	slots [groupSize]Slot[V]
}

// bucketLayout is the contract shared by the two layouts. Bucket indices are
// in [0, buckets()); lanes are in [0, groupSize). All methods are cheap
// accessors; allocation happens only in alloc and release.
type bucketLayout[V any] interface {
	alloc(a Allocator[V], buckets uint64)
	release(a Allocator[V])
	buckets() uint64
	// tagGroup returns the bucket's groupSize tag bytes packed into a uint64,
	// lane 0 in the least significant byte.
	tagGroup(b uint64) uint64
	tagAt(b uint64, lane uint32) tag
	setTag(b uint64, lane uint32, t tag)
	slotAt(b uint64, lane uint32) *Slot[V]
}

// alignedLayout addresses bucket b at base + b*sizeof(Group), a single
// multiply with no separate tag fetch.
type alignedLayout[V any] struct {
	groups unsafeSlice[Group[V]]
	n      uint64
}

func (l *alignedLayout[V]) alloc(a Allocator[V], buckets uint64) {
	l.groups = makeUnsafeSlice(a.AllocGroups(int(buckets)))
	l.n = buckets
}

func (l *alignedLayout[V]) release(a Allocator[V]) {
	if l.n > 0 {
		a.FreeGroups(l.groups.Slice(0, uintptr(l.n)))
	}
	l.groups = makeUnsafeSlice([]Group[V](nil))
	l.n = 0
}

func (l *alignedLayout[V]) buckets() uint64 {
	return l.n
}

func (l *alignedLayout[V]) tagGroup(b uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(&l.groups.At(uintptr(b)).tags))
}

func (l *alignedLayout[V]) tagAt(b uint64, lane uint32) tag {
	return tag(l.groups.At(uintptr(b)).tags[lane])
}

func (l *alignedLayout[V]) setTag(b uint64, lane uint32, t tag) {
	l.groups.At(uintptr(b)).tags[lane] = uint8(t)
}

func (l *alignedLayout[V]) slotAt(b uint64, lane uint32) *Slot[V] {
	return &l.groups.At(uintptr(b)).slots[lane]
}

// unalignedLayout keeps all tags in one dense byte array (bucket b's group
// starts at byte b*groupSize) and all slots in one packed array with no
// per-bucket padding. The slot stride is sizeof(Slot[V]), which for most V is
// not a power of two, so a bucket's slots may straddle cache lines.
type unalignedLayout[V any] struct {
	tags  unsafeSlice[uint8]
	slots unsafeSlice[Slot[V]]
	n     uint64
}

func (l *unalignedLayout[V]) alloc(a Allocator[V], buckets uint64) {
	l.tags = makeUnsafeSlice(a.AllocTags(int(buckets * groupSize)))
	l.slots = makeUnsafeSlice(a.AllocSlots(int(buckets * groupSize)))
	l.n = buckets
}

func (l *unalignedLayout[V]) release(a Allocator[V]) {
	if l.n > 0 {
		a.FreeTags(l.tags.Slice(0, uintptr(l.n*groupSize)))
		a.FreeSlots(l.slots.Slice(0, uintptr(l.n*groupSize)))
	}
	l.tags = makeUnsafeSlice([]uint8(nil))
	l.slots = makeUnsafeSlice([]Slot[V](nil))
	l.n = 0
}

func (l *unalignedLayout[V]) buckets() uint64 {
	return l.n
}

func (l *unalignedLayout[V]) tagGroup(b uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(l.tags.At(uintptr(b * groupSize))))
}

func (l *unalignedLayout[V]) tagAt(b uint64, lane uint32) tag {
	return tag(*l.tags.At(uintptr(b*groupSize + uint64(lane))))
}

func (l *unalignedLayout[V]) setTag(b uint64, lane uint32, t tag) {
	*l.tags.At(uintptr(b*groupSize + uint64(lane))) = uint8(t)
}

func (l *unalignedLayout[V]) slotAt(b uint64, lane uint32) *Slot[V] {
	return l.slots.At(uintptr(b*groupSize + uint64(lane)))
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}
