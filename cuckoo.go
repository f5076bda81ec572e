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

// Package cuckoo implements an in-memory associative table from 64-bit keys
// to values, tuned for probe latency and cache-miss minimization. It uses
// cuckoo hashing: every key has exactly two candidate buckets, so a lookup
// touches at most two groups of slots regardless of load factor. See
// https://en.wikipedia.org/wiki/Cuckoo_hashing for background, and
// https://www.cs.princeton.edu/~mfreed/docs/cuckoo-eurosys14.pdf for the
// breadth-first relocation strategy insertion uses here.
//
// # Buckets, tags, and probing
//
// Slots are grouped into buckets of 8. Each slot carries a one-byte tag
// derived from the key's digest: 7 fingerprint bits plus an occupied bit.
// A probe first scans the bucket's 8 tag bytes for the target fingerprint
// (in one SWAR word compare on the default configuration) and only then
// verifies candidate lanes against the full key, so the common miss costs a
// single 8-byte load and a zero test. Tag collisions are expected and are
// never treated as key equality.
//
// A key's second bucket is derived from its first bucket and its tag alone,
// by XORing in a scrambled image of the tag. The relation is symmetric, so
// relocating an entry during insertion needs only the stored tag, never a
// rehash of the key.
//
// # Layout and probe variants
//
// The memory layout of buckets (Aligned vs Unaligned) and the matching
// strategy (Scalar, Direct, Indirect, Localized) are selected at construction
// time, with one implementation per variant rather than branching inside the
// hot loops. All combinations implement identical table semantics and yield
// candidates in identical order; they differ only in instruction count and
// cache-line traffic. See the Layout and Probe constants.
//
// # Insertion and growth
//
// Insert places an entry in an empty lane of either candidate bucket when it
// can. When both are full, it runs a bounded breadth-first search over
// eviction chains: each occupied lane of a full bucket names (via its tag)
// the bucket it could move to. The search inspects buckets first and moves
// entries only after a terminating empty lane is found, so a failed insert
// (ErrFull) leaves the table untouched. Put wraps Insert with automatic
// growth; Insert and Resize expose the manual-growth contract for callers
// that manage capacity themselves.
//
// A Table is NOT goroutine-safe. All operations run synchronously to
// completion; callers that share a Table across goroutines must provide
// their own mutual exclusion.
package cuckoo

import (
	"errors"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"
)

var (
	// ErrFull is returned by Insert when the bounded eviction search could
	// not free a lane in either candidate bucket. It is a policy signal, not
	// a corruption indicator: the table is unchanged and the caller can
	// recover by calling Resize (or by using Put, which grows automatically).
	ErrFull = errors.New("cuckoo: table full")

	// ErrCapacityOverflow is returned when a requested bucket count would
	// exceed the addressable slot-index range.
	ErrCapacityOverflow = errors.New("cuckoo: bucket count exceeds addressable range")
)

const (
	// maxBuckets caps the bucket count so that slot indices fit comfortably
	// in 32 bits (maxBuckets*groupSize slots).
	maxBuckets = 1 << 28

	// maxAvgGroupLoad bounds the load factor Put maintains: at most 7 of
	// every 8 slots occupied before an automatic resize. Beyond that,
	// eviction chains lengthen sharply.
	maxAvgGroupLoad = 7

	// The eviction search explores the two candidate buckets and, below
	// them, the complete groupSize-ary trees of relocation targets down to
	// the configured depth. The parent of queue node i is at (i-2)/groupSize;
	// the first child of node j is at j*groupSize+2.
	defaultEvictDepth = 3
	maxEvictDepth     = 6
)

// evictQueueLen is the number of nodes in the two complete groupSize-ary
// trees of the given depth: 2*(1 + 8 + ... + 8^depth).
func evictQueueLen(depth int) int {
	n := 1
	for i, level := 0, 1; i < depth; i++ {
		level *= groupSize
		n += level
	}
	return 2 * n
}

// Table is an unordered map from uint64 keys to values with Get, Put,
// Insert, Delete, Resize, and All operations. Key 0 is stored in a dedicated
// side slot: the zero key doubles as the empty-slot sentinel in the backing
// arrays and is never written to a bucket.
//
// A Table is NOT goroutine-safe.
type Table[V any] struct {
	layout bucketLayout[V]
	probe  probeEngine[V]
	// The allocator used for the backing arrays.
	allocator Allocator[V]
	// Per-instance seed perturbing the hash mixer; prevents adversarial
	// clustering across runs.
	seed uint64
	// bucketMask is bucketCount-1; bucket counts are always powers of two so
	// indices are produced by masking, never modulo.
	bucketMask uint64
	// The number of entries in the table, including the zero-key slot.
	used int

	zeroUsed bool
	zeroVal  V

	// Scratch buffer for the eviction search, sized for evictDepth.
	evictQueue []uint32
	evictDepth int

	layoutKind Layout
	probeKind  Probe
}

// New constructs a Table with capacity for at least initialCapacity entries
// before Put grows it. The zero value of a Table is not usable.
func New[V any](initialCapacity int, options ...option[V]) *Table[V] {
	t := &Table[V]{
		allocator:  defaultAllocator[V]{},
		seed:       rand.Uint64(),
		evictDepth: defaultEvictDepth,
		layoutKind: Aligned,
		probeKind:  ProbeDefault,
	}
	for _, op := range options {
		op.apply(t)
	}
	if t.probeKind == ProbeDefault {
		t.probeKind = defaultProbe(t.layoutKind)
	}
	if t.evictDepth < 1 || t.evictDepth > maxEvictDepth {
		panic(fmt.Sprintf("cuckoo: eviction depth %d out of range [1, %d]", t.evictDepth, maxEvictDepth))
	}
	t.evictQueue = make([]uint32, evictQueueLen(t.evictDepth))

	buckets := bucketsForCapacity(initialCapacity)
	if buckets > maxBuckets {
		panic(fmt.Sprintf("cuckoo: initial capacity %d exceeds addressable range", initialCapacity))
	}
	t.layout = newBucketLayout[V](t.layoutKind)
	t.layout.alloc(t.allocator, buckets)
	t.probe = bindProbe(t.probeKind, t.layoutKind, t.layout)
	t.bucketMask = buckets - 1

	t.checkInvariants()
	return t
}

// bucketsForCapacity sizes the table so that capacity entries fit within the
// maxAvgGroupLoad bound.
func bucketsForCapacity(capacity int) uint64 {
	if capacity < 0 {
		capacity = 0
	}
	slots := (capacity*groupSize + maxAvgGroupLoad - 1) / maxAvgGroupLoad
	buckets := uint64(1)
	for buckets*groupSize < uint64(slots) {
		buckets <<= 1
	}
	return buckets
}

func newBucketLayout[V any](kind Layout) bucketLayout[V] {
	switch kind {
	case Aligned:
		return &alignedLayout[V]{}
	case Unaligned:
		return &unalignedLayout[V]{}
	}
	panic(fmt.Sprintf("cuckoo: unknown layout %d", kind))
}

// Close closes the table, releasing its backing memory to the configured
// allocator. It is unnecessary to close a table using the default allocator.
// It is invalid to use a Table after it has been closed, though Close itself
// is idempotent.
func (t *Table[V]) Close() {
	if t.layout != nil {
		t.layout.release(t.allocator)
		t.layout = nil
		t.probe = nil
	}
	t.used = 0
	t.zeroUsed = false
	var zero V
	t.zeroVal = zero
}

// Len returns the number of entries in the table.
func (t *Table[V]) Len() int {
	return t.used
}

// Cap returns the number of slots in the table's backing arrays. The zero-key
// side slot is not counted.
func (t *Table[V]) Cap() int {
	return int((t.bucketMask + 1) * groupSize)
}

func (t *Table[V]) loadLimit() int {
	return t.Cap() * maxAvgGroupLoad / groupSize
}

// Get retrieves the value for key, returning ok=false if the key is not
// present. Get never mutates or allocates.
func (t *Table[V]) Get(key uint64) (value V, ok bool) {
	if key == 0 {
		return t.zeroVal, t.zeroUsed
	}
	d := mix(key, t.seed)
	tg := tagOf(d)
	b := d & t.bucketMask
	if debug {
		fmt.Printf("get(%d): tag=%02x bucket0=%d\n", key, uint8(tg), b)
	}

	// Probe bucket0, then bucket1. There is no early exit on a group with
	// empty lanes: an entry placed in bucket1 while bucket0 was full remains
	// valid after a later Delete reopens bucket0, so an empty lane in
	// bucket0 proves nothing about bucket1.
	for i := 0; ; i++ {
		for m := t.probe.matches(b, tg, key); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			if s := t.layout.slotAt(b, lane); s.key == key {
				return s.value, true
			}
		}
		if i == 1 {
			return value, false
		}
		b = altBucket(tg, b, t.bucketMask)
	}
}

// Insert adds an entry to the table, overwriting the value in place if the
// key is already present. It returns ErrFull when the bounded eviction
// search cannot free a lane; the table is unchanged in that case and the
// caller must Resize before retrying. Callers that prefer automatic growth
// should use Put.
func (t *Table[V]) Insert(key uint64, value V) error {
	if key == 0 {
		if !t.zeroUsed {
			t.zeroUsed = true
			t.used++
		}
		t.zeroVal = value
		return nil
	}
	d := mix(key, t.seed)
	tg := tagOf(d)
	b0 := d & t.bucketMask
	b1 := altBucket(tg, b0, t.bucketMask)
	if debug {
		fmt.Printf("insert(%d): tag=%02x bucket0=%d bucket1=%d\n", key, uint8(tg), b0, b1)
	}

	// Overwrite if present. Both buckets must be scanned before concluding
	// absence.
	for i, b := 0, b0; ; i, b = i+1, b1 {
		for m := t.probe.matches(b, tg, key); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			if s := t.layout.slotAt(b, lane); s.key == key {
				s.value = value
				t.checkInvariants()
				return nil
			}
		}
		if i == 1 || b1 == b0 {
			break
		}
	}

	if err := t.place(tg, b0, b1, key, value); err != nil {
		return err
	}
	t.used++
	t.checkInvariants()
	return nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. Put grows the table as needed; its
// only failure mode is ErrCapacityOverflow.
func (t *Table[V]) Put(key uint64, value V) error {
	for {
		if t.used >= t.loadLimit() {
			if err := t.Resize(2 * int(t.bucketMask+1)); err != nil {
				return err
			}
		}
		err := t.Insert(key, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrFull) {
			return err
		}
		if err := t.Resize(2 * int(t.bucketMask+1)); err != nil {
			return err
		}
	}
}

// Delete deletes the entry for key, returning false if no such entry exists.
// Deleting clears the lane outright; cuckoo probing needs no tombstones.
func (t *Table[V]) Delete(key uint64) bool {
	if key == 0 {
		if !t.zeroUsed {
			return false
		}
		t.zeroUsed = false
		var zero V
		t.zeroVal = zero
		t.used--
		return true
	}
	d := mix(key, t.seed)
	tg := tagOf(d)
	b := d & t.bucketMask

	for i := 0; ; i++ {
		for m := t.probe.matches(b, tg, key); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			if s := t.layout.slotAt(b, lane); s.key == key {
				t.layout.setTag(b, lane, tagEmpty)
				*s = Slot[V]{}
				t.used--
				if debug {
					fmt.Printf("delete(%d): bucket=%d lane=%d used=%d\n", key, b, lane, t.used)
				}
				t.checkInvariants()
				return true
			}
		}
		if i == 1 {
			return false
		}
		b = altBucket(tg, b, t.bucketMask)
	}
}

// place writes a new entry known not to be in the table into an empty lane,
// evicting residents if both candidate buckets are full. Does not update
// used.
func (t *Table[V]) place(tg tag, b0, b1 uint64, key uint64, value V) error {
	if m := t.probe.empties(b0); m != 0 {
		t.writeSlot(b0, m.first(), tg, key, value)
		return nil
	}
	if m := t.probe.empties(b1); m != 0 {
		t.writeSlot(b1, m.first(), tg, key, value)
		return nil
	}
	return t.evict(b0, b1, tg, key, value)
}

func (t *Table[V]) writeSlot(b uint64, lane uint32, tg tag, key uint64, value V) {
	t.layout.setTag(b, lane, tg)
	*t.layout.slotAt(b, lane) = Slot[V]{key: key, value: value}
}

// evict runs the bounded breadth-first search for an eviction chain ending
// in an empty lane. Each occupied lane of a visited bucket names, via its
// stored tag, the alternate bucket its entry could relocate to; those
// alternates form the next level of the search. Entries move only after a
// terminating empty lane is found, so on ErrFull the table is untouched.
func (t *Table[V]) evict(b0, b1 uint64, tg tag, key uint64, value V) error {
	queue := t.evictQueue
	queue[0], queue[1] = uint32(b0), uint32(b1)

	for read := 0; read < len(queue); read++ {
		b := uint64(queue[read])
		if m := t.probe.empties(b); m != 0 {
			fb, flane := t.shiftChain(queue, read, m.first())
			t.writeSlot(fb, flane, tg, key, value)
			if debug {
				fmt.Printf("evict(%d): chain node=%d freed bucket=%d lane=%d\n", key, read, fb, flane)
			}
			return nil
		}
		write := read*groupSize + 2
		if write+groupSize <= len(queue) {
			for lane := uint32(0); lane < groupSize; lane++ {
				queue[write+int(lane)] = uint32(altBucket(t.layout.tagAt(b, lane), b, t.bucketMask))
			}
		}
	}
	return ErrFull
}

// shiftChain walks the eviction chain from the node with an empty lane back
// to one of the two root buckets, moving each parent entry down into its
// child bucket (which is that entry's alternate bucket by construction).
// It returns the freed root lane.
func (t *Table[V]) shiftChain(queue []uint32, node int, lane uint32) (uint64, uint32) {
	for node >= 2 {
		parent := (node - 2) / groupSize
		parentLane := uint32((node - 2) % groupSize)
		pb := uint64(queue[parent])
		cb := uint64(queue[node])

		ps := t.layout.slotAt(pb, parentLane)
		t.layout.setTag(cb, lane, t.layout.tagAt(pb, parentLane))
		*t.layout.slotAt(cb, lane) = *ps

		node, lane = parent, parentLane
	}
	return uint64(queue[node]), lane
}

// Resize replaces the table's backing arrays with ones sized for
// newBucketCount buckets (rounded up to a power of two) and reinserts every
// live entry. If the entries do not fit, the bucket count doubles and the
// rebuild restarts, so the final contents are independent of the growth
// factor chosen. Resize is atomic from the caller's point of view: on error
// the original arrays are untouched.
func (t *Table[V]) Resize(newBucketCount int) error {
	if newBucketCount < 1 {
		newBucketCount = 1
	}
	n := uint64(1) << bits.Len64(uint64(newBucketCount)-1)
	for {
		if n > maxBuckets {
			return ErrCapacityOverflow
		}
		err := t.rebuild(n)
		if err == nil {
			t.checkInvariants()
			return nil
		}
		if !errors.Is(err, ErrFull) {
			return err
		}
		n *= 2
	}
}

func (t *Table[V]) rebuild(buckets uint64) error {
	oldLayout, oldProbe, oldMask := t.layout, t.probe, t.bucketMask

	t.layout = newBucketLayout[V](t.layoutKind)
	t.layout.alloc(t.allocator, buckets)
	t.probe = bindProbe(t.probeKind, t.layoutKind, t.layout)
	t.bucketMask = buckets - 1

	for b := uint64(0); b <= oldMask; b++ {
		for m := matchFull(oldLayout.tagGroup(b)); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			s := oldLayout.slotAt(b, lane)
			d := mix(s.key, t.seed)
			tg := tagOf(d)
			nb0 := d & t.bucketMask
			if err := t.place(tg, nb0, altBucket(tg, nb0, t.bucketMask), s.key, s.value); err != nil {
				t.layout.release(t.allocator)
				t.layout, t.probe, t.bucketMask = oldLayout, oldProbe, oldMask
				return err
			}
		}
	}

	if debug {
		fmt.Printf("resize: buckets=%d->%d used=%d\n", oldMask+1, buckets, t.used)
	}
	oldLayout.release(t.allocator)
	return nil
}

// Clear removes all entries, retaining the current capacity.
func (t *Table[V]) Clear() {
	n := t.bucketMask + 1
	for b := uint64(0); b < n; b++ {
		for m := matchFull(t.layout.tagGroup(b)); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			t.layout.setTag(b, lane, tagEmpty)
			*t.layout.slotAt(b, lane) = Slot[V]{}
		}
	}
	t.used = 0
	t.zeroUsed = false
	var zero V
	t.zeroVal = zero
	t.checkInvariants()
}

// All calls yield for each entry in the table in unspecified order. If yield
// returns false, iteration stops. The table may be mutated during iteration,
// though mutations are not guaranteed to be visible to the iteration: the
// backing arrays are snapshotted, so entries relocated by a concurrent-in-
// iteration Resize are seen at their old positions.
func (t *Table[V]) All(yield func(key uint64, value V) bool) {
	if t.zeroUsed {
		if !yield(0, t.zeroVal) {
			return
		}
	}
	// Snapshot the layout so that iteration remains valid if the table is
	// resized during iteration.
	l := t.layout
	n := l.buckets()
	for b := uint64(0); b < n; b++ {
		for m := matchFull(l.tagGroup(b)); m != 0; {
			lane := m.first()
			m = m.remove(lane)
			s := l.slotAt(b, lane)
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// checkInvariants verifies the table's structural invariants. It compiles to
// nothing unless the invariants build tag is set.
func (t *Table[V]) checkInvariants() {
	if !invariants {
		return
	}
	seen := make(map[uint64]struct{})
	occupied := 0
	n := t.bucketMask + 1
	for b := uint64(0); b < n; b++ {
		for lane := uint32(0); lane < groupSize; lane++ {
			tg := t.layout.tagAt(b, lane)
			s := t.layout.slotAt(b, lane)
			if tg == tagEmpty {
				if s.key != 0 {
					panic(fmt.Sprintf("invariant failed: empty lane %d/%d holds key %d\n%s",
						b, lane, s.key, t.debugString()))
				}
				continue
			}
			occupied++
			d := mix(s.key, t.seed)
			if want := tagOf(d); tg != want {
				panic(fmt.Sprintf("invariant failed: bucket=%d lane=%d key=%d tag=%02x want=%02x\n%s",
					b, lane, s.key, uint8(tg), uint8(want), t.debugString()))
			}
			b0 := d & t.bucketMask
			b1 := altBucket(tg, b0, t.bucketMask)
			if b != b0 && b != b1 {
				panic(fmt.Sprintf("invariant failed: key=%d in bucket %d, candidates %d/%d\n%s",
					s.key, b, b0, b1, t.debugString()))
			}
			if _, ok := seen[s.key]; ok {
				panic(fmt.Sprintf("invariant failed: key %d stored twice\n%s", s.key, t.debugString()))
			}
			seen[s.key] = struct{}{}
		}
	}
	if t.zeroUsed {
		occupied++
	}
	if occupied != t.used {
		panic(fmt.Sprintf("invariant failed: found %d occupied slots, but used count is %d\n%s",
			occupied, t.used, t.debugString()))
	}
}

func (t *Table[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d used=%d layout=%s probe=%s\n",
		t.bucketMask+1, t.used, t.layoutKind, t.probeKind)
	n := t.bucketMask + 1
	for b := uint64(0); b < n; b++ {
		fmt.Fprintf(&buf, "  %4d:", b)
		for lane := uint32(0); lane < groupSize; lane++ {
			if tg := t.layout.tagAt(b, lane); tg == tagEmpty {
				fmt.Fprintf(&buf, " [empty]")
			} else {
				fmt.Fprintf(&buf, " [%02x %d]", uint8(tg), t.layout.slotAt(b, lane).key)
			}
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}
