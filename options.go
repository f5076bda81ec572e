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

// option provides an interface to do work on a Table while it is being
// created.
type option[V any] interface {
	apply(t *Table[V])
}

type layoutOption[V any] struct {
	layout Layout
}

func (op layoutOption[V]) apply(t *Table[V]) {
	t.layoutKind = op.layout
}

// WithLayout is an option to select the bucket memory layout for a Table.
// The default is Aligned.
func WithLayout[V any](layout Layout) option[V] {
	return layoutOption[V]{layout}
}

type probeOption[V any] struct {
	probe Probe
}

func (op probeOption[V]) apply(t *Table[V]) {
	t.probeKind = op.probe
}

// WithProbe is an option to select the probe strategy for a Table. The
// default picks a strategy for the host CPU and the chosen layout.
// Combining Localized with the Unaligned layout panics.
func WithProbe[V any](probe Probe) option[V] {
	return probeOption[V]{probe}
}

type seedOption[V any] struct {
	seed uint64
}

func (op seedOption[V]) apply(t *Table[V]) {
	t.seed = op.seed
}

// WithSeed is an option to fix the hash seed of a Table. By default each
// Table perturbs its hash function with a random seed so that adversarial
// key sets cannot cluster across runs; fixing the seed makes bucket
// placement reproducible, which is useful in tests.
func WithSeed[V any](seed uint64) option[V] {
	return seedOption[V]{seed}
}

type evictDepthOption[V any] struct {
	depth int
}

func (op evictDepthOption[V]) apply(t *Table[V]) {
	t.evictDepth = op.depth
}

// WithMaxEvictionDepth is an option to bound how far an insert will search
// for an eviction chain. The search inspects the two candidate buckets and
// the complete trees of relocation targets beneath them down to depth levels,
// so insertion cost is bounded by a constant independent of table size.
// Smaller depths fail (or grow, under Put) sooner at high load factors;
// larger depths tolerate more load per resize. The default is 3. Depths
// outside [1, 6] panic.
func WithMaxEvictionDepth[V any](depth int) option[V] {
	return evictDepthOption[V]{depth}
}

// Allocator specifies an interface for allocating and releasing the memory
// backing a Table. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// The Aligned layout allocates Groups; the Unaligned layout allocates a tag
// array and a slot array. Every Alloc* method must return zeroed memory, as
// a zero tag byte is the empty-slot sentinel.
//
// If the allocator is manually managing memory then Table.Close must be
// called in order to ensure the Free* methods are called.
type Allocator[V any] interface {
	// AllocGroups should return a slice equivalent to make([]Group[V], n).
	AllocGroups(n int) []Group[V]

	// AllocTags should return a slice equivalent to make([]uint8, n).
	AllocTags(n int) []uint8

	// AllocSlots should return a slice equivalent to make([]Slot[V], n).
	AllocSlots(n int) []Slot[V]

	// FreeGroups can optionally release memory that is guaranteed to have
	// been allocated by AllocGroups.
	FreeGroups(v []Group[V])

	// FreeTags can optionally release memory that is guaranteed to have been
	// allocated by AllocTags.
	FreeTags(v []uint8)

	// FreeSlots can optionally release memory that is guaranteed to have
	// been allocated by AllocSlots.
	FreeSlots(v []Slot[V])
}

type defaultAllocator[V any] struct{}

func (defaultAllocator[V]) AllocGroups(n int) []Group[V] {
	return make([]Group[V], n)
}

func (defaultAllocator[V]) AllocTags(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[V]) AllocSlots(n int) []Slot[V] {
	return make([]Slot[V], n)
}

func (defaultAllocator[V]) FreeGroups(v []Group[V]) {
}

func (defaultAllocator[V]) FreeTags(v []uint8) {
}

func (defaultAllocator[V]) FreeSlots(v []Slot[V]) {
}

type allocatorOption[V any] struct {
	allocator Allocator[V]
}

func (op allocatorOption[V]) apply(t *Table[V]) {
	t.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Table.
func WithAllocator[V any](allocator Allocator[V]) option[V] {
	return allocatorOption[V]{allocator}
}
