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
	"fmt"

	"golang.org/x/sys/cpu"
)

// Probe selects the matching strategy used to scan a bucket. All strategies
// yield the same candidate lanes in the same order (lowest lane first); they
// trade instruction count against the number of cache lines touched.
type Probe uint8

const (
	// ProbeDefault picks a strategy for the host CPU and the chosen layout.
	ProbeDefault Probe = iota

	// Scalar compares tags one lane at a time with a branch per lane.
	// Lowest register traffic; competitive when the table is small enough
	// for branch prediction to stay reliable.
	Scalar

	// Direct skips the tag filter entirely and compares the target key
	// against the bucket's key words. Fewer instructions per verified hit,
	// but every probe touches 8 bytes per lane instead of 1.
	Direct

	// Indirect broadcasts the tag across a word and compares all lanes of
	// the tag group at once, yielding candidates via the match bitset.
	Indirect

	// Localized is Indirect bound to the Aligned layout's inline groups, so
	// a tag hit and its key verification never leave the bucket's region.
	// It is invalid to combine Localized with the Unaligned layout.
	Localized
)

func (p Probe) String() string {
	switch p {
	case ProbeDefault:
		return "default"
	case Scalar:
		return "scalar"
	case Direct:
		return "direct"
	case Indirect:
		return "indirect"
	case Localized:
		return "localized"
	}
	return "unknown"
}

// defaultProbe resolves ProbeDefault for the host CPU. The wide strategies
// assume cheap unaligned word loads; on CPUs where we can't confirm that,
// fall back to the scalar loop.
func defaultProbe(l Layout) Probe {
	if !cpu.X86.HasSSE2 && !cpu.ARM64.HasASIMD {
		return Scalar
	}
	if l == Aligned {
		return Localized
	}
	return Indirect
}

// probeEngine scans one bucket per call. Implementations return a finite,
// restartable bitset of lane indices, lowest lane first. A tag match is a
// candidate only: the caller must verify the key at each yielded lane.
type probeEngine[V any] interface {
	matches(b uint64, t tag, key uint64) bitset
	empties(b uint64) bitset
}

// bindProbe attaches a probe strategy to a layout instance. Called at table
// construction and again whenever a resize replaces the backing arrays.
func bindProbe[V any](p Probe, kind Layout, l bucketLayout[V]) probeEngine[V] {
	switch p {
	case Scalar:
		return scalarProbe[V]{l}
	case Direct:
		return directProbe[V]{l}
	case Indirect:
		return indirectProbe[V]{l}
	case Localized:
		al, ok := l.(*alignedLayout[V])
		if !ok {
			panic(fmt.Sprintf("cuckoo: localized probe requires the aligned layout, have %s", kind))
		}
		return localizedProbe[V]{al}
	}
	panic(fmt.Sprintf("cuckoo: unknown probe strategy %d", p))
}

// scalarProbe walks the lanes one tag at a time.
type scalarProbe[V any] struct {
	l bucketLayout[V]
}

func (p scalarProbe[V]) matches(b uint64, t tag, _ uint64) bitset {
	var m bitset
	for lane := uint32(0); lane < groupSize; lane++ {
		if p.l.tagAt(b, lane) == t {
			m |= bitset(0x80) << (lane << 3)
		}
	}
	return m
}

func (p scalarProbe[V]) empties(b uint64) bitset {
	var m bitset
	for lane := uint32(0); lane < groupSize; lane++ {
		if p.l.tagAt(b, lane) == tagEmpty {
			m |= bitset(0x80) << (lane << 3)
		}
	}
	return m
}

// directProbe compares keys, not tags. Emptiness is still read from the tag
// byte: an empty slot's key field is the zero sentinel, which would otherwise
// be indistinguishable from a stored key during relocation.
type directProbe[V any] struct {
	l bucketLayout[V]
}

func (p directProbe[V]) matches(b uint64, _ tag, key uint64) bitset {
	var m bitset
	for lane := uint32(0); lane < groupSize; lane++ {
		if p.l.slotAt(b, lane).key == key {
			m |= bitset(0x80) << (lane << 3)
		}
	}
	return m
}

func (p directProbe[V]) empties(b uint64) bitset {
	return matchEmpty(p.l.tagGroup(b))
}

// indirectProbe does the SWAR broadcast compare over the layout's tag group.
type indirectProbe[V any] struct {
	l bucketLayout[V]
}

func (p indirectProbe[V]) matches(b uint64, t tag, _ uint64) bitset {
	return matchTag(p.l.tagGroup(b), t)
}

func (p indirectProbe[V]) empties(b uint64) bitset {
	return matchEmpty(p.l.tagGroup(b))
}

// localizedProbe is the SWAR compare specialized to the aligned layout.
// Holding the concrete type lets the group load inline with no dispatch, and
// the subsequent key verification lands in the same Group the tag load just
// brought into cache.
type localizedProbe[V any] struct {
	l *alignedLayout[V]
}

func (p localizedProbe[V]) matches(b uint64, t tag, _ uint64) bitset {
	return matchTag(p.l.tagGroup(b), t)
}

func (p localizedProbe[V]) empties(b uint64) bitset {
	return matchEmpty(p.l.tagGroup(b))
}
