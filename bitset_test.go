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
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func groupWord(tags [groupSize]uint8) uint64 {
	return *(*uint64)(unsafe.Pointer(&tags))
}

func TestMatchTag(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	for i := 0; i < 10000; i++ {
		var tags [groupSize]uint8
		for lane := range tags {
			if rng.IntN(2) == 0 {
				tags[lane] = uint8(tagOccupied) | uint8(rng.Uint64N(128))
			}
		}
		target := tagOccupied | tag(rng.Uint64N(128))

		m := matchTag(groupWord(tags), target)
		for lane := uint32(0); lane < groupSize; lane++ {
			set := m&(bitset(0x80)<<(lane<<3)) != 0
			if tags[lane] == uint8(target) {
				require.True(t, set, "lane %d of %v missing for %02x", lane, tags, uint8(target))
			} else if set {
				// False positives are permitted by the SWAR subtraction,
				// but never on an empty lane.
				require.NotZero(t, tags[lane]&uint8(tagOccupied),
					"empty lane %d of %v flagged for %02x", lane, tags, uint8(target))
			}
		}
	}
}

func TestMatchTagFalsePositive(t *testing.T) {
	// A matched byte followed by a byte differing from the target only in
	// its low bit is the known false-positive shape: the borrow out of the
	// matched byte rolls into the neighbor.
	var tags [groupSize]uint8
	tags[0] = 0x81
	tags[1] = 0x80
	m := matchTag(groupWord(tags), 0x81)
	require.EqualValues(t, 0, m.first())
	m = m.remove(0)
	require.NotZero(t, m)
	require.EqualValues(t, 1, m.first())
	require.Zero(t, m.remove(1))
}

func TestMatchEmpty(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	for i := 0; i < 10000; i++ {
		var tags [groupSize]uint8
		for lane := range tags {
			if rng.IntN(2) == 0 {
				tags[lane] = uint8(tagOccupied) | uint8(rng.Uint64N(128))
			}
		}
		g := groupWord(tags)
		empty, full := matchEmpty(g), matchFull(g)
		require.EqualValues(t, 0, empty&full)
		for lane := uint32(0); lane < groupSize; lane++ {
			bit := bitset(0x80) << (lane << 3)
			if tags[lane] == uint8(tagEmpty) {
				require.NotZero(t, empty&bit)
			} else {
				require.NotZero(t, full&bit)
			}
		}
	}
}

func TestBitsetIteration(t *testing.T) {
	// first/remove drains lanes lowest-first.
	var tags [groupSize]uint8
	for _, lane := range []int{1, 3, 6} {
		tags[lane] = 0x85
	}
	m := matchTag(groupWord(tags), 0x85)
	var lanes []uint32
	for m != 0 {
		lane := m.first()
		lanes = append(lanes, lane)
		m = m.remove(lane)
	}
	require.Equal(t, []uint32{1, 3, 6}, lanes)
}

func TestBitsetString(t *testing.T) {
	var tags [groupSize]uint8
	tags[0] = 0x90
	tags[7] = 0x90
	m := matchTag(groupWord(tags), 0x90)
	require.Equal(t, "10000001", m.String())
}
