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
	"math/bits"
	"strings"
)

const (
	debug = false

	// groupSize is the number of slots in a bucket, which is also the number
	// of tag bytes compared by one SWAR probe.
	groupSize = 8

	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// Each slot has a one-byte tag. An occupied slot stores the top 7 bits of the
// key's digest with the high bit set; an empty slot stores zero:
//
//	   empty: 0 0 0 0 0 0 0 0
//	occupied: 1 h h h h h h h  // h represents the digest's fingerprint bits
//
// There is no tombstone state: cuckoo probing always examines both candidate
// buckets, so a cleared slot never truncates another key's probe.
type tag uint8

const (
	tagEmpty    tag = 0
	tagOccupied tag = 0x80
)

// bitset marks matching lanes of a group with 0x80 in the corresponding byte.
// Iteration yields the lowest lane first, which keeps probe results
// reproducible across probe engine variants.
type bitset uint64

func (b bitset) first() uint32 {
	return uint32(bits.TrailingZeros64(uint64(b))) >> 3
}

func (b bitset) remove(lane uint32) bitset {
	return b &^ (bitset(0x80) << (lane << 3))
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// matchTag returns a bitset where each byte is 0x80 if the corresponding tag
// byte of group g equals t (and 0x00 otherwise).
func matchTag(g uint64, t tag) bitset {
	// NB: This SWAR routine can produce false positive matches. When a lane
	// matches, the borrow out of its (zero) byte rolls into the next byte
	// and flags it too if that byte differs from t only in its lowest bit.
	// For example: if g==...8081 and t==0x81, lane 0 matches and lane 1
	// (0x80) is flagged as well. False positives are a rare inefficiency,
	// not a correctness issue: tag equality is never treated as key equality
	// and every candidate lane is verified against the full key. An empty
	// byte (0x00) is never flagged because occupied tags always have the
	// high bit set, so v for an empty lane keeps its high bit.
	v := g ^ (bitsetLSB * uint64(t))
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that lane is vacant.
// A lane is vacant iff the tag's occupied bit is clear, so a wholly empty
// group reduces to a single zero test on the inverted mask.
func matchEmpty(g uint64) bitset {
	return bitset(^g & bitsetMSB)
}

// matchFull is the complement of matchEmpty.
func matchFull(g uint64) bitset {
	return bitset(g & bitsetMSB)
}
