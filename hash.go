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

import "math/bits"

// foldMul is the multiplicative constant shared by the hash mixer and the
// alternate-bucket scramble. Any odd constant with a roughly even bit
// population works; this one is borrowed from the fold-hash family.
const foldMul = 0x2d358dccaa6c78a5

// mix produces a 64-bit digest of key. The key is XORed with the per-table
// seed, multiplied out to a 128-bit product, and the two halves are folded
// together so that every input bit influences every output bit. The digest
// feeds both the tag and the primary bucket index and is never stored.
func mix(key, seed uint64) uint64 {
	hi, lo := bits.Mul64(key^seed, foldMul)
	return hi ^ lo
}

// tagOf extracts the 7-bit fingerprint from the top of a digest and sets the
// high bit to mark the slot occupied. Stored tags are therefore in
// [0x80, 0xff] and can never collide with tagEmpty (0x00), so no separate
// validity bit is needed and the SWAR scans stay branch-light.
func tagOf(digest uint64) tag {
	return tag(digest>>57) | tagOccupied
}

// scramble mixes a stored tag through the multiplicative constant and rotates
// the halves together. The result perturbs a bucket index into its partner
// index; see altBucket.
func scramble(t tag) uint64 {
	return bits.RotateLeft64(uint64(t)*foldMul, 32)
}

// altBucket returns the other candidate bucket for an entry given only its
// stored tag and one of its candidate buckets. The XOR makes the relation an
// involution: altBucket(t, altBucket(t, b, mask), mask) == b, so an eviction
// walk can bounce an entry between its two buckets indefinitely without ever
// rehashing the key (the digest is not stored; the tag is).
func altBucket(t tag, b, mask uint64) uint64 {
	return b ^ (scramble(t) & mask)
}
