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

	"github.com/stretchr/testify/require"
)

func laneIn(m bitset, lane uint32) bool {
	return m&(bitset(0x80)<<(lane<<3)) != 0
}

// TestProbeEngines fills both layouts with identical contents and checks the
// engines against each other: identical empty lanes, and every lane actually
// holding the probed key yielded by every engine. Engines may additionally
// yield tag-collision candidates; those are legal and are filtered by key
// verification in the table.
func TestProbeEngines(t *testing.T) {
	const buckets = 16
	rng := rand.New(rand.NewPCG(13, 14))

	for _, kind := range []Layout{Aligned, Unaligned} {
		t.Run(kind.String(), func(t *testing.T) {
			a := defaultAllocator[int]{}
			l := newBucketLayout[int](kind)
			l.alloc(a, buckets)
			defer l.release(a)

			type entry struct {
				b    uint64
				lane uint32
				tg   tag
				key  uint64
			}
			var entries []entry
			for b := uint64(0); b < buckets; b++ {
				for lane := uint32(0); lane < groupSize; lane++ {
					if rng.IntN(3) == 0 {
						continue
					}
					key := rng.Uint64() | 1
					tg := tagOf(mix(key, 0))
					l.setTag(b, lane, tg)
					l.slotAt(b, lane).key = key
					entries = append(entries, entry{b, lane, tg, key})
				}
			}

			probes := []Probe{Scalar, Direct, Indirect}
			if kind == Aligned {
				probes = append(probes, Localized)
			}
			engines := make(map[Probe]probeEngine[int])
			for _, p := range probes {
				engines[p] = bindProbe(p, kind, l)
			}

			for b := uint64(0); b < buckets; b++ {
				want := engines[Scalar].empties(b)
				for _, p := range probes {
					require.Equal(t, want, engines[p].empties(b), "bucket %d probe %s", b, p)
				}
			}

			for _, e := range entries {
				for _, p := range probes {
					m := engines[p].matches(e.b, e.tg, e.key)
					require.True(t, laneIn(m, e.lane),
						"probe %s missed key %d in bucket %d lane %d", p, e.key, e.b, e.lane)
					// Every yielded lane must be occupied.
					for m != 0 {
						lane := m.first()
						m = m.remove(lane)
						require.NotEqual(t, tagEmpty, l.tagAt(e.b, lane),
							"probe %s yielded empty lane %d", p, lane)
					}
				}
				// Scalar yields exact tag equality, nothing else.
				m := engines[Scalar].matches(e.b, e.tg, e.key)
				for lane := uint32(0); lane < groupSize; lane++ {
					require.Equal(t, l.tagAt(e.b, lane) == e.tg, laneIn(m, lane))
				}
			}

			// A key absent from a bucket may still draw tag candidates, but
			// Direct, which compares keys, must yield nothing.
			for b := uint64(0); b < buckets; b++ {
				absent := rng.Uint64() | 1
				m := engines[Direct].matches(b, tagOf(mix(absent, 0)), absent)
				require.Zero(t, m, "direct probe matched absent key in bucket %d", b)
			}
		})
	}
}

func TestDefaultProbe(t *testing.T) {
	// Whatever the host CPU, the resolved strategy must be concrete and
	// legal for the layout.
	for _, kind := range []Layout{Aligned, Unaligned} {
		p := defaultProbe(kind)
		require.NotEqual(t, ProbeDefault, p)
		if kind == Unaligned {
			require.NotEqual(t, Localized, p)
		}
	}

	tbl := New[int](8, WithLayout[int](Unaligned))
	defer tbl.Close()
	require.NoError(t, tbl.Put(1, 1))
}
