/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rohc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/rohc/header"
)

func TestIpIDRndDetection(t *testing.T) {
	s := newIPIDState(8)
	assert.True(t, s.nbo)
	assert.False(t, s.rnd)

	// sequential IDs keep RND off
	sn := uint32(100)
	for id := uint16(500); id < 510; id++ {
		assert.False(t, s.observe(id, sn))
		sn++
	}

	// four steps that look sequential in neither byte order flip RND
	flips := 0
	for _, id := range []uint16{0x9a31, 0x1fc4, 0x77aa, 0x3bd2} {
		if s.observe(id, sn) {
			flips++
		}
		sn++
	}
	assert.Equal(t, 1, flips)
	assert.True(t, s.rnd)

	// a long sequential run clears it again
	flips = 0
	for id := uint16(0x4000); id < 0x4008; id++ {
		if s.observe(id, sn) {
			flips++
		}
		sn++
	}
	assert.Equal(t, 1, flips)
	assert.False(t, s.rnd)
}

func TestIpIDNboDetection(t *testing.T) {
	s := newIPIDState(8)
	sn := uint32(0)
	// a little-endian counter crossing the low-byte boundary: steps
	// are sequential only after a byte swap
	ids := []uint16{0xfe00, 0xff00, 0x0001, 0x0101, 0x0201, 0x0301}
	flipped := false
	for _, id := range ids {
		if s.observe(id, sn) {
			flipped = true
		}
		sn++
	}
	assert.True(t, flipped)
	assert.False(t, s.nbo)
	assert.False(t, s.rnd)
	// under NBO=0 the logical value is the swapped one
	assert.Equal(t, uint16(0x0103), s.value(0x0301))
}

func TestTsStrideDetection(t *testing.T) {
	s := newTsState(8)
	assert.False(t, s.observe(1000))
	assert.False(t, s.observe(1160))
	assert.False(t, s.observe(1320))
	// third equal delta establishes the stride and reports the change
	assert.True(t, s.observe(1480))
	assert.True(t, s.scaledOk)
	assert.Equal(t, uint32(160), s.stride)
	assert.Equal(t, uint32(1480/160), s.scaled)
	assert.Equal(t, uint32(1480%160), s.offset)

	// a delta off the stride grid breaks scaled mode
	assert.True(t, s.observe(1480+167))
	assert.False(t, s.scaledOk)
}

func TestLruTable(t *testing.T) {
	l := newLruTable(4)
	require.Equal(t, 0, l.free())
	l.touch(0)
	l.touch(1)
	l.touch(2)
	l.touch(3)
	assert.Equal(t, -1, l.free())

	// 0 is now least recently used
	assert.Equal(t, 0, l.evict())
	l.touch(0)
	l.touch(1) // 2 becomes LRU
	assert.Equal(t, 2, l.evict())
	l.release(3)
	assert.Equal(t, 2, l.free())
}

func TestCopyHeadersIsDeep(t *testing.T) {
	v4 := &header.IPv4{TTL: 64, Protocol: header.ProtoUDP}
	h := &header.Headers{
		Inner: header.IP{V4: v4},
		Udp:   &header.UDP{SrcPort: 1, DstPort: 2},
		Rtp:   &header.RTP{Sn: 10, Csrc: []uint32{42}},
	}
	snap := copyHeaders(h)
	h.Inner.V4.TTL = 1
	h.Rtp.Sn = 9999
	h.Rtp.Csrc[0] = 7
	assert.Equal(t, uint8(64), snap.Inner.V4.TTL)
	assert.Equal(t, uint16(10), snap.Rtp.Sn)
	assert.Equal(t, uint32(42), snap.Rtp.Csrc[0])
}
