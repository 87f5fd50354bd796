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
	"github.com/facebook/rohc/header"
	"github.com/facebook/rohc/wlsb"
)

// flowKey is the profile-defined classifier of a flow. Comparable so it
// can key the context lookup map.
type flowKey struct {
	profile  ProfileID
	v4       bool
	src, dst [16]byte
	hasOuter bool
	oV4      bool
	oSrc     [16]byte
	oDst     [16]byte
	proto    uint8
	srcPort  uint16
	dstPort  uint16
	flow     uint32
}

func ipKey(ip *header.IP) (src, dst [16]byte, v4 bool, flow uint32) {
	if ip.V4 != nil {
		copy(src[:], ip.V4.Src[:])
		copy(dst[:], ip.V4.Dst[:])
		return src, dst, true, 0
	}
	return ip.V6.Src, ip.V6.Dst, false, ip.V6.FlowLabel
}

func keyOf(profile ProfileID, h *header.Headers) flowKey {
	k := flowKey{profile: profile}
	k.src, k.dst, k.v4, k.flow = ipKey(&h.Inner)
	k.proto = h.Inner.Proto()
	if h.Outer != nil {
		k.hasOuter = true
		k.oSrc, k.oDst, k.oV4, _ = ipKey(h.Outer)
	}
	if h.Udp != nil {
		k.srcPort = h.Udp.SrcPort
		k.dstPort = h.Udp.DstPort
	}
	// SSRC and SPI stay out of the key: a new stream on the same
	// tuple refreshes the existing context through IR instead of
	// claiming a second CID
	return k
}

// ipIDState tracks the behavior of one IPv4 identification field: its
// offset from SN (W-LSB encoded), whether it looks random (RND) and
// whether it is carried in network byte order (NBO).
type ipIDState struct {
	rnd     bool
	nbo     bool
	window   *wlsb.Window
	lastID   uint16
	lastSn   uint32
	nonMono  int
	mono     int
	swapMono int
	init     bool
}

func newIPIDState(windowWidth int) *ipIDState {
	return &ipIDState{nbo: true, window: wlsb.NewWindow(windowWidth)}
}

// value returns the ID as used for offset encoding, byte-swapped when
// the flow sends little-endian IDs.
func (s *ipIDState) value(id uint16) uint16 {
	if s.nbo {
		return id
	}
	return id<<8 | id>>8
}

// offset is the W-LSB encoded quantity: ID - SN for sequential IDs.
func (s *ipIDState) offset(id uint16, sn uint32) uint16 {
	return s.value(id) - uint16(sn)
}

// sequentialStep reports whether a modular ID delta looks like the
// small positive increment of a per-packet counter.
func sequentialStep(d uint16) bool { return d >= 1 && d <= 0xff }

// observe updates RND/NBO detection with a new ID and reports whether
// either flag flipped, which forces a context refresh.
func (s *ipIDState) observe(id uint16, sn uint32) (flipped bool) {
	if !s.init {
		s.init = true
		s.lastID = id
		s.lastSn = sn
		return false
	}
	defer func() {
		s.lastID = id
		s.lastSn = sn
	}()
	dCur := s.value(id) - s.value(s.lastID)
	if sequentialStep(dCur) {
		s.nonMono = 0
		s.swapMono = 0
		s.mono++
		if s.rnd && s.mono >= rndThreshold {
			s.rnd = false
			s.window.Clear()
			return true
		}
		return false
	}
	s.mono = 0
	// not sequential in the current byte order: a consistent small
	// step in the other order means the field is byte swapped, not
	// random
	swap := func(v uint16) uint16 { return v<<8 | v>>8 }
	dSwap := swap(s.value(id)) - swap(s.value(s.lastID))
	if !s.rnd && sequentialStep(dSwap) {
		s.swapMono++
		s.nonMono = 0
		if s.swapMono >= rndThreshold {
			s.nbo = !s.nbo
			s.swapMono = 0
			s.window.Clear()
			return true
		}
		return false
	}
	s.swapMono = 0
	s.nonMono++
	if !s.rnd && s.nonMono >= rndThreshold {
		s.rnd = true
		s.nonMono = 0
		s.window.Clear()
		return true
	}
	return false
}

// tsState tracks RTP timestamp stride detection and scaled encoding.
type tsState struct {
	stride    uint32
	offset    uint32
	scaled    uint32
	window    *wlsb.Window
	lastTs    uint32
	candidate uint32
	seen      int
	scaledOk  bool
	init      bool
}

func newTsState(windowWidth int) *tsState {
	return &tsState{window: wlsb.NewWindow(windowWidth)}
}

// observe feeds a new TS. It reports whether scaled mode was just
// established or just broke; either change demotes the context to FO
// so that an IR-DYN carries the new TS encoding to the peer.
func (s *tsState) observe(ts uint32) (broke bool) {
	if !s.init {
		s.init = true
		s.lastTs = ts
		return false
	}
	delta := ts - s.lastTs
	s.lastTs = ts
	if delta == 0 {
		return false
	}
	if delta == s.candidate {
		s.seen++
	} else {
		s.candidate = delta
		s.seen = 1
	}
	if s.scaledOk {
		if delta%s.stride != 0 {
			s.scaledOk = false
			s.seen = 1
			s.window.Clear()
			return true
		}
		s.scaled = ts / s.stride
		s.offset = ts % s.stride
		return false
	}
	if s.seen >= strideThreshold {
		// entering scaled mode changes how TS travels on the wire,
		// the peer must learn the stride before SO packets rely on it
		s.establish(s.candidate, ts)
		return true
	}
	return false
}

func (s *tsState) establish(stride, ts uint32) {
	s.stride = stride
	s.scaled = ts / stride
	s.offset = ts % stride
	s.scaledOk = true
	s.window.Clear()
}

// contextBase is the state shared by compressor and decompressor
// contexts.
type contextBase struct {
	cid      uint16
	profile  *profileHandler
	mode     Mode
	hdr      *header.Headers
	sn       uint32
	lastUsed uint64
}

// copyHeaders deep-copies a header chain so context snapshots do not
// alias caller buffers.
func copyHeaders(h *header.Headers) *header.Headers {
	c := &header.Headers{}
	cpIP := func(ip *header.IP) header.IP {
		out := header.IP{}
		if ip.V4 != nil {
			v := *ip.V4
			out.V4 = &v
		}
		if ip.V6 != nil {
			v := *ip.V6
			out.V6 = &v
		}
		return out
	}
	c.Inner = cpIP(&h.Inner)
	if h.Outer != nil {
		o := cpIP(h.Outer)
		c.Outer = &o
	}
	if h.Udp != nil {
		u := *h.Udp
		c.Udp = &u
	}
	if h.Rtp != nil {
		r := *h.Rtp
		r.Csrc = append([]uint32(nil), h.Rtp.Csrc...)
		c.Rtp = &r
	}
	if h.Esp != nil {
		e := *h.Esp
		c.Esp = &e
	}
	return c
}

// lruTable is the CID-indexed context slot table with an intrusive
// doubly-linked LRU over slot indices. Index links keep allocation
// stable: no pointers invalidate when slots recycle.
type lruTable struct {
	next []int
	prev []int
	used []bool
	head int // most recent
	tail int // least recent
	n    int
}

func newLruTable(slots int) *lruTable {
	t := &lruTable{
		next: make([]int, slots),
		prev: make([]int, slots),
		used: make([]bool, slots),
		head: -1,
		tail: -1,
	}
	for i := range t.next {
		t.next[i] = -1
		t.prev[i] = -1
	}
	return t
}

func (t *lruTable) unlink(i int) {
	if t.prev[i] >= 0 {
		t.next[t.prev[i]] = t.next[i]
	} else if t.head == i {
		t.head = t.next[i]
	}
	if t.next[i] >= 0 {
		t.prev[t.next[i]] = t.prev[i]
	} else if t.tail == i {
		t.tail = t.prev[i]
	}
	t.next[i] = -1
	t.prev[i] = -1
}

// touch marks slot i most recently used, allocating it if needed.
func (t *lruTable) touch(i int) {
	if t.used[i] {
		t.unlink(i)
	} else {
		t.used[i] = true
		t.n++
	}
	t.next[i] = t.head
	t.prev[i] = -1
	if t.head >= 0 {
		t.prev[t.head] = i
	}
	t.head = i
	if t.tail < 0 {
		t.tail = i
	}
}

// evict releases the least recently used slot and returns its index,
// or -1 when the table is empty.
func (t *lruTable) evict() int {
	i := t.tail
	if i < 0 {
		return -1
	}
	t.release(i)
	return i
}

// release frees slot i.
func (t *lruTable) release(i int) {
	if !t.used[i] {
		return
	}
	t.unlink(i)
	t.used[i] = false
	t.n--
}

// free returns an unused slot index, or -1 when all are allocated.
func (t *lruTable) free() int {
	for i, u := range t.used {
		if !u {
			return i
		}
	}
	return -1
}
