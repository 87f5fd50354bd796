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
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/rohc/crc"
	"github.com/facebook/rohc/header"
	"github.com/facebook/rohc/packet"
	"github.com/facebook/rohc/stats"
	"github.com/facebook/rohc/wlsb"
)

// compContext is the compressor side of one flow context.
type compContext struct {
	contextBase
	key   flowKey
	state CompState

	snWindow *wlsb.Window
	innerID  *ipIDState
	outerID  *ipIDState
	ts       *tsState

	udpChecksumUsed bool

	// CRC-STATIC of the IR header prefix, cached until the static
	// chain changes (RFC 4815 section 7)
	irStaticCrc   uint8
	irStaticCrcOk bool

	irSends int
	foSends int
	sinceIR int
	sinceFO int
}

// Compressor is the compression half of a ROHC channel.
type Compressor struct {
	cidType  packet.CidType
	maxCid   uint16
	enabled  map[ProfileID]bool
	contexts []*compContext
	byKey    map[flowKey]uint16
	lru      *lruTable

	windowWidth int
	l           int
	irTimeout   int
	foTimeout   int
	mrru        int
	segSize     int

	scratch   []byte
	hdrBuf    []byte
	fbQueue   [][]byte
	counters  *stats.Counters
	trace     TraceFunc
	rnd       RandFunc
	clock     ClockFunc
	rtpDetect func(*header.Headers) bool
	tick      uint64
}

// NewCompressor returns a compressor for a channel with the given CID
// space and enabled profiles. The Uncompressed profile is always on.
func NewCompressor(maxCid uint16, cidType packet.CidType, profiles ...ProfileID) (*Compressor, error) {
	if cidType == packet.CidSmall && maxCid > packet.MaxSmallCid {
		return nil, fmt.Errorf("rohc: max CID %d exceeds small-CID space", maxCid)
	}
	if maxCid > packet.MaxLargeCid {
		return nil, fmt.Errorf("rohc: max CID %d exceeds large-CID space", maxCid)
	}
	c := &Compressor{
		cidType:     cidType,
		maxCid:      maxCid,
		enabled:     map[ProfileID]bool{ProfileUncompressed: true},
		contexts:    make([]*compContext, int(maxCid)+1),
		byKey:       map[flowKey]uint16{},
		lru:         newLruTable(int(maxCid) + 1),
		windowWidth: wlsb.DefaultWidth,
		l:           DefaultL,
		irTimeout:   DefaultIRTimeout,
		foTimeout:   DefaultFOTimeout,
		scratch:     make([]byte, 0, 2048),
		hdrBuf:      make([]byte, 0, 128),
		counters:    &stats.Counters{},
		rnd:         defaultRand,
		rtpDetect:   defaultRtpDetector,
	}
	for _, p := range profiles {
		if err := c.EnableProfile(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EnableProfile turns a profile on.
func (c *Compressor) EnableProfile(p ProfileID) error {
	if _, ok := profileHandlers[p]; !ok {
		return fmt.Errorf("rohc: profile %s (0x%04x) not implemented", p, uint16(p))
	}
	c.enabled[p] = true
	return nil
}

// SetMRRU sets the maximum reconstructed reception unit; 0 disables
// segmentation.
func (c *Compressor) SetMRRU(n int) { c.mrru = n }

// SetSegmentSize sets the per-segment payload bound used when an
// output packet must be segmented. 0 disables segmentation on output.
func (c *Compressor) SetSegmentSize(n int) { c.segSize = n }

// SetWindowWidth sets the W-LSB window capacity for new contexts.
func (c *Compressor) SetWindowWidth(w int) { c.windowWidth = w }

// SetPeriodicRefresh overrides the IR and FO refresh packet counters.
func (c *Compressor) SetPeriodicRefresh(ir, fo int) {
	c.irTimeout = ir
	c.foTimeout = fo
}

// SetOptimism overrides the optimistic transmission count L.
func (c *Compressor) SetOptimism(l int) { c.l = l }

// SetTrace installs a trace callback; nil restores the logrus default.
func (c *Compressor) SetTrace(f TraceFunc) { c.trace = f }

// SetRand installs the RNG used for generated initial SNs.
func (c *Compressor) SetRand(f RandFunc) { c.rnd = f }

// SetClock installs the optional wall clock.
func (c *Compressor) SetClock(f ClockFunc) { c.clock = f }

// SetRtpDetector replaces the heuristic deciding which UDP flows are
// RTP.
func (c *Compressor) SetRtpDetector(f func(*header.Headers) bool) { c.rtpDetect = f }

// Stats exposes the engine counters.
func (c *Compressor) Stats() *stats.Counters { return c.counters }

func (c *Compressor) tracef(format string, args ...interface{}) {
	if c.trace != nil {
		c.trace(format, args...)
		return
	}
	log.Debugf(format, args...)
}

// Flush destroys the context with the given CID.
func (c *Compressor) Flush(cid uint16) {
	if int(cid) >= len(c.contexts) || c.contexts[cid] == nil {
		return
	}
	delete(c.byKey, c.contexts[cid].key)
	c.contexts[cid] = nil
	c.lru.release(int(cid))
}

// classify maps a packet to a profile and its parsed headers. A nil
// Headers means the packet is not compressible at all.
func (c *Compressor) classify(pkt []byte) (*profileHandler, *header.Headers) {
	h, err := header.Parse(pkt, false)
	if err != nil {
		return profileHandlers[ProfileUncompressed], nil
	}
	for _, pid := range profileOrder {
		if !c.enabled[pid] {
			continue
		}
		ph := profileHandlers[pid]
		if pid == ProfileRTP {
			if !c.rtpDetect(h) {
				continue
			}
			rh, err := header.Parse(pkt, true)
			if err != nil {
				continue
			}
			return ph, rh
		}
		if ph.classify == nil || ph.classify(h) {
			if pid == ProfileUncompressed {
				return ph, nil
			}
			if pid == ProfileIP {
				// the IP-only profile leaves the transport header
				// in the payload
				ih, err := header.ParseIPOnly(pkt)
				if err != nil {
					continue
				}
				return ph, ih
			}
			return ph, h
		}
	}
	return profileHandlers[ProfileUncompressed], nil
}

// lookup finds or creates the context for a flow. When every slot is
// taken it evicts the least recently used context; it returns nil only
// when no slot can be evicted.
func (c *Compressor) lookup(ph *profileHandler, h *header.Headers) *compContext {
	key := flowKey{profile: ph.id}
	if h != nil {
		key = keyOf(ph.id, h)
	}
	if cid, ok := c.byKey[key]; ok {
		ctx := c.contexts[cid]
		c.lru.touch(int(cid))
		return ctx
	}
	slot := c.lru.free()
	if slot < 0 {
		slot = c.lru.evict()
		if slot < 0 {
			return nil
		}
		evicted := c.contexts[slot]
		c.tracef("evicting CID %d (profile %s)", evicted.cid, evicted.profile.id)
		delete(c.byKey, evicted.key)
		c.contexts[slot] = nil
		c.counters.ContextsEvicted.Add(1)
	}
	ctx := &compContext{
		contextBase: contextBase{
			cid:     uint16(slot),
			profile: ph,
			mode:    ModeU,
		},
		key:      key,
		state:    StateIR,
		snWindow: wlsb.NewWindow(c.windowWidth),
	}
	if ph.generatedSn {
		ctx.sn = c.rnd() & 0xffff
	}
	if h != nil {
		if h.Inner.V4 != nil {
			ctx.innerID = newIPIDState(c.windowWidth)
		}
		if h.Outer != nil && h.Outer.V4 != nil {
			ctx.outerID = newIPIDState(c.windowWidth)
		}
	}
	if ph.rtp {
		ctx.ts = newTsState(c.windowWidth)
	}
	c.contexts[slot] = ctx
	c.byKey[key] = uint16(slot)
	c.lru.touch(slot)
	c.counters.ContextsCreated.Add(1)
	c.tracef("created CID %d for profile %s", slot, ph.id)
	return ctx
}

// snP returns the SN offset function for the context's mode.
func snP(m Mode) wlsb.P {
	if m == ModeR {
		return func(uint) int64 { return -1 }
	}
	return wlsb.PSn
}

// Compress compresses one packet. Queued feedback is piggybacked in
// front of the output.
func (c *Compressor) Compress(pkt []byte) ([]byte, Status, error) {
	if len(pkt) == 0 {
		c.counters.Malformed.Add(1)
		return nil, Malformed, nil
	}
	c.tick++
	c.counters.Packets.Add(1)
	w := packet.NewWriter(c.scratch)
	for _, fb := range c.fbQueue {
		w.Put(fb)
	}
	c.fbQueue = c.fbQueue[:0]

	ph, h := c.classify(pkt)
	ctx := c.lookup(ph, h)
	if ctx == nil {
		c.counters.NoContext.Add(1)
		if w.Len() > 0 {
			out := w.Bytes()
			c.scratch = out[:0]
			return out, NoContext, nil
		}
		return nil, NoContext, nil
	}
	ctx.lastUsed = c.tick

	var err error
	if ph.id == ProfileUncompressed {
		err = c.compressUncompressed(w, ctx, pkt)
	} else {
		err = c.compressFlow(w, ctx, h, pkt)
	}
	if err != nil {
		return nil, InternalError, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	out := w.Bytes()
	c.scratch = out[:0]
	if c.segSize > 0 && c.mrru > 0 && w.Len() > c.segSize {
		return c.segment(out)
	}
	return out, OK, nil
}

// segment splits an oversized output packet into ROHC segments.
func (c *Compressor) segment(out []byte) ([]byte, Status, error) {
	segs := packet.Split(out, c.segSize, c.mrru)
	if segs == nil {
		// unit exceeds MRRU, ship it whole
		return out, OK, nil
	}
	sw := packet.NewWriter(make([]byte, 0, len(out)+len(segs)))
	for i, s := range segs {
		sw.PutU8(packet.SegmentType(i == len(segs)-1))
		sw.Put(s)
		c.counters.Segments.Add(1)
	}
	return sw.Bytes(), Segment, nil
}

// compressUncompressed emits profile-0 IR or normal packets.
func (c *Compressor) compressUncompressed(w *packet.Writer, ctx *compContext, pkt []byte) error {
	refresh := ctx.state == StateIR || ctx.sinceIR >= c.irTimeout
	if refresh {
		packet.PutCidPrefix(w, c.cidType, ctx.cid)
		start := w.Len()
		w.PutU8(packet.TypeIR) // D = 0, no dynamic chain
		if err := packet.PutLargeCid(w, c.cidType, ctx.cid); err != nil {
			return err
		}
		w.PutU8(uint8(ProfileUncompressed))
		crcPos := w.Len()
		w.PutU8(0)
		w.Set(crcPos, crc.Crc8(w.Bytes()[start:]))
		w.Put(pkt)
		ctx.sinceIR = 0
		ctx.irSends++
		if ctx.irSends >= c.l {
			ctx.state = StateSO
		}
		c.counters.Ir.Add(1)
		return nil
	}
	ctx.sinceIR++
	// normal packet: first octet, CID, remainder
	if len(pkt) == 0 {
		return fmt.Errorf("empty packet")
	}
	packet.PutCidPrefix(w, c.cidType, ctx.cid)
	w.PutU8(pkt[0])
	if err := packet.PutLargeCid(w, c.cidType, ctx.cid); err != nil {
		return err
	}
	w.Put(pkt[1:])
	c.counters.Normal.Add(1)
	return nil
}

// staticChanged reports whether flow-identifying fields moved, which
// forces a full IR refresh on the same CID.
func staticChanged(ctx *compContext, h *header.Headers) bool {
	old := ctx.hdr
	if old == nil {
		return false
	}
	if (old.Inner.V4 == nil) != (h.Inner.V4 == nil) {
		return true
	}
	if old.Rtp != nil && h.Rtp != nil && old.Rtp.Ssrc != h.Rtp.Ssrc {
		return true
	}
	if old.Esp != nil && h.Esp != nil && old.Esp.Spi != h.Esp.Spi {
		return true
	}
	if old.Inner.V6 != nil && h.Inner.V6 != nil && old.Inner.V6.FlowLabel != h.Inner.V6.FlowLabel {
		return true
	}
	return false
}

// dynChangedBeyondSo reports dynamic-field irregularities that the SO
// formats cannot express, demoting the context to FO.
func (c *Compressor) dynChangedBeyondSo(ctx *compContext, h *header.Headers) bool {
	old := ctx.hdr
	if old == nil {
		return false
	}
	if v4, ov4 := h.Inner.V4, old.Inner.V4; v4 != nil && ov4 != nil {
		if v4.Tos != ov4.Tos || v4.TTL != ov4.TTL || v4.DF != ov4.DF {
			return true
		}
	}
	if v6, ov6 := h.Inner.V6, old.Inner.V6; v6 != nil && ov6 != nil {
		if v6.TrafficClass != ov6.TrafficClass || v6.HopLimit != ov6.HopLimit {
			return true
		}
	}
	if r, or := h.Rtp, old.Rtp; r != nil && or != nil {
		if r.PT != or.PT || r.P != or.P || r.X != or.X || len(r.Csrc) != len(or.Csrc) {
			return true
		}
		for i := range r.Csrc {
			if r.Csrc[i] != or.Csrc[i] {
				return true
			}
		}
	}
	if u := h.Udp; u != nil && old.Udp != nil {
		if (u.Checksum != 0) != ctx.udpChecksumUsed {
			return true
		}
	}
	return false
}

// compressFlow runs the per-context state machine and emits one packet.
func (c *Compressor) compressFlow(w *packet.Writer, ctx *compContext, h *header.Headers, pkt []byte) error {
	ph := ctx.profile

	// master SN
	if ph.generatedSn {
		ctx.sn = (ctx.sn + 1) & 0xffff
	} else {
		ctx.sn = ph.snOf(h)
	}

	if staticChanged(ctx, h) {
		c.tracef("CID %d: static change, refreshing", ctx.cid)
		ctx.state = StateIR
		ctx.irSends = 0
		ctx.irStaticCrcOk = false
		ctx.snWindow.Clear()
		if ctx.innerID != nil {
			*ctx.innerID = *newIPIDState(c.windowWidth)
		}
		if ctx.outerID != nil {
			*ctx.outerID = *newIPIDState(c.windowWidth)
		}
		if ctx.ts != nil {
			*ctx.ts = *newTsState(c.windowWidth)
		}
	}

	// observe dynamic behaviors
	demote := false
	if ctx.innerID != nil {
		if ctx.innerID.observe(h.Inner.V4.ID, ctx.sn) {
			demote = true
		}
	}
	if ctx.outerID != nil {
		if ctx.outerID.observe(h.Outer.V4.ID, ctx.sn) {
			demote = true
		}
	}
	if ctx.ts != nil {
		if ctx.ts.observe(h.Rtp.Ts) {
			demote = true
		}
	}
	if ctx.state == StateSO && (demote || c.dynChangedBeyondSo(ctx, h)) {
		ctx.state = StateFO
		ctx.foSends = 0
	}
	if ctx.state == StateSO && ctx.mode != ModeR {
		if ctx.sinceIR >= c.irTimeout {
			ctx.state = StateIR
			ctx.irSends = 0
		} else if ctx.sinceFO >= c.foTimeout {
			ctx.state = StateFO
			ctx.foSends = 0
		}
	}

	var err error
	switch ctx.state {
	case StateIR:
		err = c.emitIR(w, ctx, h, pkt, true)
	case StateFO:
		err = c.emitIRDyn(w, ctx, h, pkt)
	case StateSO:
		err = c.emitSO(w, ctx, h, pkt)
	default:
		err = fmt.Errorf("bad state %v", ctx.state)
	}
	if err != nil {
		return err
	}

	// window bookkeeping: every emitted packet is a reference candidate
	ctx.snWindow.Add(ctx.sn, ctx.sn)
	if ctx.innerID != nil && !ctx.innerID.rnd {
		ctx.innerID.window.Add(ctx.sn, uint32(ctx.innerID.offset(h.Inner.V4.ID, ctx.sn)))
	}
	if ctx.outerID != nil && !ctx.outerID.rnd {
		ctx.outerID.window.Add(ctx.sn, uint32(ctx.outerID.offset(h.Outer.V4.ID, ctx.sn)))
	}
	if ctx.ts != nil && ctx.ts.scaledOk {
		ctx.ts.window.Add(ctx.sn, ctx.ts.scaled)
	}
	// U/O modes: a reference followed by L further transmissions is
	// assumed received, so older references stop being candidates
	if ctx.mode != ModeR && c.l > 0 {
		keep := (ctx.sn - uint32(c.l-1)) & uint32(uint64(1)<<ph.snWidth-1)
		ctx.snWindow.AckUpTo(keep, ph.snWidth)
		if ctx.innerID != nil {
			ctx.innerID.window.AckUpTo(keep, ph.snWidth)
		}
		if ctx.outerID != nil {
			ctx.outerID.window.AckUpTo(keep, ph.snWidth)
		}
		if ctx.ts != nil {
			ctx.ts.window.AckUpTo(keep, ph.snWidth)
		}
	}
	ctx.hdr = copyHeaders(h)
	if h.Udp != nil {
		ctx.udpChecksumUsed = h.Udp.Checksum != 0
	}
	return nil
}

func (c *Compressor) chainDynOf(ctx *compContext) chainDyn {
	d := chainDyn{sn: ctx.sn}
	if ctx.innerID != nil {
		d.innerRnd = ctx.innerID.rnd
		d.innerNbo = ctx.innerID.nbo
	}
	if ctx.outerID != nil {
		d.outerRnd = ctx.outerID.rnd
		d.outerNbo = ctx.outerID.nbo
	}
	if ctx.ts != nil && ctx.ts.scaledOk {
		d.tsStride = ctx.ts.stride
	}
	return d
}

// emitIR emits an IR packet with static and dynamic chains.
func (c *Compressor) emitIR(w *packet.Writer, ctx *compContext, h *header.Headers, pkt []byte, withDyn bool) error {
	packet.PutCidPrefix(w, c.cidType, ctx.cid)
	start := w.Len()
	typ := packet.TypeIR
	if withDyn {
		typ |= 0x01
	}
	w.PutU8(typ)
	if err := packet.PutLargeCid(w, c.cidType, ctx.cid); err != nil {
		return err
	}
	w.PutU8(uint8(ctx.profile.id))
	crcPos := w.Len()
	w.PutU8(0)
	buildStaticChain(w, ctx.profile, h)
	staticEnd := w.Len()
	if withDyn {
		d := c.chainDynOf(ctx)
		if err := buildDynamicChain(w, ctx.profile, h, &d); err != nil {
			return err
		}
	}
	// CRC-STATIC over the prefix is stable between refreshes, only
	// the dynamic part is recomputed per IR
	if !ctx.irStaticCrcOk {
		ctx.irStaticCrc = crc.Crc8Static(w.Bytes()[start:staticEnd])
		ctx.irStaticCrcOk = true
	}
	w.Set(crcPos, crc.Crc8Dynamic(ctx.irStaticCrc, w.Bytes()[staticEnd:]))
	w.Put(h.Payload)
	ctx.sinceIR = 0
	ctx.sinceFO = 0
	ctx.irSends++
	c.counters.Ir.Add(1)
	if ctx.mode != ModeR && ctx.irSends >= c.l {
		ctx.state = StateSO
		ctx.irSends = 0
	}
	return nil
}

// emitIRDyn emits an IR-DYN packet refreshing the dynamic chain.
func (c *Compressor) emitIRDyn(w *packet.Writer, ctx *compContext, h *header.Headers, pkt []byte) error {
	packet.PutCidPrefix(w, c.cidType, ctx.cid)
	start := w.Len()
	w.PutU8(packet.TypeIRDyn)
	if err := packet.PutLargeCid(w, c.cidType, ctx.cid); err != nil {
		return err
	}
	w.PutU8(uint8(ctx.profile.id))
	crcPos := w.Len()
	w.PutU8(0)
	d := c.chainDynOf(ctx)
	if err := buildDynamicChain(w, ctx.profile, h, &d); err != nil {
		return err
	}
	w.Set(crcPos, crc.Crc8(w.Bytes()[start:]))
	w.Put(h.Payload)
	ctx.sinceFO = 0
	ctx.sinceIR++
	ctx.foSends++
	c.counters.IrDyn.Add(1)
	if ctx.mode != ModeR && ctx.foSends >= c.l {
		ctx.state = StateSO
		ctx.foSends = 0
	}
	return nil
}

// headerBytes marshals the uncompressed header chain for CRC coverage.
func (c *Compressor) headerBytes(h *header.Headers) []byte {
	hw := packet.NewWriter(c.hdrBuf)
	payload := h.Payload
	h.Payload = nil
	h.Marshal(hw)
	h.Payload = payload
	b := hw.Bytes()
	c.hdrBuf = b[:0]
	return b
}

// soPlan is the field budget for one SO packet.
type soPlan struct {
	kSn     uint
	kTs     uint
	kOff    uint
	ipidSeq bool
	offHeld bool // inner IP-ID offset unchanged across the window
	outHeld bool // outer likewise
	tsInfer bool // TS derivable from SN alone
	m       bool
}

func (c *Compressor) plan(ctx *compContext, h *header.Headers) (soPlan, error) {
	var p soPlan
	var err error
	pf := snP(ctx.mode)
	p.kSn, err = ctx.snWindow.K(ctx.sn, pf, ctx.profile.snWidth)
	if err != nil {
		return p, err
	}
	p.offHeld = true
	p.outHeld = true
	if ctx.innerID != nil && !ctx.innerID.rnd {
		p.ipidSeq = true
		off := uint32(ctx.innerID.offset(h.Inner.V4.ID, ctx.sn))
		p.kOff, err = ctx.innerID.window.K(off, wlsb.PZero, 16)
		if err != nil {
			return p, err
		}
		p.offHeld = ctx.innerID.window.All(func(_, v uint32) bool { return v == off })
	}
	if ctx.outerID != nil && !ctx.outerID.rnd {
		off := uint32(ctx.outerID.offset(h.Outer.V4.ID, ctx.sn))
		p.outHeld = ctx.outerID.window.All(func(_, v uint32) bool { return v == off })
	}
	if ctx.ts != nil {
		p.m = h.Rtp.M
		if ctx.ts.scaledOk {
			scaled := ctx.ts.scaled
			p.kTs, err = ctx.ts.window.K(scaled, wlsb.PTs, 32)
			if err != nil {
				return p, err
			}
			p.tsInfer = ctx.ts.window.All(func(sn, v uint32) bool {
				return v+((ctx.sn-sn)&0xffff) == scaled
			})
		} else {
			// no stride: TS must be flat for SO formats
			p.tsInfer = ctx.hdr != nil && ctx.hdr.Rtp.Ts == h.Rtp.Ts
			p.kTs = 64 // unusable
		}
	}
	return p, nil
}

// emitSO chooses and emits a second-order packet, falling back to
// IR-DYN when no format can carry the needed bits.
func (c *Compressor) emitSO(w *packet.Writer, ctx *compContext, h *header.Headers, pkt []byte) error {
	p, err := c.plan(ctx, h)
	if err != nil {
		// empty windows: not actually in SO shape
		ctx.state = StateFO
		return c.emitIRDyn(w, ctx, h, pkt)
	}
	hdrBytes := c.headerBytes(h)
	crc3 := crc.Crc3(hdrBytes)
	crc7 := crc.Crc7(hdrBytes)
	ctx.sinceIR++
	ctx.sinceFO++

	emit := func(build func(bw *packet.Writer) error) error {
		packet.PutCidPrefix(w, c.cidType, ctx.cid)
		if err := build(w); err != nil {
			return err
		}
		c.putTrailer(w, ctx, h)
		w.Put(h.Payload)
		return nil
	}

	rtp := ctx.profile.rtp
	tsOk := ctx.ts == nil || p.tsInfer

	// UO-0: SN only
	if p.kSn <= 4 && !p.m && tsOk && p.offHeld && p.outHeld {
		err := emit(func(bw *packet.Writer) error {
			bw.PutU8(byte(ctx.sn&0x0f)<<3 | crc3&0x07)
			return packet.PutLargeCid(bw, c.cidType, ctx.cid)
		})
		c.counters.Uo0.Add(1)
		return err
	}

	if rtp {
		return c.emitSORtp(w, ctx, h, p, crc3, crc7, emit)
	}

	// non-RTP UO-1: 6 bits of IP-ID offset, 5 of SN
	if p.ipidSeq && p.kOff <= 6 && p.kSn <= 5 && p.outHeld {
		off := ctx.innerID.offset(h.Inner.V4.ID, ctx.sn)
		err := emit(func(bw *packet.Writer) error {
			bw.PutU8(0x80 | byte(off&0x3f))
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			bw.PutU8(byte(ctx.sn&0x1f)<<3 | crc3&0x07)
			return nil
		})
		c.counters.Uo1.Add(1)
		return err
	}

	// non-RTP UOR-2: 5 bits of SN, optionally EXT-3
	needExt := p.kSn > 5 || !p.offHeld || !p.outHeld
	if !needExt {
		err := emit(func(bw *packet.Writer) error {
			bw.PutU8(0xc0 | byte(ctx.sn&0x1f))
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			bw.PutU8(crc7 & 0x7f)
			return nil
		})
		c.counters.Uor2.Add(1)
		return err
	}
	if p.kSn <= 13 {
		e := &packet.Ext3{Mode: uint8(ctx.mode)}
		if p.kSn > 5 {
			e.S = true
			e.Sn = uint8(ctx.sn >> 5)
		}
		if p.ipidSeq && !p.offHeld {
			e.I = true
			e.IpID = ctx.innerID.value(h.Inner.V4.ID)
		}
		if ctx.outerID != nil && !ctx.outerID.rnd && !p.outHeld {
			e.Ip2 = true
			e.I2 = true
			e.IpID2 = ctx.outerID.value(h.Outer.V4.ID)
		}
		err := emit(func(bw *packet.Writer) error {
			bw.PutU8(0xc0 | byte(ctx.sn&0x1f))
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			bw.PutU8(0x80 | crc7&0x7f)
			return e.Append(bw)
		})
		c.counters.Uor2.Add(1)
		return err
	}
	ctx.state = StateFO
	return c.emitIRDyn(w, ctx, h, pkt)
}

// emitSORtp emits the RTP-specific UO-1/UOR-2 family.
func (c *Compressor) emitSORtp(w *packet.Writer, ctx *compContext, h *header.Headers, p soPlan, crc3, crc7 uint8, emit func(func(*packet.Writer) error) error) error {
	scaled := uint32(0)
	scaledOk := ctx.ts.scaledOk
	if scaledOk {
		scaled = ctx.ts.scaled
	}
	var m byte
	if p.m {
		m = 1
	}

	// UO-1 family: 4 bits of SN
	if p.kSn <= 4 && p.outHeld {
		if !p.ipidSeq && scaledOk && p.kTs <= 6 {
			err := emit(func(bw *packet.Writer) error {
				bw.PutU8(0x80 | byte(scaled&0x3f))
				if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
					return err
				}
				bw.PutU8(m<<7 | byte(ctx.sn&0x0f)<<3 | crc3&0x07)
				return nil
			})
			c.counters.Uo1.Add(1)
			return err
		}
		if p.ipidSeq && scaledOk && p.kTs <= 5 && p.offHeld {
			// UO-1-TS, T = 1
			err := emit(func(bw *packet.Writer) error {
				bw.PutU8(0x80 | 0x20 | byte(scaled&0x1f))
				if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
					return err
				}
				bw.PutU8(m<<7 | byte(ctx.sn&0x0f)<<3 | crc3&0x07)
				return nil
			})
			c.counters.Uo1.Add(1)
			return err
		}
		if p.ipidSeq && p.kOff <= 5 && !p.m && p.tsInfer {
			// UO-1-ID, T = 0, no extension
			off := ctx.innerID.offset(h.Inner.V4.ID, ctx.sn)
			err := emit(func(bw *packet.Writer) error {
				bw.PutU8(0x80 | byte(off&0x1f))
				if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
					return err
				}
				bw.PutU8(byte(ctx.sn&0x0f)<<3 | crc3&0x07)
				return nil
			})
			c.counters.Uo1.Add(1)
			return err
		}
	}

	// UOR-2-ID: IP-ID moved, TS still inferred from SN
	if p.ipidSeq && p.kOff <= 5 && p.kSn <= 6 && p.tsInfer && p.outHeld {
		off := ctx.innerID.offset(h.Inner.V4.ID, ctx.sn)
		err := emit(func(bw *packet.Writer) error {
			bw.PutU8(0xc0 | byte(off&0x1f))
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			bw.PutU8(m<<6 | byte(ctx.sn&0x3f)) // T = 0
			bw.PutU8(crc7 & 0x7f)
			return nil
		})
		c.counters.Uor2.Add(1)
		return err
	}

	// UOR-2 family: 6 bits of SN, EXT-3 when the budget overflows
	fits := p.kSn <= 6 && p.outHeld && scaledOk &&
		((p.ipidSeq && p.offHeld && p.kTs <= 5) || (!p.ipidSeq && p.kTs <= 6))
	if fits {
		err := emit(func(bw *packet.Writer) error {
			var b0 byte
			if p.ipidSeq {
				b0 = 0xc0 | byte(scaled&0x1f)
			} else {
				b0 = 0xc0 | byte(scaled>>1&0x1f)
			}
			bw.PutU8(b0)
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			var b1 byte
			if p.ipidSeq {
				b1 = 0x80 // T = 1: TS variant
			} else {
				b1 = byte(scaled&0x1) << 7
			}
			bw.PutU8(b1 | m<<6 | byte(ctx.sn&0x3f))
			bw.PutU8(crc7 & 0x7f)
			return nil
		})
		c.counters.Uor2.Add(1)
		return err
	}

	// UOR-2 with EXT-3. The SDVL TS field caps raw timestamps at 29
	// bits; anything wider goes through IR-DYN instead.
	tsRaw := !scaledOk && (ctx.hdr == nil || ctx.hdr.Rtp.Ts != h.Rtp.Ts)
	sdvlOk := (!scaledOk || scaled <= packet.SDVLMax) && (!tsRaw || h.Rtp.Ts <= packet.SDVLMax)
	if p.kSn <= 14 && sdvlOk {
		e := &packet.Ext3{Rtp: true, RtpF: true, Mode: uint8(ctx.mode), M: p.m}
		if p.kSn > 6 {
			e.S = true
			e.Sn = uint8(ctx.sn >> 6)
		}
		if scaledOk {
			e.RTs = true
			e.Tsc = true
			e.Ts = scaled
			e.Tss = true
			e.TsStride = ctx.ts.stride
		} else if tsRaw {
			e.RTs = true
			e.Ts = h.Rtp.Ts
		}
		if p.ipidSeq && !p.offHeld {
			e.I = true
			e.IpID = ctx.innerID.value(h.Inner.V4.ID)
		}
		if ctx.outerID != nil && !ctx.outerID.rnd && !p.outHeld {
			e.Ip = true
			e.Ip2 = true
			e.I2 = true
			e.IpID2 = ctx.outerID.value(h.Outer.V4.ID)
		}
		err := emit(func(bw *packet.Writer) error {
			var b0 byte = 0xc0
			if scaledOk {
				b0 |= byte(scaled & 0x1f)
			}
			bw.PutU8(b0)
			if err := packet.PutLargeCid(bw, c.cidType, ctx.cid); err != nil {
				return err
			}
			bw.PutU8(0x80 | m<<6 | byte(ctx.sn&0x3f))
			bw.PutU8(0x80 | crc7&0x7f)
			return e.Append(bw)
		})
		c.counters.Uor2.Add(1)
		return err
	}
	ctx.state = StateFO
	return c.emitIRDyn(w, ctx, h, nil)
}

// putTrailer appends the per-packet verbatim fields: random IP-IDs,
// outer before inner, then the UDP checksum when in use.
func (c *Compressor) putTrailer(w *packet.Writer, ctx *compContext, h *header.Headers) {
	if ctx.outerID != nil && ctx.outerID.rnd {
		w.PutU16(h.Outer.V4.ID)
	}
	if ctx.innerID != nil && ctx.innerID.rnd {
		w.PutU16(h.Inner.V4.ID)
	}
	if ctx.udpChecksumUsed && h.Udp != nil {
		w.PutU16(h.Udp.Checksum)
	}
}

// DeliverFeedback consumes feedback elements received from the peer
// decompressor, standalone or extracted from the reverse channel.
func (c *Compressor) DeliverFeedback(b []byte) Status {
	cur := packet.NewCursor(b)
	status := OK
	for cur.Len() > 0 {
		first, _ := cur.Peek()
		if packet.KindOf(first) != packet.KindFeedback {
			return Malformed
		}
		f, err := packet.ParseFeedback(cur, c.cidType)
		if err != nil {
			c.counters.Malformed.Add(1)
			status = Malformed
			continue
		}
		c.applyFeedback(f)
	}
	return status
}

func (c *Compressor) applyFeedback(f *packet.Feedback) {
	c.counters.FeedbackReceived.Add(1)
	if int(f.CID) >= len(c.contexts) || c.contexts[f.CID] == nil {
		c.tracef("feedback for unknown CID %d", f.CID)
		return
	}
	ctx := c.contexts[f.CID]
	if !f.Fb1 && f.Mode != 0 {
		m := Mode(f.Mode)
		if m != ctx.mode {
			c.tracef("CID %d: mode transition %s -> %s", ctx.cid, ctx.mode, m)
			ctx.mode = m
		}
	}
	ackType := packet.Ack
	if !f.Fb1 {
		ackType = f.AckType
	}
	switch ackType {
	case packet.Ack:
		if !f.HasOption(packet.OptSnNotValid) {
			sn := c.expandFbSn(ctx, f)
			ctx.snWindow.AckUpTo(sn, ctx.profile.snWidth)
			if ctx.innerID != nil {
				ctx.innerID.window.AckUpTo(sn, ctx.profile.snWidth)
			}
			if ctx.outerID != nil {
				ctx.outerID.window.AckUpTo(sn, ctx.profile.snWidth)
			}
			if ctx.ts != nil {
				ctx.ts.window.AckUpTo(sn, ctx.profile.snWidth)
			}
		}
		switch ctx.state {
		case StateIR:
			ctx.state = StateFO
			ctx.foSends = 0
		case StateFO:
			ctx.state = StateSO
		}
	case packet.Nack:
		c.tracef("CID %d: NACK, falling back to FO", ctx.cid)
		if ctx.state == StateSO {
			ctx.state = StateFO
			ctx.foSends = 0
		}
	case packet.StaticNack:
		c.tracef("CID %d: STATIC-NACK, falling back to IR", ctx.cid)
		ctx.state = StateIR
		ctx.irSends = 0
	}
}

// expandFbSn widens the LSB-truncated feedback SN against the current
// context SN.
func (c *Compressor) expandFbSn(ctx *compContext, f *packet.Feedback) uint32 {
	width := f.SnWidth()
	wmask := uint32(uint64(1)<<ctx.profile.snWidth - 1)
	if width >= ctx.profile.snWidth {
		return f.Sn & wmask
	}
	mask := uint32(uint64(1)<<width - 1)
	cand := ctx.sn&^mask | f.Sn&mask
	// feedback always refers to the past
	if (cand-ctx.sn)&wmask < 1<<(ctx.profile.snWidth-1) && cand != ctx.sn {
		cand = (cand - (mask + 1)) & wmask
	}
	return cand
}

// EnqueueFeedback queues raw feedback bytes for piggybacking on the
// next compressed packet. Used by an associated decompressor.
func (c *Compressor) EnqueueFeedback(fb []byte) {
	b := make([]byte, len(fb))
	copy(b, fb)
	c.fbQueue = append(c.fbQueue, b)
	c.counters.FeedbackSent.Add(1)
}
