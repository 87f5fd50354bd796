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

// decompContext is the decompressor side of one flow context.
type decompContext struct {
	contextBase
	state DecompState

	innerRnd, innerNbo bool
	outerRnd, outerNbo bool
	innerOffRef        uint16
	outerOffRef        uint16

	stride    uint32
	tsOffset  uint32
	scaledRef uint32

	udpChecksumUsed bool

	crcFails int
	scFails  int
}

// Decompressor is the decompression half of a ROHC channel.
type Decompressor struct {
	cidType  packet.CidType
	maxCid   uint16
	enabled  map[ProfileID]bool
	contexts []*decompContext

	assoc      *Compressor
	targetMode Mode
	k1, k2     int
	mrru       int
	reasm      *packet.Reassembler

	scratch  []byte
	hdrBuf   []byte
	counters *stats.Counters
	trace    TraceFunc
	clock    ClockFunc
	tick     uint64
}

// NewDecompressor returns a decompressor. assoc, when non-nil, is the
// same-node compressor that receives feedback found piggybacked on the
// forward channel and gets generated feedback queued for piggybacking.
func NewDecompressor(assoc *Compressor, maxCid uint16, cidType packet.CidType, profiles ...ProfileID) (*Decompressor, error) {
	if cidType == packet.CidSmall && maxCid > packet.MaxSmallCid {
		return nil, fmt.Errorf("rohc: max CID %d exceeds small-CID space", maxCid)
	}
	if maxCid > packet.MaxLargeCid {
		return nil, fmt.Errorf("rohc: max CID %d exceeds large-CID space", maxCid)
	}
	d := &Decompressor{
		cidType:    cidType,
		maxCid:     maxCid,
		enabled:    map[ProfileID]bool{ProfileUncompressed: true},
		contexts:   make([]*decompContext, int(maxCid)+1),
		assoc:      assoc,
		targetMode: ModeU,
		k1:         DefaultK1,
		k2:         DefaultK2,
		reasm:      packet.NewReassembler(0),
		scratch:    make([]byte, 0, 2048),
		hdrBuf:     make([]byte, 0, 128),
		counters:   &stats.Counters{},
	}
	for _, p := range profiles {
		if _, ok := profileHandlers[p]; !ok {
			return nil, fmt.Errorf("rohc: profile %s (0x%04x) not implemented", p, uint16(p))
		}
		d.enabled[p] = true
	}
	return d, nil
}

// SetMRRU enables segment reassembly up to n bytes.
func (d *Decompressor) SetMRRU(n int) {
	d.mrru = n
	d.reasm.SetMRRU(n)
}

// SetTargetMode asks the peer compressor to operate in mode m. The
// request rides on generated feedback.
func (d *Decompressor) SetTargetMode(m Mode) { d.targetMode = m }

// SetFailureThresholds overrides the k1/k2 CRC failure counts driving
// state downgrades.
func (d *Decompressor) SetFailureThresholds(k1, k2 int) {
	d.k1 = k1
	d.k2 = k2
}

// SetTrace installs a trace callback; nil restores the logrus default.
func (d *Decompressor) SetTrace(f TraceFunc) { d.trace = f }

// SetClock installs the optional wall clock.
func (d *Decompressor) SetClock(f ClockFunc) { d.clock = f }

// Stats exposes the engine counters.
func (d *Decompressor) Stats() *stats.Counters { return d.counters }

// Flush destroys the context with the given CID.
func (d *Decompressor) Flush(cid uint16) {
	if int(cid) < len(d.contexts) {
		d.contexts[cid] = nil
	}
}

func (d *Decompressor) tracef(format string, args ...interface{}) {
	if d.trace != nil {
		d.trace(format, args...)
		return
	}
	log.Debugf(format, args...)
}

// Decompress processes one channel packet. It returns the decompressed
// packet (nil for feedback-only or non-final-segment input) and any
// feedback to send on the reverse channel. Output buffers are reused
// across calls.
func (d *Decompressor) Decompress(b []byte) ([]byte, []byte, Status, error) {
	d.tick++
	d.counters.Packets.Add(1)
	cur := packet.NewCursor(b)

	// padding and piggybacked feedback precede the packet proper
	for cur.Len() > 0 {
		first, _ := cur.Peek()
		switch packet.KindOf(first) {
		case packet.KindPadding:
			_, _ = cur.U8()
			continue
		case packet.KindFeedback:
			before := cur.Pos()
			f, err := packet.ParseFeedback(cur, d.cidType)
			if err != nil {
				// discard just this element, the packet behind it
				// is still good
				d.counters.Malformed.Add(1)
				if cur.Pos() == before {
					return nil, nil, Malformed, nil
				}
				continue
			}
			if d.assoc != nil {
				d.assoc.applyFeedback(f)
			}
			continue
		}
		break
	}
	if cur.Len() == 0 {
		return nil, nil, OK, nil
	}

	first, _ := cur.Peek()
	if packet.KindOf(first) == packet.KindSegment {
		_, _ = cur.U8()
		unit, err := d.reasm.Add(cur.Rest(), packet.IsFinalSegment(first))
		if err != nil {
			d.counters.Malformed.Add(1)
			return nil, nil, Malformed, nil
		}
		d.counters.Segments.Add(1)
		if unit == nil {
			return nil, nil, Segment, nil
		}
		return d.Decompress(unit)
	}

	out, fbCtx, status := d.decompressOne(cur)
	var fb []byte
	if fbCtx != nil {
		fb = d.buildFeedback(fbCtx)
	}
	if fb != nil && d.assoc != nil {
		// ride on the reverse-direction compressed stream instead
		d.assoc.EnqueueFeedback(fb)
		fb = nil
	}
	return out, fb, status, nil
}

// fbIntent is what the per-packet decode decided to send upstream.
type fbIntent struct {
	cid     uint16
	ackType packet.AckType
	sn      uint32
	send    bool
}

func (d *Decompressor) decompressOne(cur *packet.Cursor) ([]byte, *fbIntent, Status) {
	cid := uint16(0)
	if d.cidType == packet.CidSmall {
		first, _ := cur.Peek()
		if packet.KindOf(first) == packet.KindAddCid {
			_, _ = cur.U8()
			cid = uint16(first & 0x0f)
		}
	}
	typ, err := cur.U8()
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	typePos := cur.Pos() - 1
	if d.cidType == packet.CidLarge {
		cid, err = packet.ReadLargeCid(cur, d.cidType)
		if err != nil {
			d.counters.Malformed.Add(1)
			return nil, nil, Malformed
		}
	}
	if cid > d.maxCid {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}

	switch packet.KindOf(typ) {
	case packet.KindIR:
		return d.decodeIR(cur, cid, typ, typePos)
	case packet.KindIRDyn:
		return d.decodeIRDyn(cur, cid, typePos)
	default:
	}

	ctx := d.contexts[cid]
	if ctx == nil {
		d.counters.NoContext.Add(1)
		d.tracef("no context for CID %d", cid)
		return nil, &fbIntent{cid: cid, ackType: packet.StaticNack, send: true}, NoContext
	}
	ctx.lastUsed = d.tick
	if ctx.profile.id == ProfileUncompressed {
		w := packet.NewWriter(d.scratch)
		w.PutU8(typ)
		w.Put(cur.Rest())
		out := w.Bytes()
		d.scratch = out[:0]
		d.counters.Normal.Add(1)
		return out, nil, OK
	}
	if ctx.state == StateNC {
		return nil, d.fail(ctx), CRCFailure
	}
	return d.decodeUO(cur, ctx, typ)
}

// install builds a fresh context from a decoded IR.
func (d *Decompressor) install(cid uint16, ph *profileHandler, h *header.Headers, dyn *chainDyn, withDyn bool) *decompContext {
	ctx := &decompContext{
		contextBase: contextBase{
			cid:     cid,
			profile: ph,
			mode:    ModeU,
		},
		state: StateSC,
	}
	if old := d.contexts[cid]; old != nil {
		ctx.mode = old.mode
	}
	ctx.hdr = h
	if withDyn {
		d.applyDyn(ctx, dyn)
		ctx.state = StateFC
	}
	d.contexts[cid] = ctx
	d.counters.ContextsCreated.Add(1)
	return ctx
}

func (d *Decompressor) applyDyn(ctx *decompContext, dyn *chainDyn) {
	ctx.innerRnd = dyn.innerRnd
	ctx.innerNbo = dyn.innerNbo
	ctx.outerRnd = dyn.outerRnd
	ctx.outerNbo = dyn.outerNbo
	ctx.sn = dyn.sn
	if ctx.profile.id == ProfileRTP {
		ctx.stride = dyn.tsStride
		if ctx.stride != 0 {
			ctx.scaledRef = ctx.hdr.Rtp.Ts / ctx.stride
			ctx.tsOffset = ctx.hdr.Rtp.Ts % ctx.stride
		}
	}
	if v4 := ctx.hdr.Inner.V4; v4 != nil && !ctx.innerRnd {
		ctx.innerOffRef = d.idValue(v4.ID, ctx.innerNbo) - uint16(ctx.sn)
	}
	if ctx.hdr.Outer != nil && ctx.hdr.Outer.V4 != nil && !ctx.outerRnd {
		ctx.outerOffRef = d.idValue(ctx.hdr.Outer.V4.ID, ctx.outerNbo) - uint16(ctx.sn)
	}
	if ctx.hdr.Udp != nil {
		ctx.udpChecksumUsed = ctx.hdr.Udp.Checksum != 0
	}
}

func (d *Decompressor) idValue(id uint16, nbo bool) uint16 {
	if nbo {
		return id
	}
	return id<<8 | id>>8
}

// verifyChainCrc checks the CRC-8 of an IR or IR-DYN header.
func verifyChainCrc(raw []byte, typePos, crcPos, end int, got uint8) bool {
	scratch := make([]byte, end-typePos)
	copy(scratch, raw[typePos:end])
	scratch[crcPos-typePos] = 0
	return crc.Crc8(scratch) == got
}

// verifySplitCrc checks an IR header CRC-8 through the RFC 4815
// CRC-STATIC/CRC-DYNAMIC split, resuming at the static-chain boundary
// exactly as the compressor computes it.
func verifySplitCrc(raw []byte, typePos, crcPos, staticEnd, end int, got uint8) bool {
	scratch := make([]byte, end-typePos)
	copy(scratch, raw[typePos:end])
	scratch[crcPos-typePos] = 0
	static := crc.Crc8Static(scratch[:staticEnd-typePos])
	return crc.Crc8Dynamic(static, scratch[staticEnd-typePos:]) == got
}

func (d *Decompressor) decodeIR(cur *packet.Cursor, cid uint16, typ byte, typePos int) ([]byte, *fbIntent, Status) {
	withDyn := typ&0x01 != 0
	pid, err := cur.U8()
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	ph, ok := profileHandlers[ProfileID(pid)]
	if !ok || !d.enabled[ph.id] {
		d.tracef("IR with unsupported profile 0x%04x", pid)
		return nil, nil, ProfileUnsupported
	}
	crcGot, err := cur.U8()
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	crcPos := cur.Pos() - 1

	if ph.id == ProfileUncompressed {
		if !d.checkIRCrc(cur, typePos, crcPos, crcGot) {
			return nil, nil, CRCFailure
		}
		d.contexts[cid] = &decompContext{
			contextBase: contextBase{cid: cid, profile: ph, mode: ModeU},
			state:       StateFC,
		}
		d.counters.Ir.Add(1)
		out := append(d.scratch[:0], cur.Rest()...)
		d.scratch = out[:0]
		return out, nil, OK
	}

	h, err := parseStaticChain(cur, ph)
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	staticEnd := cur.Pos()
	dyn := &chainDyn{}
	if withDyn {
		if err := parseDynamicChain(cur, ph, h, dyn); err != nil {
			d.counters.Malformed.Add(1)
			return nil, nil, Malformed
		}
	}
	if !verifySplitCrc(cur.Full(), typePos, crcPos, staticEnd, cur.Pos(), crcGot) {
		d.counters.CrcFailures.Add(1)
		d.tracef("IR CRC failure on CID %d", cid)
		return nil, d.failCid(cid), CRCFailure
	}

	ctx := d.install(cid, ph, h, dyn, withDyn)
	ctx.lastUsed = d.tick
	d.counters.Ir.Add(1)
	d.tracef("CID %d: context %s via IR, state %s", cid, ph.id, ctx.state)

	h.Payload = cur.Rest()
	h.Finalize(len(h.Payload))
	out := d.marshalOut(h)
	ctx.hdr = copyHeaders(h)
	fb := &fbIntent{cid: cid, ackType: packet.Ack, sn: ctx.sn, send: ctx.mode != ModeU || d.targetMode != ctx.mode}
	return out, fb, OK
}

// checkIRCrc verifies the chain CRC over the original buffer backing
// the cursor, from the type octet through the end of the chains.
func (d *Decompressor) checkIRCrc(cur *packet.Cursor, typePos, crcPos int, got uint8) bool {
	return verifyChainCrcFromCursor(cur, typePos, crcPos, cur.Pos(), got)
}

func (d *Decompressor) marshalOut(h *header.Headers) []byte {
	w := packet.NewWriter(d.scratch)
	h.Marshal(w)
	out := w.Bytes()
	d.scratch = out[:0]
	return out
}

func (d *Decompressor) decodeIRDyn(cur *packet.Cursor, cid uint16, typePos int) ([]byte, *fbIntent, Status) {
	pid, err := cur.U8()
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	crcGot, err := cur.U8()
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, nil, Malformed
	}
	crcPos := cur.Pos() - 1
	ctx := d.contexts[cid]
	if ctx == nil || ctx.profile.id != ProfileID(pid) {
		d.counters.NoContext.Add(1)
		return nil, &fbIntent{cid: cid, ackType: packet.StaticNack, send: true}, NoContext
	}
	ctx.lastUsed = d.tick
	h := copyHeaders(ctx.hdr)
	dyn := &chainDyn{}
	if err := parseDynamicChain(cur, ctx.profile, h, dyn); err != nil {
		d.counters.Malformed.Add(1)
		return nil, d.fail(ctx), Malformed
	}
	if !verifyChainCrcFromCursor(cur, typePos, crcPos, cur.Pos(), crcGot) {
		d.counters.CrcFailures.Add(1)
		return nil, d.fail(ctx), CRCFailure
	}
	ctx.hdr = h
	d.applyDyn(ctx, dyn)
	ctx.state = StateFC
	ctx.crcFails = 0
	ctx.scFails = 0
	d.counters.IrDyn.Add(1)

	h2 := copyHeaders(h)
	h2.Payload = cur.Rest()
	h2.Finalize(len(h2.Payload))
	out := d.marshalOut(h2)
	fb := &fbIntent{cid: cid, ackType: packet.Ack, sn: ctx.sn, send: ctx.mode != ModeU || d.targetMode != ctx.mode}
	return out, fb, OK
}

// uoFields is everything extracted from a UO packet before field
// decoding.
type uoFields struct {
	snBits  uint32
	snK     uint
	tsBits  uint32
	tsK     uint
	tsFull  uint32 // from EXT-3 R-TS
	tsRaw   bool   // tsFull is an unscaled timestamp
	tsHas   bool
	offBits uint32
	offK    uint
	offFull bool
	off16   uint16
	out16   uint16
	outFull bool
	m       bool
	mHas    bool
	crcBits uint8
	crcK    uint // 3 or 7
	ext     *packet.Ext3
	kind    packet.Kind
}

// parseUO extracts the bit fields of a UO-0/UO-1/UOR-2 packet.
func (d *Decompressor) parseUO(cur *packet.Cursor, ctx *decompContext, typ byte) (*uoFields, error) {
	f := &uoFields{kind: packet.KindOf(typ)}
	rtp := ctx.profile.rtp
	ipidSeq := ctx.hdr.Inner.V4 != nil && !ctx.innerRnd
	switch f.kind {
	case packet.KindUO0:
		f.snBits = uint32(typ >> 3 & 0x0f)
		f.snK = 4
		f.crcBits = typ & 0x07
		f.crcK = 3
	case packet.KindUO1:
		b1, err := cur.U8()
		if err != nil {
			return nil, err
		}
		f.crcBits = b1 & 0x07
		f.crcK = 3
		switch {
		case !rtp:
			f.offBits = uint32(typ & 0x3f)
			f.offK = 6
			f.snBits = uint32(b1 >> 3 & 0x1f)
			f.snK = 5
		case !ipidSeq:
			f.tsBits = uint32(typ & 0x3f)
			f.tsK = 6
			f.tsHas = true
			f.m = b1&0x80 != 0
			f.mHas = true
			f.snBits = uint32(b1 >> 3 & 0x0f)
			f.snK = 4
		case typ&0x20 != 0: // UO-1-TS
			f.tsBits = uint32(typ & 0x1f)
			f.tsK = 5
			f.tsHas = true
			f.m = b1&0x80 != 0
			f.mHas = true
			f.snBits = uint32(b1 >> 3 & 0x0f)
			f.snK = 4
		default: // UO-1-ID
			f.offBits = uint32(typ & 0x1f)
			f.offK = 5
			f.snBits = uint32(b1 >> 3 & 0x0f)
			f.snK = 4
			if b1&0x80 != 0 {
				if err := d.parseUOExt(cur, ctx, f); err != nil {
					return nil, err
				}
			}
		}
	case packet.KindUOR2:
		if !rtp {
			f.snBits = uint32(typ & 0x1f)
			f.snK = 5
			b1, err := cur.U8()
			if err != nil {
				return nil, err
			}
			f.crcBits = b1 & 0x7f
			f.crcK = 7
			if b1&0x80 != 0 {
				if err := d.parseUOExt(cur, ctx, f); err != nil {
					return nil, err
				}
			}
			break
		}
		b1, err := cur.U8()
		if err != nil {
			return nil, err
		}
		b2, err := cur.U8()
		if err != nil {
			return nil, err
		}
		f.m = b1&0x40 != 0
		f.mHas = true
		f.snBits = uint32(b1 & 0x3f)
		f.snK = 6
		f.crcBits = b2 & 0x7f
		f.crcK = 7
		if ipidSeq {
			if b1&0x80 != 0 { // T = 1: UOR-2-TS
				f.tsBits = uint32(typ & 0x1f)
				f.tsK = 5
				f.tsHas = true
			} else { // T = 0: UOR-2-ID
				f.offBits = uint32(typ & 0x1f)
				f.offK = 5
			}
		} else {
			f.tsBits = uint32(typ&0x1f)<<1 | uint32(b1>>7)
			f.tsK = 6
			f.tsHas = true
		}
		if b2&0x80 != 0 {
			if err := d.parseUOExt(cur, ctx, f); err != nil {
				return nil, err
			}
		}
	default:
		return nil, packet.ErrMalformed
	}
	return f, nil
}

// parseUOExt folds an EXT-0/1/2/3 into the extracted fields.
func (d *Decompressor) parseUOExt(cur *packet.Cursor, ctx *decompContext, f *uoFields) error {
	b, err := cur.Peek()
	if err != nil {
		return err
	}
	if b>>6 == packet.Ext3Kind {
		e, err := packet.ParseExt3(cur, ctx.profile.rtp)
		if err != nil {
			return err
		}
		f.ext = e
		if e.S {
			f.snBits = f.snBits | uint32(e.Sn)<<f.snK
			f.snK += 8
		}
		if e.RTs {
			f.tsFull = e.Ts
			f.tsRaw = !e.Tsc
			f.tsHas = true
		}
		if e.I {
			f.offFull = true
			f.off16 = e.IpID
		}
		if e.I2 {
			f.outFull = true
			f.out16 = e.IpID2
		}
		if e.RtpF {
			f.m = e.M
			f.mHas = true
		}
		return nil
	}
	e, err := packet.ParseExt(cur)
	if err != nil {
		return err
	}
	// short extensions append least significant bits
	f.snBits = f.snBits<<3 | uint32(e.Sn)
	f.snK += 3
	ipidSeq := ctx.hdr.Inner.V4 != nil && !ctx.innerRnd
	if ctx.profile.rtp && !ipidSeq {
		f.tsBits = f.tsBits<<e.PlusK() | uint32(e.Plus)
		f.tsK += e.PlusK()
		f.tsHas = true
	} else {
		f.offBits = f.offBits<<e.PlusK() | uint32(e.Plus)
		f.offK += e.PlusK()
	}
	return nil
}

// decodeUO decodes one compressed packet against the context.
func (d *Decompressor) decodeUO(cur *packet.Cursor, ctx *decompContext, typ byte) ([]byte, *fbIntent, Status) {
	f, err := d.parseUO(cur, ctx, typ)
	if err != nil {
		d.counters.Malformed.Add(1)
		return nil, d.fail(ctx), Malformed
	}

	// trailers: random IP-IDs (outer first), then the UDP checksum
	var outerIDRaw, innerIDRaw uint16
	if ctx.hdr.Outer != nil && ctx.hdr.Outer.V4 != nil && ctx.outerRnd {
		if outerIDRaw, err = cur.U16(); err != nil {
			d.counters.Malformed.Add(1)
			return nil, d.fail(ctx), Malformed
		}
	}
	if ctx.hdr.Inner.V4 != nil && ctx.innerRnd {
		if innerIDRaw, err = cur.U16(); err != nil {
			d.counters.Malformed.Add(1)
			return nil, d.fail(ctx), Malformed
		}
	}
	var udpCk uint16
	if ctx.udpChecksumUsed && ctx.hdr.Udp != nil {
		if udpCk, err = cur.U16(); err != nil {
			d.counters.Malformed.Add(1)
			return nil, d.fail(ctx), Malformed
		}
	}
	payload := cur.Rest()

	// try the reference, then the repair candidates of RFC 3095
	// section 5.3.2.2.3 (a wraparound the compressor saw but we lost)
	refs := []uint32{ctx.sn}
	if f.snK < ctx.profile.snWidth {
		step := uint32(1) << f.snK
		refs = append(refs, ctx.sn+step, ctx.sn-step)
	}
	for attempt, ref := range refs {
		if attempt > repairAttempts {
			break
		}
		h, sn, ok := d.reconstruct(ctx, f, ref, outerIDRaw, innerIDRaw, udpCk, payload)
		if !ok {
			continue
		}
		if attempt > 0 {
			d.counters.Repairs.Add(1)
			d.tracef("CID %d: repaired with shifted reference", ctx.cid)
		}
		d.commit(ctx, f, h, sn)
		out := d.marshalOut(h)
		fb := &fbIntent{cid: ctx.cid, ackType: packet.Ack, sn: sn, send: ctx.mode == ModeR || d.targetMode != ctx.mode}
		switch f.kind {
		case packet.KindUO0:
			d.counters.Uo0.Add(1)
		case packet.KindUO1:
			d.counters.Uo1.Add(1)
		default:
			d.counters.Uor2.Add(1)
		}
		return out, fb, OK
	}
	d.counters.CrcFailures.Add(1)
	return nil, d.fail(ctx), CRCFailure
}

// reconstruct rebuilds the uncompressed headers for one candidate SN
// reference and checks the packet CRC.
func (d *Decompressor) reconstruct(ctx *decompContext, f *uoFields, snRef uint32, outerIDRaw, innerIDRaw, udpCk uint16, payload []byte) (*header.Headers, uint32, bool) {
	width := ctx.profile.snWidth
	sn, err := wlsb.Decode(f.snBits, f.snK, snRef, snP(ctx.mode)(f.snK), width)
	if err != nil {
		return nil, 0, false
	}
	h := copyHeaders(ctx.hdr)
	if ctx.profile.setSn != nil {
		ctx.profile.setSn(h, sn)
	}
	dsn := (sn - ctx.sn) & uint32(uint64(1)<<width-1)

	// EXT-3 dynamic field updates
	if e := f.ext; e != nil {
		if e.Ip && h.Inner.V4 != nil {
			if e.Inner.Tos {
				h.Inner.V4.Tos = e.Inner.TosV
			}
			if e.Inner.Ttl {
				h.Inner.V4.TTL = e.Inner.TtlV
			}
		}
		if e.Ip2 && h.Outer != nil && h.Outer.V4 != nil {
			if e.Outer.Tos {
				h.Outer.V4.Tos = e.Outer.TosV
			}
			if e.Outer.Ttl {
				h.Outer.V4.TTL = e.Outer.TtlV
			}
		}
		if e.RtpF && e.RPt && h.Rtp != nil {
			h.Rtp.PT = e.Pt
		}
	}

	// RTP timestamp
	if h.Rtp != nil {
		stride := ctx.stride
		tsOffset := ctx.tsOffset
		if f.ext != nil && f.ext.Tss {
			stride = f.ext.TsStride
		}
		switch {
		case f.tsHas && f.tsRaw:
			h.Rtp.Ts = f.tsFull
		case f.tsHas && f.ext != nil && f.ext.RTs:
			h.Rtp.Ts = f.tsFull*stride + tsOffset
		case f.tsHas && stride != 0:
			scaled, err := wlsb.Decode(f.tsBits, f.tsK, ctx.scaledRef, wlsb.PTs(f.tsK), 32)
			if err != nil {
				return nil, 0, false
			}
			h.Rtp.Ts = scaled*stride + tsOffset
		case stride != 0:
			h.Rtp.Ts = (ctx.scaledRef+dsn)*stride + tsOffset
		default:
			// no stride established: TS held flat
		}
		if f.mHas {
			h.Rtp.M = f.m
		} else {
			h.Rtp.M = false
		}
	}

	// IP-ID reconstruction, inner then outer
	if v4 := h.Inner.V4; v4 != nil {
		switch {
		case ctx.innerRnd:
			v4.ID = innerIDRaw
		case f.offFull:
			v4.ID = d.idValue(f.off16, ctx.innerNbo)
		case f.offK > 0:
			off, err := wlsb.Decode(f.offBits, f.offK, uint32(ctx.innerOffRef), 0, 16)
			if err != nil {
				return nil, 0, false
			}
			v4.ID = d.idValue(uint16(sn)+uint16(off), ctx.innerNbo)
		default:
			v4.ID = d.idValue(uint16(sn)+ctx.innerOffRef, ctx.innerNbo)
		}
	}
	if h.Outer != nil && h.Outer.V4 != nil {
		v4 := h.Outer.V4
		switch {
		case ctx.outerRnd:
			v4.ID = outerIDRaw
		case f.outFull:
			v4.ID = d.idValue(f.out16, ctx.outerNbo)
		default:
			v4.ID = d.idValue(uint16(sn)+ctx.outerOffRef, ctx.outerNbo)
		}
	}

	if h.Udp != nil && ctx.udpChecksumUsed {
		h.Udp.Checksum = udpCk
	}

	h.Payload = payload
	h.Finalize(len(payload))

	// CRC witness over the rebuilt header chain
	hw := packet.NewWriter(d.hdrBuf)
	pl := h.Payload
	h.Payload = nil
	h.Marshal(hw)
	h.Payload = pl
	hb := hw.Bytes()
	d.hdrBuf = hb[:0]
	var ok bool
	if f.crcK == 3 {
		ok = crc.Crc3(hb) == f.crcBits&0x07
	} else {
		ok = crc.Crc7(hb) == f.crcBits&0x7f
	}
	return h, sn, ok
}

// commit installs the decoded packet as the new reference.
func (d *Decompressor) commit(ctx *decompContext, f *uoFields, h *header.Headers, sn uint32) {
	ctx.sn = sn
	if h.Rtp != nil {
		if f.ext != nil && f.ext.Tss {
			ctx.stride = f.ext.TsStride
			ctx.tsOffset = h.Rtp.Ts % ctx.stride
		}
		if ctx.stride != 0 {
			ctx.scaledRef = (h.Rtp.Ts - ctx.tsOffset) / ctx.stride
		}
	}
	if v4 := h.Inner.V4; v4 != nil && !ctx.innerRnd {
		ctx.innerOffRef = d.idValue(v4.ID, ctx.innerNbo) - uint16(sn)
	}
	if h.Outer != nil && h.Outer.V4 != nil && !ctx.outerRnd {
		ctx.outerOffRef = d.idValue(h.Outer.V4.ID, ctx.outerNbo) - uint16(sn)
	}
	snap := copyHeaders(h)
	snap.Payload = nil
	ctx.hdr = snap
	if f.ext != nil && f.ext.Mode != 0 {
		ctx.mode = Mode(f.ext.Mode)
	}
	if ctx.state == StateSC {
		ctx.state = StateFC
		d.tracef("CID %d: back to FC", ctx.cid)
	}
	ctx.crcFails = 0
	ctx.scFails = 0
}

// fail registers a decode failure and decides the downgrade feedback.
func (d *Decompressor) fail(ctx *decompContext) *fbIntent {
	fb := &fbIntent{cid: ctx.cid, sn: ctx.sn}
	switch ctx.state {
	case StateFC:
		ctx.crcFails++
		if ctx.crcFails >= d.k1 {
			ctx.state = StateSC
			ctx.crcFails = 0
			d.tracef("CID %d: downgrade FC -> SC", ctx.cid)
			fb.ackType = packet.Nack
			fb.send = ctx.mode != ModeU
		}
	case StateSC:
		ctx.scFails++
		if ctx.scFails >= d.k2 {
			ctx.state = StateNC
			ctx.scFails = 0
			d.tracef("CID %d: downgrade SC -> NC", ctx.cid)
			fb.ackType = packet.StaticNack
			fb.send = ctx.mode != ModeU
		}
	default:
		fb.ackType = packet.StaticNack
		fb.send = ctx.mode != ModeU
	}
	if !fb.send {
		return nil
	}
	return fb
}

// failCid is fail for a CID that may have no context yet.
func (d *Decompressor) failCid(cid uint16) *fbIntent {
	if ctx := d.contexts[cid]; ctx != nil {
		return d.fail(ctx)
	}
	return &fbIntent{cid: cid, ackType: packet.StaticNack, send: true}
}

// buildFeedback serializes a feedback intent. Decompress hands the
// result to the associated compressor, when one exists, for
// piggybacking.
func (d *Decompressor) buildFeedback(in *fbIntent) []byte {
	if !in.send {
		return nil
	}
	mode := uint8(d.targetMode)
	if ctx := d.contexts[in.cid]; ctx != nil {
		if d.targetMode != ctx.mode {
			ctx.mode = d.targetMode
		}
		mode = uint8(ctx.mode)
	}
	f := &packet.Feedback{
		CID:     in.cid,
		AckType: in.ackType,
		Mode:    mode,
		Sn:      in.sn & 0xfff,
		Options: []packet.Option{{Type: packet.OptCrc}},
	}
	w := packet.NewWriter(make([]byte, 0, 16))
	if err := f.Append(w, d.cidType); err != nil {
		d.tracef("feedback build failed: %v", err)
		return nil
	}
	d.counters.FeedbackSent.Add(1)
	return w.Bytes()
}

func verifyChainCrcFromCursor(cur *packet.Cursor, typePos, crcPos, end int, got uint8) bool {
	full := cur.Full()
	return verifyChainCrc(full, typePos, crcPos, end, got)
}
