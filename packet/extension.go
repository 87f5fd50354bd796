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

package packet

import "fmt"

// Extension kinds as carried in the two discriminator bits of the
// first extension octet (RFC 3095 section 5.7.5).
const (
	Ext0     = 0
	Ext1     = 1
	Ext2     = 2
	Ext3Kind = 3
)

// Ext is an EXT-0/1/2 extension. The "+T" field is the RTP TS or the
// inner IP-ID depending on the T bit of the base header; the "-T"
// field is the other one. Non-RTP profiles use Plus for the inner
// IP-ID and Minus for the outer.
type Ext struct {
	Kind  int
	Sn    uint8  // 3 bits
	Plus  uint16 // 3 bits (EXT-0) or 11 bits (EXT-1/2)
	Minus uint8  // 8 bits, EXT-1/2 only
}

// PlusK reports how many bits of the "+T" field the extension carries.
func (e *Ext) PlusK() uint {
	if e.Kind == Ext0 {
		return 3
	}
	return 11
}

// Append emits the extension.
func (e *Ext) Append(w *Writer) error {
	switch e.Kind {
	case Ext0:
		w.PutU8(byte(e.Sn&0x7)<<3 | byte(e.Plus&0x7))
	case Ext1:
		w.PutU8(0x40 | byte(e.Sn&0x7)<<3 | byte(e.Plus>>8&0x7))
		w.PutU8(byte(e.Plus))
	case Ext2:
		w.PutU8(0x80 | byte(e.Sn&0x7)<<3 | byte(e.Plus>>8&0x7))
		w.PutU8(byte(e.Plus))
		w.PutU8(e.Minus)
	default:
		return fmt.Errorf("packet: extension kind %d has no short form: %w", e.Kind, ErrMalformed)
	}
	return nil
}

// ParseExt consumes an EXT-0/1/2, cursor at the extension octet.
func ParseExt(c *Cursor) (*Ext, error) {
	b, err := c.U8()
	if err != nil {
		return nil, err
	}
	e := &Ext{Kind: int(b >> 6), Sn: b >> 3 & 0x7}
	switch e.Kind {
	case Ext0:
		e.Plus = uint16(b & 0x7)
	case Ext1:
		b2, err := c.U8()
		if err != nil {
			return nil, err
		}
		e.Plus = uint16(b&0x7)<<8 | uint16(b2)
	case Ext2:
		b2, err := c.U8()
		if err != nil {
			return nil, err
		}
		b3, err := c.U8()
		if err != nil {
			return nil, err
		}
		e.Plus = uint16(b&0x7)<<8 | uint16(b2)
		e.Minus = b3
	default:
		return nil, fmt.Errorf("packet: EXT-3 requires profile context: %w", ErrMalformed)
	}
	return e, nil
}

// IpFlags is the inner/outer IP header flags octet of EXT-3 together
// with the conditional field values it gates.
type IpFlags struct {
	Tos, Ttl, Df, Pr, Nbo, Rnd bool

	TosV, TtlV, ProtoV uint8
}

func (f *IpFlags) octet() byte {
	var b byte
	if f.Tos {
		b |= 0x80
	}
	if f.Ttl {
		b |= 0x40
	}
	if f.Df {
		b |= 0x20
	}
	if f.Pr {
		b |= 0x10
	}
	// IPX (0x08) never emitted: extension headers are not part of the
	// compressed header chain, so no list travels in EXT-3
	if f.Nbo {
		b |= 0x04
	}
	if f.Rnd {
		b |= 0x02
	}
	return b
}

func (f *IpFlags) fromOctet(b byte) {
	f.Tos = b&0x80 != 0
	f.Ttl = b&0x40 != 0
	f.Df = b&0x20 != 0
	f.Pr = b&0x10 != 0
	f.Nbo = b&0x04 != 0
	f.Rnd = b&0x02 != 0
}

func (f *IpFlags) putFields(w *Writer) {
	if f.Tos {
		w.PutU8(f.TosV)
	}
	if f.Ttl {
		w.PutU8(f.TtlV)
	}
	if f.Pr {
		w.PutU8(f.ProtoV)
	}
}

func (f *IpFlags) readFields(c *Cursor) error {
	var err error
	if f.Tos {
		if f.TosV, err = c.U8(); err != nil {
			return err
		}
	}
	if f.Ttl {
		if f.TtlV, err = c.U8(); err != nil {
			return err
		}
	}
	if f.Pr {
		if f.ProtoV, err = c.U8(); err != nil {
			return err
		}
	}
	return nil
}

// Ext3 is the flags-driven EXT-3 extension. Rtp selects between the
// RTP-profile layout (flags S, R-TS, Tsc, I, ip, rtp) and the non-RTP
// layout (flags S, mode, I, ip, ip2).
type Ext3 struct {
	Rtp bool

	S  bool
	Sn uint8

	RTs bool
	Ts  uint32

	Tsc bool

	I    bool
	IpID uint16

	Ip    bool
	Inner IpFlags

	Ip2   bool
	Outer IpFlags
	I2    bool
	IpID2 uint16

	// mode bits: non-RTP carries them in the flags octet, RTP in the
	// RTP header flags octet
	Mode uint8

	// RTP header flags and fields
	RtpF       bool
	RPt        bool
	Pt         uint8
	M          bool
	X          bool
	Tss        bool
	TsStride   uint32
	Tis        bool
	TimeStride uint32
}

// Append emits the full EXT-3.
func (e *Ext3) Append(w *Writer) error {
	var flags byte = 0xc0
	if e.Rtp {
		if e.S {
			flags |= 0x20
		}
		if e.RTs {
			flags |= 0x10
		}
		if e.Tsc {
			flags |= 0x08
		}
		if e.I {
			flags |= 0x04
		}
		if e.Ip {
			flags |= 0x02
		}
		if e.RtpF {
			flags |= 0x01
		}
	} else {
		if e.S {
			flags |= 0x20
		}
		flags |= (e.Mode & 0x03) << 3
		if e.I {
			flags |= 0x04
		}
		if e.Ip {
			flags |= 0x02
		}
		if e.Ip2 {
			flags |= 0x01
		}
	}
	w.PutU8(flags)
	if e.Ip {
		inner := e.Inner.octet()
		if e.Rtp && e.Ip2 {
			inner |= 0x01
		}
		w.PutU8(inner)
	}
	if e.Ip2 {
		outer := e.Outer.octet()
		if e.I2 {
			outer |= 0x01
		}
		w.PutU8(outer)
	}
	if e.S {
		w.PutU8(e.Sn)
	}
	if e.RTs {
		if err := PutSDVL(w, e.Ts); err != nil {
			return err
		}
	}
	if e.Ip {
		e.Inner.putFields(w)
	}
	if e.I {
		w.PutU16(e.IpID)
	}
	if e.Ip2 {
		e.Outer.putFields(w)
		if e.I2 {
			w.PutU16(e.IpID2)
		}
	}
	if e.RtpF {
		var rf byte
		rf |= (e.Mode & 0x03) << 6
		if e.RPt {
			rf |= 0x20
		}
		if e.M {
			rf |= 0x10
		}
		if e.X {
			rf |= 0x08
		}
		if e.Tss {
			rf |= 0x02
		}
		if e.Tis {
			rf |= 0x01
		}
		w.PutU8(rf)
		if e.RPt {
			w.PutU8(e.Pt & 0x7f)
		}
		if e.Tss {
			if err := PutSDVL(w, e.TsStride); err != nil {
				return err
			}
		}
		if e.Tis {
			if err := PutSDVL(w, e.TimeStride); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseExt3 consumes an EXT-3, cursor at the flags octet. rtp selects
// the layout, matching the profile of the owning context.
func ParseExt3(c *Cursor, rtp bool) (*Ext3, error) {
	flags, err := c.U8()
	if err != nil {
		return nil, err
	}
	if flags>>6 != 0x3 {
		return nil, fmt.Errorf("packet: not an EXT-3 octet: %w", ErrMalformed)
	}
	e := &Ext3{Rtp: rtp}
	if rtp {
		e.S = flags&0x20 != 0
		e.RTs = flags&0x10 != 0
		e.Tsc = flags&0x08 != 0
		e.I = flags&0x04 != 0
		e.Ip = flags&0x02 != 0
		e.RtpF = flags&0x01 != 0
	} else {
		e.S = flags&0x20 != 0
		e.Mode = flags >> 3 & 0x03
		e.I = flags&0x04 != 0
		e.Ip = flags&0x02 != 0
		e.Ip2 = flags&0x01 != 0
	}
	if e.Ip {
		b, err := c.U8()
		if err != nil {
			return nil, err
		}
		if b&0x08 != 0 {
			return nil, fmt.Errorf("packet: IPX extension header list in EXT-3: %w", ErrMalformed)
		}
		e.Inner.fromOctet(b)
		if rtp && b&0x01 != 0 {
			e.Ip2 = true
		}
	}
	if e.Ip2 {
		b, err := c.U8()
		if err != nil {
			return nil, err
		}
		if b&0x08 != 0 {
			return nil, fmt.Errorf("packet: IPX extension header list in EXT-3: %w", ErrMalformed)
		}
		e.Outer.fromOctet(b)
		e.I2 = b&0x01 != 0
	}
	if e.S {
		if e.Sn, err = c.U8(); err != nil {
			return nil, err
		}
	}
	if e.RTs {
		v, _, err := SDVLValue(c)
		if err != nil {
			return nil, err
		}
		e.Ts = v
	}
	if e.Ip {
		if err := e.Inner.readFields(c); err != nil {
			return nil, err
		}
	}
	if e.I {
		if e.IpID, err = c.U16(); err != nil {
			return nil, err
		}
	}
	if e.Ip2 {
		if err := e.Outer.readFields(c); err != nil {
			return nil, err
		}
		if e.I2 {
			if e.IpID2, err = c.U16(); err != nil {
				return nil, err
			}
		}
	}
	if e.RtpF {
		rf, err := c.U8()
		if err != nil {
			return nil, err
		}
		e.Mode = rf >> 6 & 0x03
		e.RPt = rf&0x20 != 0
		e.M = rf&0x10 != 0
		e.X = rf&0x08 != 0
		if rf&0x04 != 0 {
			return nil, fmt.Errorf("packet: CSRC list in EXT-3: %w", ErrMalformed)
		}
		e.Tss = rf&0x02 != 0
		e.Tis = rf&0x01 != 0
		if e.RPt {
			if e.Pt, err = c.U8(); err != nil {
				return nil, err
			}
			e.Pt &= 0x7f
		}
		if e.Tss {
			if e.TsStride, _, err = SDVLValue(c); err != nil {
				return nil, err
			}
		}
		if e.Tis {
			if e.TimeStride, _, err = SDVLValue(c); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}
