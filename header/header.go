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

// Package header parses and rebuilds the uncompressed IP/UDP/RTP/ESP
// headers the engine compresses. Reconstruction is bit-exact: a parsed
// header marshals back to the original bytes, which is what the
// compressed-packet CRC is computed over.
package header

import (
	"fmt"

	"github.com/facebook/rohc/packet"
)

// IP protocol numbers the engine understands.
const (
	ProtoIPIP uint8 = 4
	ProtoUDP  uint8 = 17
	ProtoIPv6 uint8 = 41
	ProtoESP  uint8 = 50
)

// IPv4 is an IPv4 header without options. Headers carrying options are
// not compressible and stay on the Uncompressed profile.
type IPv4 struct {
	Tos      uint8
	TotalLen uint16
	ID       uint16
	DF       bool
	MF       bool
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// ParseIPv4 consumes a 20-byte IPv4 header.
func ParseIPv4(c *packet.Cursor) (*IPv4, error) {
	b, err := c.Bytes(20)
	if err != nil {
		return nil, err
	}
	if b[0]>>4 != 4 {
		return nil, fmt.Errorf("header: not IPv4: %w", packet.ErrMalformed)
	}
	if b[0]&0x0f != 5 {
		return nil, fmt.Errorf("header: IPv4 options present: %w", packet.ErrMalformed)
	}
	h := &IPv4{
		Tos:      b[1],
		TotalLen: uint16(b[2])<<8 | uint16(b[3]),
		ID:       uint16(b[4])<<8 | uint16(b[5]),
		DF:       b[6]&0x40 != 0,
		MF:       b[6]&0x20 != 0,
		FragOff:  (uint16(b[6]&0x1f)<<8 | uint16(b[7])),
		TTL:      b[8],
		Protocol: b[9],
		Checksum: uint16(b[10])<<8 | uint16(b[11]),
	}
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return h, nil
}

// Marshal writes the header, recomputing the checksum.
func (h *IPv4) Marshal(w *packet.Writer) {
	start := w.Len()
	w.PutU8(0x45)
	w.PutU8(h.Tos)
	w.PutU16(h.TotalLen)
	w.PutU16(h.ID)
	var fl byte
	if h.DF {
		fl |= 0x40
	}
	if h.MF {
		fl |= 0x20
	}
	w.PutU8(fl | byte(h.FragOff>>8&0x1f))
	w.PutU8(byte(h.FragOff))
	w.PutU8(h.TTL)
	w.PutU8(h.Protocol)
	w.PutU16(0)
	w.Put(h.Src[:])
	w.Put(h.Dst[:])
	sum := checksum(w.Bytes()[start : start+20])
	w.Set(start+10, byte(sum>>8))
	w.Set(start+11, byte(sum))
	h.Checksum = sum
}

// checksum is the ones-complement internet checksum.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// IPv6 is a fixed IPv6 header. Extension headers are not parsed: they
// stay in the payload, so such a flow has no transport header and goes
// to the IP-only profile when it is enabled, else to Uncompressed.
type IPv6 struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          [16]byte
	Dst          [16]byte
}

// ParseIPv6 consumes a 40-byte IPv6 header.
func ParseIPv6(c *packet.Cursor) (*IPv6, error) {
	b, err := c.Bytes(40)
	if err != nil {
		return nil, err
	}
	if b[0]>>4 != 6 {
		return nil, fmt.Errorf("header: not IPv6: %w", packet.ErrMalformed)
	}
	h := &IPv6{
		TrafficClass: b[0]<<4 | b[1]>>4,
		FlowLabel:    uint32(b[1]&0x0f)<<16 | uint32(b[2])<<8 | uint32(b[3]),
		PayloadLen:   uint16(b[4])<<8 | uint16(b[5]),
		NextHeader:   b[6],
		HopLimit:     b[7],
	}
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])
	return h, nil
}

// Marshal writes the header.
func (h *IPv6) Marshal(w *packet.Writer) {
	w.PutU8(0x60 | h.TrafficClass>>4)
	w.PutU8(h.TrafficClass<<4 | byte(h.FlowLabel>>16&0x0f))
	w.PutU16(uint16(h.FlowLabel))
	w.PutU16(h.PayloadLen)
	w.PutU8(h.NextHeader)
	w.PutU8(h.HopLimit)
	w.Put(h.Src[:])
	w.Put(h.Dst[:])
}

// IP wraps one IP header of either version.
type IP struct {
	V4 *IPv4
	V6 *IPv6
}

// Proto returns the payload protocol / next header.
func (ip *IP) Proto() uint8 {
	if ip.V4 != nil {
		return ip.V4.Protocol
	}
	return ip.V6.NextHeader
}

// Len returns the marshaled length.
func (ip *IP) Len() int {
	if ip.V4 != nil {
		return 20
	}
	return 40
}

// Marshal writes whichever version is present.
func (ip *IP) Marshal(w *packet.Writer) {
	if ip.V4 != nil {
		ip.V4.Marshal(w)
	} else {
		ip.V6.Marshal(w)
	}
}

// UDP is a UDP header.
type UDP struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParseUDP consumes an 8-byte UDP header.
func ParseUDP(c *packet.Cursor) (*UDP, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return nil, err
	}
	return &UDP{
		SrcPort:  uint16(b[0])<<8 | uint16(b[1]),
		DstPort:  uint16(b[2])<<8 | uint16(b[3]),
		Length:   uint16(b[4])<<8 | uint16(b[5]),
		Checksum: uint16(b[6])<<8 | uint16(b[7]),
	}, nil
}

// Marshal writes the header. The checksum travels verbatim: the engine
// never recomputes it, per RFC 3095 section 5.7.7.5.
func (h *UDP) Marshal(w *packet.Writer) {
	w.PutU16(h.SrcPort)
	w.PutU16(h.DstPort)
	w.PutU16(h.Length)
	w.PutU16(h.Checksum)
}

// RTP is an RTP header, RFC 3550 section 5.1.
type RTP struct {
	P    bool
	X    bool
	M    bool
	PT   uint8
	Sn   uint16
	Ts   uint32
	Ssrc uint32
	Csrc []uint32
}

// ParseRTP consumes an RTP header including the CSRC list.
func ParseRTP(c *packet.Cursor) (*RTP, error) {
	b, err := c.Bytes(12)
	if err != nil {
		return nil, err
	}
	if b[0]>>6 != 2 {
		return nil, fmt.Errorf("header: not RTPv2: %w", packet.ErrMalformed)
	}
	h := &RTP{
		P:    b[0]&0x20 != 0,
		X:    b[0]&0x10 != 0,
		M:    b[1]&0x80 != 0,
		PT:   b[1] & 0x7f,
		Sn:   uint16(b[2])<<8 | uint16(b[3]),
		Ts:   uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		Ssrc: uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
	}
	cc := int(b[0] & 0x0f)
	for i := 0; i < cc; i++ {
		v, err := c.U32()
		if err != nil {
			return nil, err
		}
		h.Csrc = append(h.Csrc, v)
	}
	return h, nil
}

// Marshal writes the header.
func (h *RTP) Marshal(w *packet.Writer) {
	b0 := byte(2 << 6)
	if h.P {
		b0 |= 0x20
	}
	if h.X {
		b0 |= 0x10
	}
	b0 |= byte(len(h.Csrc) & 0x0f)
	w.PutU8(b0)
	b1 := h.PT & 0x7f
	if h.M {
		b1 |= 0x80
	}
	w.PutU8(b1)
	w.PutU16(h.Sn)
	w.PutU32(h.Ts)
	w.PutU32(h.Ssrc)
	for _, c := range h.Csrc {
		w.PutU32(c)
	}
}

// Len returns the marshaled length.
func (h *RTP) Len() int { return 12 + 4*len(h.Csrc) }

// ESP is the ESP header prefix of RFC 4303 the engine can compress.
type ESP struct {
	Spi uint32
	Sn  uint32
}

// ParseESP consumes the 8-byte ESP prefix.
func ParseESP(c *packet.Cursor) (*ESP, error) {
	spi, err := c.U32()
	if err != nil {
		return nil, err
	}
	sn, err := c.U32()
	if err != nil {
		return nil, err
	}
	return &ESP{Spi: spi, Sn: sn}, nil
}

// Marshal writes the prefix.
func (h *ESP) Marshal(w *packet.Writer) {
	w.PutU32(h.Spi)
	w.PutU32(h.Sn)
}

// Headers is a decoded header chain: at most two IP headers, then UDP
// (optionally carrying RTP) or ESP. Payload aliases the input packet.
type Headers struct {
	Outer   *IP
	Inner   IP
	Udp     *UDP
	Rtp     *RTP
	Esp     *ESP
	Payload []byte
}

func parseIP(c *packet.Cursor) (*IP, error) {
	b, err := c.Peek()
	if err != nil {
		return nil, err
	}
	switch b >> 4 {
	case 4:
		v4, err := ParseIPv4(c)
		if err != nil {
			return nil, err
		}
		return &IP{V4: v4}, nil
	case 6:
		v6, err := ParseIPv6(c)
		if err != nil {
			return nil, err
		}
		return &IP{V6: v6}, nil
	default:
		return nil, fmt.Errorf("header: IP version %d: %w", b>>4, packet.ErrMalformed)
	}
}

// Parse decodes a raw packet into its header chain. withRtp asks for an
// RTP parse of the UDP payload; the caller decides that per flow, the
// engine cannot tell RTP from arbitrary UDP data by inspection alone.
func Parse(pkt []byte, withRtp bool) (*Headers, error) {
	c := packet.NewCursor(pkt)
	h := &Headers{}
	ip, err := parseIP(c)
	if err != nil {
		return nil, err
	}
	if p := ip.Proto(); p == ProtoIPIP || p == ProtoIPv6 {
		inner, err := parseIP(c)
		if err != nil {
			return nil, err
		}
		h.Outer = ip
		h.Inner = *inner
	} else {
		h.Inner = *ip
	}
	if v4 := h.Inner.V4; v4 != nil && (v4.MF || v4.FragOff != 0) {
		return nil, fmt.Errorf("header: fragmented packet: %w", packet.ErrMalformed)
	}
	switch h.Inner.Proto() {
	case ProtoUDP:
		if h.Udp, err = ParseUDP(c); err != nil {
			return nil, err
		}
		if withRtp {
			if h.Rtp, err = ParseRTP(c); err != nil {
				return nil, err
			}
		}
	case ProtoESP:
		if h.Esp, err = ParseESP(c); err != nil {
			return nil, err
		}
	}
	h.Payload = c.Rest()
	return h, nil
}

// ParseIPOnly decodes just the IP header chain, leaving any transport
// header in the payload. The IP-only profile compresses flows this way.
func ParseIPOnly(pkt []byte) (*Headers, error) {
	c := packet.NewCursor(pkt)
	h := &Headers{}
	ip, err := parseIP(c)
	if err != nil {
		return nil, err
	}
	if p := ip.Proto(); p == ProtoIPIP || p == ProtoIPv6 {
		inner, err := parseIP(c)
		if err != nil {
			return nil, err
		}
		h.Outer = ip
		h.Inner = *inner
	} else {
		h.Inner = *ip
	}
	if v4 := h.Inner.V4; v4 != nil && (v4.MF || v4.FragOff != 0) {
		return nil, fmt.Errorf("header: fragmented packet: %w", packet.ErrMalformed)
	}
	h.Payload = c.Rest()
	return h, nil
}

// Len returns the total marshaled header length.
func (h *Headers) Len() int {
	n := h.Inner.Len()
	if h.Outer != nil {
		n += h.Outer.Len()
	}
	if h.Udp != nil {
		n += 8
	}
	if h.Rtp != nil {
		n += h.Rtp.Len()
	}
	if h.Esp != nil {
		n += 8
	}
	return n
}

// Finalize recomputes the length fields from the payload size, used
// when rebuilding headers at the decompressor.
func (h *Headers) Finalize(payloadLen int) {
	transport := 0
	if h.Udp != nil {
		transport = 8 + payloadLen
		if h.Rtp != nil {
			transport += h.Rtp.Len()
		}
		h.Udp.Length = uint16(transport)
	} else if h.Esp != nil {
		transport = 8 + payloadLen
	} else {
		transport = payloadLen
	}
	inner := h.Inner.Len() + transport
	if h.Inner.V4 != nil {
		h.Inner.V4.TotalLen = uint16(inner)
	} else {
		h.Inner.V6.PayloadLen = uint16(transport)
	}
	if h.Outer != nil {
		if h.Outer.V4 != nil {
			h.Outer.V4.TotalLen = uint16(h.Outer.Len() + inner)
		} else {
			h.Outer.V6.PayloadLen = uint16(inner)
		}
	}
}

// Marshal writes the full header chain followed by the payload.
func (h *Headers) Marshal(w *packet.Writer) {
	if h.Outer != nil {
		h.Outer.Marshal(w)
	}
	h.Inner.Marshal(w)
	if h.Udp != nil {
		h.Udp.Marshal(w)
	}
	if h.Rtp != nil {
		h.Rtp.Marshal(w)
	}
	if h.Esp != nil {
		h.Esp.Marshal(w)
	}
	w.Put(h.Payload)
}
