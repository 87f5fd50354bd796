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

	"github.com/facebook/rohc/header"
	"github.com/facebook/rohc/packet"
)

// Static and dynamic chains of IR and IR-DYN packets, RFC 3095 section
// 5.7.7. The chain walks outer IP, inner IP, then the transport the
// profile covers.

// chainDyn carries the dynamic-chain fields that live beside the
// headers: per-IP-header behavior flags, the master SN for profiles
// that generate it, and the RTP timestamp stride.
type chainDyn struct {
	innerRnd, innerNbo bool
	outerRnd, outerNbo bool
	sn                 uint32
	tsStride           uint32
}

func buildIPStatic(w *packet.Writer, ip *header.IP) {
	if ip.V4 != nil {
		w.PutU8(0x40)
		w.PutU8(ip.V4.Protocol)
		w.Put(ip.V4.Src[:])
		w.Put(ip.V4.Dst[:])
		return
	}
	v6 := ip.V6
	w.PutU8(0x60 | byte(v6.FlowLabel>>16&0x0f))
	w.PutU16(uint16(v6.FlowLabel))
	w.PutU8(v6.NextHeader)
	w.Put(v6.Src[:])
	w.Put(v6.Dst[:])
}

func parseIPStatic(c *packet.Cursor) (*header.IP, error) {
	b, err := c.U8()
	if err != nil {
		return nil, err
	}
	switch b >> 4 {
	case 4:
		v4 := &header.IPv4{}
		if v4.Protocol, err = c.U8(); err != nil {
			return nil, err
		}
		src, err := c.Bytes(4)
		if err != nil {
			return nil, err
		}
		dst, err := c.Bytes(4)
		if err != nil {
			return nil, err
		}
		copy(v4.Src[:], src)
		copy(v4.Dst[:], dst)
		return &header.IP{V4: v4}, nil
	case 6:
		v6 := &header.IPv6{}
		low, err := c.U16()
		if err != nil {
			return nil, err
		}
		v6.FlowLabel = uint32(b&0x0f)<<16 | uint32(low)
		if v6.NextHeader, err = c.U8(); err != nil {
			return nil, err
		}
		src, err := c.Bytes(16)
		if err != nil {
			return nil, err
		}
		dst, err := c.Bytes(16)
		if err != nil {
			return nil, err
		}
		copy(v6.Src[:], src)
		copy(v6.Dst[:], dst)
		return &header.IP{V6: v6}, nil
	default:
		return nil, fmt.Errorf("rohc: bad IP version in static chain: %w", packet.ErrMalformed)
	}
}

// buildStaticChain emits the static chain for the profile's header set.
func buildStaticChain(w *packet.Writer, ph *profileHandler, h *header.Headers) {
	if h.Outer != nil {
		buildIPStatic(w, h.Outer)
	}
	buildIPStatic(w, &h.Inner)
	switch ph.id {
	case ProfileUDP, ProfileRTP:
		w.PutU16(h.Udp.SrcPort)
		w.PutU16(h.Udp.DstPort)
	case ProfileESP:
		w.PutU32(h.Esp.Spi)
	}
	if ph.id == ProfileRTP {
		w.PutU32(h.Rtp.Ssrc)
	}
}

// parseStaticChain rebuilds the header skeleton from a static chain.
// hasOuter is taken from the chain itself: an inner IP protocol of
// IP-in-IP marks tunneling.
func parseStaticChain(c *packet.Cursor, ph *profileHandler) (*header.Headers, error) {
	h := &header.Headers{}
	ip, err := parseIPStatic(c)
	if err != nil {
		return nil, err
	}
	if p := ip.Proto(); p == header.ProtoIPIP || p == header.ProtoIPv6 {
		inner, err := parseIPStatic(c)
		if err != nil {
			return nil, err
		}
		h.Outer = ip
		h.Inner = *inner
	} else {
		h.Inner = *ip
	}
	switch ph.id {
	case ProfileUDP, ProfileRTP:
		u := &header.UDP{}
		if u.SrcPort, err = c.U16(); err != nil {
			return nil, err
		}
		if u.DstPort, err = c.U16(); err != nil {
			return nil, err
		}
		h.Udp = u
	case ProfileESP:
		e := &header.ESP{}
		if e.Spi, err = c.U32(); err != nil {
			return nil, err
		}
		h.Esp = e
	}
	if ph.id == ProfileRTP {
		r := &header.RTP{}
		if r.Ssrc, err = c.U32(); err != nil {
			return nil, err
		}
		h.Rtp = r
	}
	return h, nil
}

func buildIPDynamic(w *packet.Writer, ip *header.IP, rnd, nbo bool) {
	if ip.V4 != nil {
		v4 := ip.V4
		w.PutU8(v4.Tos)
		w.PutU8(v4.TTL)
		w.PutU16(v4.ID)
		var fl byte
		if v4.DF {
			fl |= 0x80
		}
		if rnd {
			fl |= 0x40
		}
		if nbo {
			fl |= 0x20
		}
		w.PutU8(fl)
		w.PutU8(0x00) // empty extension header list
		return
	}
	w.PutU8(ip.V6.TrafficClass)
	w.PutU8(ip.V6.HopLimit)
	w.PutU8(0x00)
}

func parseIPDynamic(c *packet.Cursor, ip *header.IP) (rnd, nbo bool, err error) {
	if ip.V4 != nil {
		v4 := ip.V4
		if v4.Tos, err = c.U8(); err != nil {
			return false, false, err
		}
		if v4.TTL, err = c.U8(); err != nil {
			return false, false, err
		}
		if v4.ID, err = c.U16(); err != nil {
			return false, false, err
		}
		fl, err := c.U8()
		if err != nil {
			return false, false, err
		}
		v4.DF = fl&0x80 != 0
		rnd = fl&0x40 != 0
		nbo = fl&0x20 != 0
		lst, err := c.U8()
		if err != nil {
			return false, false, err
		}
		if lst != 0 {
			return false, false, fmt.Errorf("rohc: extension header list not supported: %w", packet.ErrMalformed)
		}
		return rnd, nbo, nil
	}
	v6 := ip.V6
	if v6.TrafficClass, err = c.U8(); err != nil {
		return false, false, err
	}
	if v6.HopLimit, err = c.U8(); err != nil {
		return false, false, err
	}
	lst, err := c.U8()
	if err != nil {
		return false, false, err
	}
	if lst != 0 {
		return false, false, fmt.Errorf("rohc: extension header list not supported: %w", packet.ErrMalformed)
	}
	return false, true, nil
}

// buildDynamicChain emits the dynamic chain.
func buildDynamicChain(w *packet.Writer, ph *profileHandler, h *header.Headers, d *chainDyn) error {
	if h.Outer != nil {
		buildIPDynamic(w, h.Outer, d.outerRnd, d.outerNbo)
	}
	buildIPDynamic(w, &h.Inner, d.innerRnd, d.innerNbo)
	switch ph.id {
	case ProfileUDP:
		w.PutU16(h.Udp.Checksum)
		w.PutU16(uint16(d.sn))
	case ProfileIP:
		w.PutU16(uint16(d.sn))
	case ProfileESP:
		w.PutU32(h.Esp.Sn)
	case ProfileRTP:
		w.PutU16(h.Udp.Checksum)
		r := h.Rtp
		b0 := byte(2 << 6)
		if r.P {
			b0 |= 0x20
		}
		if r.X {
			b0 |= 0x10
		}
		b0 |= byte(len(r.Csrc) & 0x0f)
		w.PutU8(b0)
		b1 := r.PT & 0x7f
		if r.M {
			b1 |= 0x80
		}
		w.PutU8(b1)
		w.PutU16(r.Sn)
		w.PutU32(r.Ts)
		for _, cs := range r.Csrc {
			w.PutU32(cs)
		}
		if d.tsStride != 0 {
			w.PutU8(0x01)
			if err := packet.PutSDVL(w, d.tsStride); err != nil {
				return err
			}
		} else {
			w.PutU8(0x00)
		}
	}
	return nil
}

// parseDynamicChain fills dynamic fields of h in place.
func parseDynamicChain(c *packet.Cursor, ph *profileHandler, h *header.Headers, d *chainDyn) error {
	var err error
	if h.Outer != nil {
		if d.outerRnd, d.outerNbo, err = parseIPDynamic(c, h.Outer); err != nil {
			return err
		}
	}
	if d.innerRnd, d.innerNbo, err = parseIPDynamic(c, &h.Inner); err != nil {
		return err
	}
	switch ph.id {
	case ProfileUDP:
		if h.Udp.Checksum, err = c.U16(); err != nil {
			return err
		}
		sn, err := c.U16()
		if err != nil {
			return err
		}
		d.sn = uint32(sn)
	case ProfileIP:
		sn, err := c.U16()
		if err != nil {
			return err
		}
		d.sn = uint32(sn)
	case ProfileESP:
		if h.Esp.Sn, err = c.U32(); err != nil {
			return err
		}
		d.sn = h.Esp.Sn
	case ProfileRTP:
		if h.Udp.Checksum, err = c.U16(); err != nil {
			return err
		}
		r := h.Rtp
		b0, err := c.U8()
		if err != nil {
			return err
		}
		if b0>>6 != 2 {
			return fmt.Errorf("rohc: bad RTP version in dynamic chain: %w", packet.ErrMalformed)
		}
		r.P = b0&0x20 != 0
		r.X = b0&0x10 != 0
		cc := int(b0 & 0x0f)
		b1, err := c.U8()
		if err != nil {
			return err
		}
		r.M = b1&0x80 != 0
		r.PT = b1 & 0x7f
		if r.Sn, err = c.U16(); err != nil {
			return err
		}
		if r.Ts, err = c.U32(); err != nil {
			return err
		}
		r.Csrc = r.Csrc[:0]
		for i := 0; i < cc; i++ {
			cs, err := c.U32()
			if err != nil {
				return err
			}
			r.Csrc = append(r.Csrc, cs)
		}
		fl, err := c.U8()
		if err != nil {
			return err
		}
		if fl&0x01 != 0 {
			if d.tsStride, _, err = packet.SDVLValue(c); err != nil {
				return err
			}
		}
		d.sn = uint32(r.Sn)
	}
	return nil
}
