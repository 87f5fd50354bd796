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
	"math/rand"
	"net"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/rohc/packet"
)

// rtpHeader builds a raw 12-byte RTP header.
func rtpHeader(m bool, pt uint8, sn uint16, ts, ssrc uint32) []byte {
	b := make([]byte, 12)
	b[0] = 0x80
	b[1] = pt & 0x7f
	if m {
		b[1] |= 0x80
	}
	b[2] = byte(sn >> 8)
	b[3] = byte(sn)
	b[4] = byte(ts >> 24)
	b[5] = byte(ts >> 16)
	b[6] = byte(ts >> 8)
	b[7] = byte(ts)
	b[8] = byte(ssrc >> 24)
	b[9] = byte(ssrc >> 16)
	b[10] = byte(ssrc >> 8)
	b[11] = byte(ssrc)
	return b
}

// buildIPv4UDP serializes an IPv4/UDP packet. The UDP checksum is
// cleared afterwards, matching the usual transport over cellular.
func buildIPv4UDP(t *testing.T, src, dst net.IP, sport, dport uint16, ipID uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       ipID,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src,
		DstIP:    dst,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	raw := append([]byte{}, buf.Bytes()...)
	raw[26] = 0 // zero the UDP checksum
	raw[27] = 0
	return raw
}

func buildIPv6UDP(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      src,
		DstIP:      dst,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return append([]byte{}, buf.Bytes()...)
}

func rtpPacket(t *testing.T, ssrc uint32, sn uint16, ts uint32, ipID uint16) []byte {
	payload := append(rtpHeader(false, 8, sn, ts, ssrc), []byte("0123456789abcdef0123")...)
	return buildIPv4UDP(t, net.IP{192, 168, 1, 10}, net.IP{192, 168, 1, 20}, 5004, 5004, ipID, payload)
}

func kindOfOut(out []byte) packet.Kind {
	i := 0
	for i < len(out) && packet.KindOf(out[i]) == packet.KindAddCid {
		i++
	}
	if i >= len(out) {
		return packet.KindUnknown
	}
	return packet.KindOf(out[i])
}

// Scenario: IPv4/UDP/RTP in U mode without loss. The stream settles on
// one-byte UO-0 packets and every header round-trips bit for bit.
func TestRtpLosslessUMode(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileRTP, ProfileUDP, ProfileIP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileRTP, ProfileUDP, ProfileIP)
	require.NoError(t, err)

	kinds := map[packet.Kind]int{}
	for i := 0; i < 1000; i++ {
		pkt := rtpPacket(t, 0xdeadbeef, uint16(i), uint32(i)*160, uint16(0x1000+i))
		out, status, err := comp.Compress(pkt)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		kinds[kindOfOut(out)]++
		if i == 0 {
			require.Equal(t, packet.KindIR, kindOfOut(out))
			require.GreaterOrEqual(t, len(out), 30)
		}
		if i < 4 {
			require.Equal(t, packet.KindIR, kindOfOut(out))
		}

		got, fb, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equalf(t, OK, status, "packet %d: %s", i, spew.Sdump(decomp.contexts[0]))
		require.Nil(t, fb) // U mode is silent
		require.Equalf(t, pkt, got, "packet %d corrupted", i)
	}
	assert.Equal(t, 4, kinds[packet.KindIR])
	assert.GreaterOrEqual(t, kinds[packet.KindUO0], 900, "UO-0 share too low: %v", kinds)

	// steady-state UO-0 on CID 0 is a single octet
	out, _, _ := comp.Compress(rtpPacket(t, 0xdeadbeef, 1000, 1000*160, uint16(0x1000+1000)))
	require.Equal(t, packet.KindUO0, packet.KindOf(out[0]))
	assert.Equal(t, 1+20, len(out)) // one ROHC octet plus payload
}

// Scenario: IP-only profile over a 5% lossy channel in O mode. The
// feedback loop keeps the contexts converged.
func TestIPOnlyLossyOMode(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileIP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileIP)
	require.NoError(t, err)
	decomp.SetTargetMode(ModeO)

	rng := rand.New(rand.NewSource(42))
	okCount, lost := 0, 0
	var lastOkRun int // decoded packets since the last decode failure
	for i := 0; i < 10000; i++ {
		pkt := buildIPv4UDP(t, net.IP{10, 1, 0, 1}, net.IP{10, 1, 0, 2}, 9999, 9999,
			uint16(i), []byte(fmt.Sprintf("payload-%06d", i)))
		out, status, err := comp.Compress(pkt)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		if rng.Float64() < 0.05 {
			lost++
			continue
		}
		got, fb, _, err := decomp.Decompress(out)
		require.NoError(t, err)
		if fb != nil {
			comp.DeliverFeedback(fb)
		}
		if got != nil {
			require.Equal(t, pkt, got)
			okCount++
			lastOkRun++
		} else {
			lastOkRun = 0
		}
	}
	delivered := 10000 - lost
	assert.GreaterOrEqual(t, okCount, delivered*95/100, "too many decode failures")
	assert.GreaterOrEqual(t, lastOkRun, 50, "stream did not re-converge")
}

// Scenario: SSRC change mid-stream refreshes the static chain on the
// same CID.
func TestSsrcChange(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileRTP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileRTP)
	require.NoError(t, err)

	ssrc := uint32(0x11111111)
	sawIRAt := -1
	for i := 0; i < 600; i++ {
		if i == 500 {
			ssrc = 0x22222222
		}
		pkt := rtpPacket(t, ssrc, uint16(i), uint32(i)*160, uint16(i))
		out, status, err := comp.Compress(pkt)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		if i >= 500 && kindOfOut(out) == packet.KindIR && sawIRAt < 0 {
			sawIRAt = i
		}
		got, _, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, pkt, got, "packet %d", i)
	}
	assert.Equal(t, 500, sawIRAt, "SSRC change must trigger an immediate IR")
	// refreshed in place: still a single CID
	inUse := 0
	for _, ctx := range decomp.contexts {
		if ctx != nil {
			inUse++
		}
	}
	assert.Equal(t, 1, inUse)
}

// Scenario: two multiplexed flows on a small-CID channel. The non-zero
// CID carries an Add-CID octet, CID 0 does not.
func TestSmallCidMultiplex(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)

	flow := func(i, seq int) []byte {
		return buildIPv4UDP(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2},
			uint16(20000+i), uint16(30001+2*i), uint16(seq), []byte("multiplexed"))
	}
	// claim CIDs 0..7
	for i := 0; i < 8; i++ {
		out, status, err := comp.Compress(flow(i, 0))
		require.NoError(t, err)
		require.Equal(t, OK, status)
		_, _, status, err = decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
	}
	for seq := 1; seq < 20; seq++ {
		for _, i := range []int{0, 7} {
			pkt := flow(i, seq)
			out, status, err := comp.Compress(pkt)
			require.NoError(t, err)
			require.Equal(t, OK, status)
			if i == 0 {
				assert.NotEqual(t, packet.KindAddCid, packet.KindOf(out[0]))
			} else {
				require.Equal(t, packet.KindAddCid, packet.KindOf(out[0]))
				assert.Equal(t, byte(0xe7), out[0])
			}
			got, _, status, err := decomp.Decompress(out)
			require.NoError(t, err)
			require.Equal(t, OK, status)
			require.Equal(t, pkt, got)
		}
	}
}

// Scenario: large-CID channel with CID 500 over IPv6/UDP. The CID is
// SDVL encoded in two octets.
func TestLargeCid500(t *testing.T) {
	comp, err := NewCompressor(1023, packet.CidLarge, ProfileUDP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 1023, packet.CidLarge, ProfileUDP)
	require.NoError(t, err)

	flow := func(i, seq int) []byte {
		return buildIPv6UDP(t, net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::2"),
			uint16(10000+i), 4242, []byte(fmt.Sprintf("flow-%d-%d", i, seq)))
	}
	// occupy CIDs 0..499, flow 500 lands on CID 500
	for i := 0; i <= 500; i++ {
		out, status, err := comp.Compress(flow(i, 0))
		require.NoError(t, err)
		require.Equal(t, OK, status)
		if i == 500 {
			require.Equal(t, packet.KindIR, packet.KindOf(out[0]))
			assert.Equal(t, []byte{0x81, 0xf4}, out[1:3], "CID 500 must be SDVL 10xxxxxx xxxxxxxx")
		}
		got, _, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, flow(i, 0), got)
	}
	// context found again on the next packet of the same flow
	pkt := flow(500, 1)
	out, status, err := comp.Compress(pkt)
	require.NoError(t, err)
	require.Equal(t, OK, status)
	got, _, status, err := decomp.Decompress(out)
	require.NoError(t, err)
	require.Equal(t, OK, status)
	require.Equal(t, pkt, got)
}

// Scenario: R mode. Every packet is acknowledged and references only
// advance on ACK; the steady state is UO-0.
func TestRModeAckAdvancesRef(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileRTP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileRTP)
	require.NoError(t, err)
	decomp.SetTargetMode(ModeR)

	var lastKind packet.Kind
	fbSeen := 0
	for i := 0; i < 100; i++ {
		pkt := rtpPacket(t, 0xcafe0001, uint16(i), uint32(i)*160, uint16(i))
		out, status, err := comp.Compress(pkt)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		lastKind = kindOfOut(out)
		got, fb, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, pkt, got)
		if fb != nil {
			fbSeen++
			require.Equal(t, OK, comp.DeliverFeedback(fb))
		}
	}
	assert.Equal(t, ModeR, comp.contexts[0].mode)
	assert.Equal(t, packet.KindUO0, lastKind)
	assert.GreaterOrEqual(t, fbSeen, 90, "R mode acknowledges every good packet")
	// the window holds only the unacked tail
	assert.LessOrEqual(t, comp.contexts[0].snWindow.Len(), 2)
}

// Two nodes with associated engines: feedback rides piggybacked on the
// reverse-direction stream instead of being returned to the caller.
func TestPiggybackedFeedback(t *testing.T) {
	compA, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decompA, err := NewDecompressor(compA, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	compB, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decompB, err := NewDecompressor(compB, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decompB.SetTargetMode(ModeO)

	for i := 0; i < 50; i++ {
		// A -> B
		ab := buildIPv4UDP(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}, 1111, 2221, uint16(i), []byte("ab"))
		out, status, err := compA.Compress(ab)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		got, fb, status, err := decompB.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Nil(t, fb, "feedback must be piggybacked, not returned")
		require.Equal(t, ab, got)

		// B -> A carries B's feedback up front
		ba := buildIPv4UDP(t, net.IP{10, 0, 0, 2}, net.IP{10, 0, 0, 1}, 2221, 1111, uint16(i), []byte("ba"))
		out, status, err = compB.Compress(ba)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		got, _, status, err = decompA.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, ba, got)
	}
	// B's ACKs reached A's compressor through the piggyback path
	assert.Equal(t, ModeO, compA.contexts[0].mode)
	assert.Positive(t, compA.Stats().FeedbackReceived.Load())
}

// A corrupted piggybacked feedback element is dropped on its own; the
// data packet riding behind it still decompresses.
func TestCorruptPiggybackedFeedbackSkipped(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)

	seed := buildIPv4UDP(t, net.IP{10, 3, 0, 1}, net.IP{10, 3, 0, 2}, 1234, 4321, 1, []byte("seed"))
	out, status, err := comp.Compress(seed)
	require.NoError(t, err)
	require.Equal(t, OK, status)
	_, _, status, err = decomp.Decompress(out)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	f := &packet.Feedback{CID: 0, AckType: packet.Ack, Sn: 1, Options: []packet.Option{{Type: packet.OptCrc}}}
	fw := packet.NewWriter(nil)
	require.NoError(t, f.Append(fw, packet.CidSmall))
	bad := append([]byte{}, fw.Bytes()...)
	bad[1] ^= 0x01 // break the CRC option

	data := buildIPv4UDP(t, net.IP{10, 3, 0, 1}, net.IP{10, 3, 0, 2}, 1234, 4321, 2, []byte("data"))
	out, status, err = comp.Compress(data)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	got, fb, status, err := decomp.Decompress(append(bad, out...))
	require.NoError(t, err)
	require.Equal(t, OK, status)
	require.Equal(t, data, got)
	assert.Nil(t, fb)
	assert.Equal(t, uint64(1), decomp.Stats().Malformed.Load())
}

// Non-IP input falls back to the Uncompressed profile and survives the
// round trip untouched.
func TestUncompressedFallback(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)

	junk := []byte{0x45} // looks like IPv4 but is truncated
	for i := 0; i < 6; i++ {
		out, status, err := comp.Compress(junk)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		got, _, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, junk, got)
	}
}

func TestEspRoundTrip(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileESP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileESP)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		esp := make([]byte, 8+24)
		esp[0] = 0x00
		esp[1] = 0x01
		esp[2] = 0x02
		esp[3] = 0x03
		esp[7] = byte(i + 1) // SPI 0x00010203, SN = i+1
		for j := 8; j < len(esp); j++ {
			esp[j] = byte(j * i)
		}
		ip := &layers.IPv4{
			Version: 4, IHL: 5, TTL: 64, Id: uint16(i),
			Flags: layers.IPv4DontFragment, Protocol: layers.IPProtocolESP,
			SrcIP: net.IP{172, 16, 0, 1}, DstIP: net.IP{172, 16, 0, 2},
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(esp)))
		pkt := append([]byte{}, buf.Bytes()...)

		out, status, err := comp.Compress(pkt)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		got, _, status, err := decomp.Decompress(out)
		require.NoError(t, err)
		require.Equal(t, OK, status)
		require.Equal(t, pkt, got, "packet %d", i)
	}
	assert.Positive(t, comp.Stats().Uo0.Load())
}

// Context table exhaustion evicts the least recently used flow.
func TestLruEviction(t *testing.T) {
	comp, err := NewCompressor(3, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	flow := func(i int) []byte {
		return buildIPv4UDP(t, net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2},
			uint16(40000+i), 11111, 1, []byte("x"))
	}
	for i := 0; i < 4; i++ {
		_, status, err := comp.Compress(flow(i))
		require.NoError(t, err)
		require.Equal(t, OK, status)
	}
	// a fifth flow evicts the oldest
	_, status, err := comp.Compress(flow(4))
	require.NoError(t, err)
	require.Equal(t, OK, status)
	assert.Equal(t, uint64(1), comp.Stats().ContextsEvicted.Load())
}

func TestSegmentationRoundTrip(t *testing.T) {
	comp, err := NewCompressor(15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	comp.SetMRRU(2000)
	comp.SetSegmentSize(64)
	decomp.SetMRRU(2000)

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkt := buildIPv4UDP(t, net.IP{10, 9, 0, 1}, net.IP{10, 9, 0, 2}, 7777, 8888, 1, payload)
	out, status, err := comp.Compress(pkt)
	require.NoError(t, err)
	require.Equal(t, Segment, status)

	// the output is a train of segments; feed them one at a time
	var got []byte
	cur := 0
	for cur < len(out) {
		require.Equal(t, packet.KindSegment, packet.KindOf(out[cur]))
		end := cur + 1 + 64
		if end > len(out) {
			end = len(out)
		}
		res, _, status, err := decomp.Decompress(out[cur:end])
		require.NoError(t, err)
		if res != nil {
			require.Equal(t, OK, status)
			got = res
		} else {
			require.Equal(t, Segment, status)
		}
		cur = end
	}
	require.Equal(t, pkt, got)
}

func TestDecompressMalformed(t *testing.T) {
	decomp, err := NewDecompressor(nil, 15, packet.CidSmall, ProfileUDP)
	require.NoError(t, err)
	_, _, status, err := decomp.Decompress([]byte{0xfd})
	require.NoError(t, err)
	assert.Equal(t, Malformed, status)

	// UO-0 for a CID with no context
	_, fb, status, err := decomp.Decompress([]byte{0x08})
	require.NoError(t, err)
	assert.Equal(t, NoContext, status)
	assert.NotNil(t, fb)
}

func TestCompressorRejectsBadConfig(t *testing.T) {
	_, err := NewCompressor(100, packet.CidSmall, ProfileUDP)
	assert.Error(t, err)
	_, err = NewCompressor(20000, packet.CidLarge, ProfileUDP)
	assert.Error(t, err)
	c, err := NewCompressor(15, packet.CidSmall)
	require.NoError(t, err)
	assert.Error(t, c.EnableProfile(ProfileTCP))
}
