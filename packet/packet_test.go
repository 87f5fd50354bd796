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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCursorBounds(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0x03})
	b, err := c.U8()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)
	v, err := c.U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), v)
	_, err = c.U8()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = c.Bytes(1)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 3, c.Pos())
}

func TestSDVLGolden(t *testing.T) {
	w := NewWriter(nil)
	require.NoError(t, PutSDVL(w, 500))
	assert.Equal(t, []byte{0x81, 0xf4}, w.Bytes())

	w.Reset()
	require.NoError(t, PutSDVL(w, 0x42))
	assert.Equal(t, []byte{0x42}, w.Bytes())

	w.Reset()
	require.NoError(t, PutSDVL(w, 1<<20))
	assert.Equal(t, []byte{0xd0, 0x00, 0x00}, w.Bytes())

	w.Reset()
	assert.Error(t, PutSDVL(w, 1<<29))
}

func TestSDVLRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32Range(0, SDVLMax).Draw(t, "v")
		w := NewWriter(nil)
		require.NoError(t, PutSDVL(w, v))
		require.Equal(t, SDVLLen(v), w.Len())
		got, _, err := SDVLValue(NewCursor(w.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v, got)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUO0, KindOf(0x00))
	assert.Equal(t, KindUO0, KindOf(0x7f))
	assert.Equal(t, KindUO1, KindOf(0x80))
	assert.Equal(t, KindUOR2, KindOf(0xc0))
	assert.Equal(t, KindPadding, KindOf(0xe0))
	assert.Equal(t, KindAddCid, KindOf(0xe7))
	assert.Equal(t, KindFeedback, KindOf(0xf0))
	assert.Equal(t, KindFeedback, KindOf(0xf7))
	assert.Equal(t, KindIRDyn, KindOf(0xf8))
	assert.Equal(t, KindIR, KindOf(0xfc))
	assert.Equal(t, KindIR, KindOf(0xfd))
	assert.Equal(t, KindSegment, KindOf(0xfe))
	assert.Equal(t, KindSegment, KindOf(0xff))
	assert.Equal(t, KindUnknown, KindOf(0xf9))
}

func TestFeedback1RoundTrip(t *testing.T) {
	f := &Feedback{CID: 7, Fb1: true, Sn: 0x2a}
	w := NewWriter(nil)
	require.NoError(t, f.Append(w, CidSmall))
	// 11110 size=2, Add-CID(7), SN
	assert.Equal(t, []byte{0xf2, 0xe7, 0x2a}, w.Bytes())

	got, err := ParseFeedback(NewCursor(w.Bytes()), CidSmall)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.CID)
	assert.True(t, got.Fb1)
	assert.Equal(t, uint32(0x2a), got.Sn)
}

func TestFeedback2RoundTrip(t *testing.T) {
	f := &Feedback{
		CID:     500,
		AckType: Nack,
		Mode:    2,
		Sn:      0xabc,
		Options: []Option{{Type: OptCrc}},
	}
	w := NewWriter(nil)
	require.NoError(t, f.Append(w, CidLarge))

	got, err := ParseFeedback(NewCursor(w.Bytes()), CidLarge)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), got.CID)
	assert.False(t, got.Fb1)
	assert.Equal(t, Nack, got.AckType)
	assert.Equal(t, uint8(2), got.Mode)
	assert.Equal(t, uint32(0xabc), got.Sn)
	assert.True(t, got.HasOption(OptCrc))
}

func TestFeedback2CrcRejectsCorruption(t *testing.T) {
	f := &Feedback{CID: 0, AckType: Ack, Sn: 42, Options: []Option{{Type: OptCrc}}}
	w := NewWriter(nil)
	require.NoError(t, f.Append(w, CidSmall))
	raw := append([]byte{}, w.Bytes()...)
	raw[1] ^= 0x01
	_, err := ParseFeedback(NewCursor(raw), CidSmall)
	assert.Error(t, err)
}

func TestFeedbackSnOption(t *testing.T) {
	f := &Feedback{CID: 1, AckType: Ack, Sn: 0x123, Options: []Option{{Type: OptSn, Data: []byte{0x45}}}}
	w := NewWriter(nil)
	require.NoError(t, f.Append(w, CidSmall))
	got, err := ParseFeedback(NewCursor(w.Bytes()), CidSmall)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345), got.Sn)
	assert.Equal(t, uint(20), got.SnWidth())
}

func TestExtRoundTrip(t *testing.T) {
	for _, e := range []*Ext{
		{Kind: Ext0, Sn: 5, Plus: 3},
		{Kind: Ext1, Sn: 2, Plus: 0x5ab},
		{Kind: Ext2, Sn: 7, Plus: 0x7ff, Minus: 0x9c},
	} {
		w := NewWriter(nil)
		require.NoError(t, e.Append(w))
		got, err := ParseExt(NewCursor(w.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestExt3RoundTrip(t *testing.T) {
	e := &Ext3{
		Rtp:  true,
		S:    true,
		Sn:   0x9a,
		RTs:  true,
		Ts:   12345,
		I:    true,
		IpID: 0xbeef,
		Ip:   true,
		Inner: IpFlags{
			Ttl:  true,
			TtlV: 63,
			Nbo:  true,
		},
		RtpF:     true,
		Mode:     1,
		RPt:      true,
		Pt:       96,
		M:        true,
		Tss:      true,
		TsStride: 160,
	}
	w := NewWriter(nil)
	require.NoError(t, e.Append(w))
	got, err := ParseExt3(NewCursor(w.Bytes()), true)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestExt3NonRtp(t *testing.T) {
	e := &Ext3{
		S:    true,
		Sn:   0x31,
		Mode: 2,
		I:    true,
		IpID: 0x0102,
		Ip:   true,
		Inner: IpFlags{
			Tos:  true,
			TosV: 0x2e,
			Rnd:  true,
		},
	}
	w := NewWriter(nil)
	require.NoError(t, e.Append(w))
	got, err := ParseExt3(NewCursor(w.Bytes()), false)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestSegmentRoundTrip(t *testing.T) {
	unit := make([]byte, 100)
	for i := range unit {
		unit[i] = byte(i)
	}
	segs := Split(unit, 40, 200)
	require.Len(t, segs, 3)

	r := NewReassembler(200)
	for i, s := range segs {
		out, err := r.Add(s, i == len(segs)-1)
		require.NoError(t, err)
		if i < len(segs)-1 {
			assert.Nil(t, out)
		} else {
			assert.Equal(t, unit, out)
		}
	}
}

func TestSegmentCrcMismatch(t *testing.T) {
	unit := []byte("segmented rohc unit payload")
	segs := Split(unit, 10, 100)
	require.NotEmpty(t, segs)
	r := NewReassembler(100)
	for i, s := range segs {
		if i == 0 {
			s = append([]byte{}, s...)
			s[0] ^= 0xff
		}
		out, err := r.Add(s, i == len(segs)-1)
		if i == len(segs)-1 {
			assert.Error(t, err)
			assert.Nil(t, out)
		}
	}
}

func TestSegmentMRRU(t *testing.T) {
	assert.Nil(t, Split(make([]byte, 100), 50, 50))
	r := NewReassembler(0)
	_, err := r.Add([]byte{1, 2, 3}, true)
	assert.Error(t, err)
}
