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

package wlsb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeWraparound(t *testing.T) {
	// RFC 3095 section 4.5.1 example territory: interpretation interval
	// straddling the 16-bit wrap
	v, err := Decode(0x1, 4, 0xfffe, PSn(4), 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0001), v)

	v, err = Decode(0xf, 4, 0x0000, PSn(4), 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffff), v)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(0x10, 4, 0, 0, 16)
	assert.Error(t, err)
	_, err = Decode(0, 0, 0, 0, 16)
	assert.Error(t, err)
	_, err = Decode(0, 17, 0, 0, 16)
	assert.Error(t, err)
}

func TestEncodeSmallDelta(t *testing.T) {
	// consecutive SNs a step apart need very few bits
	k := Encode(43, 42, PSn, 16)
	assert.LessOrEqual(t, k, uint(2))

	// identical value still needs one bit
	assert.Equal(t, uint(1), Encode(42, 42, PSn, 16))

	// a large jump falls back to the full field
	assert.Equal(t, uint(16), Encode(0x8000, 0, PSn, 16))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		width := rapid.SampledFrom([]uint{8, 16, 32}).Draw(t, "width")
		wmask := uint32(uint64(1)<<width - 1)
		ref := rapid.Uint32().Draw(t, "ref") & wmask
		delta := rapid.Int64Range(-16, 4096).Draw(t, "delta")
		value := uint32(int64(ref)+delta) & wmask
		for _, p := range []P{PSn, PTs, PZero} {
			k := Encode(value, ref, p, width)
			bits := value & uint32(uint64(1)<<k-1)
			got, err := Decode(bits, k, ref, p(k), width)
			require.NoError(t, err)
			require.Equal(t, value, got)
		}
	})
}

func TestWindowK(t *testing.T) {
	w := NewWindow(4)
	_, err := w.K(10, PSn, 16)
	assert.ErrorIs(t, err, ErrNoWindow)

	for sn := uint32(100); sn < 104; sn++ {
		w.Add(sn, sn)
	}
	// value close to all references
	k, err := w.K(105, PSn, 16)
	require.NoError(t, err)
	bits := uint32(105) & uint32(uint64(1)<<k-1)
	for ref := uint32(100); ref < 104; ref++ {
		got, err := Decode(bits, k, ref, PSn(k), 16)
		require.NoError(t, err)
		assert.Equal(t, uint32(105), got)
	}
}

func TestWindowAck(t *testing.T) {
	w := NewWindow(8)
	for sn := uint32(10); sn < 18; sn++ {
		w.Add(sn, sn*100)
	}
	w.AckUpTo(14, 16)
	assert.Equal(t, 4, w.Len())
	oldest, ok := w.Oldest()
	require.True(t, ok)
	assert.Equal(t, uint32(1400), oldest)

	// ack far in the past is a no-op
	w.AckUpTo(2, 16)
	assert.Equal(t, 4, w.Len())
}

func TestWindowOverflow(t *testing.T) {
	w := NewWindow(4)
	for sn := uint32(0); sn < 10; sn++ {
		w.Add(sn, sn)
	}
	assert.Equal(t, 4, w.Len())
	oldest, _ := w.Oldest()
	assert.Equal(t, uint32(6), oldest)
	newest, _ := w.Newest()
	assert.Equal(t, uint32(9), newest)
}
