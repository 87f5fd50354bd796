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
	"fmt"

	"github.com/facebook/rohc/crc"
)

// Segmentation, RFC 3095 section 5.2.5. A unit larger than the channel
// can carry is split into segments, each prefixed with the 1111111F
// type octet; the final segment ends with a CRC-32 over the
// reconstructed unit. MRRU bounds the reconstructed unit, CRC
// included.

// Split cuts unit into segment payloads of at most maxSeg bytes each
// (type octet excluded), appending the CRC-32 suffix to the last one.
// It returns nil if unit plus CRC exceeds mrru.
func Split(unit []byte, maxSeg, mrru int) [][]byte {
	if mrru <= 0 || len(unit)+4 > mrru || maxSeg <= 0 {
		return nil
	}
	full := make([]byte, 0, len(unit)+4)
	full = append(full, unit...)
	sum := crc.Crc32(unit)
	full = append(full, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
	var segs [][]byte
	for off := 0; off < len(full); off += maxSeg {
		end := off + maxSeg
		if end > len(full) {
			end = len(full)
		}
		segs = append(segs, full[off:end])
	}
	return segs
}

// Reassembler accumulates segments of one unit per channel. ROHC
// channels interleave no more than one segmented unit, so a single
// buffer suffices.
type Reassembler struct {
	buf  []byte
	mrru int
	open bool
}

// NewReassembler returns a reassembler accepting units up to mrru
// bytes, CRC included. mrru = 0 disables segmentation.
func NewReassembler(mrru int) *Reassembler {
	return &Reassembler{mrru: mrru}
}

// SetMRRU updates the unit bound and discards any partial unit.
func (r *Reassembler) SetMRRU(mrru int) {
	r.mrru = mrru
	r.Discard()
}

// Discard drops a partially reassembled unit.
func (r *Reassembler) Discard() {
	r.buf = r.buf[:0]
	r.open = false
}

// Add consumes one segment payload. On the final segment it verifies
// the trailing CRC-32 and returns the reassembled unit.
func (r *Reassembler) Add(seg []byte, final bool) ([]byte, error) {
	if r.mrru == 0 {
		return nil, fmt.Errorf("packet: segment on channel with MRRU 0: %w", ErrMalformed)
	}
	if len(r.buf)+len(seg) > r.mrru {
		r.Discard()
		return nil, fmt.Errorf("packet: reassembled unit exceeds MRRU %d: %w", r.mrru, ErrMalformed)
	}
	r.buf = append(r.buf, seg...)
	r.open = true
	if !final {
		return nil, nil
	}
	defer r.Discard()
	if len(r.buf) < 4 {
		return nil, ErrMalformed
	}
	unit := r.buf[:len(r.buf)-4]
	tail := r.buf[len(r.buf)-4:]
	want := uint32(tail[0])<<24 | uint32(tail[1])<<16 | uint32(tail[2])<<8 | uint32(tail[3])
	if crc.Crc32(unit) != want {
		return nil, fmt.Errorf("packet: segment CRC-32 mismatch: %w", ErrMalformed)
	}
	out := make([]byte, len(unit))
	copy(out, unit)
	return out, nil
}
