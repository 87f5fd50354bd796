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

// First-octet values of RFC 3095 section 5.2.
const (
	Padding    byte = 0xe0 // 11100000
	addCidBase byte = 0xe0 // 1110xxxx, xxxx > 0
	fbBase     byte = 0xf0 // 11110xxx
	segBase    byte = 0xfe // 1111111F
	TypeIR     byte = 0xfc // 1111110D
	TypeIRDyn  byte = 0xf8 // 11111000
)

// Kind classifies the packet type octet.
type Kind int

// Packet kinds in discriminator order.
const (
	KindUnknown Kind = iota
	KindPadding
	KindAddCid
	KindFeedback
	KindSegment
	KindIR
	KindIRDyn
	KindUO0
	KindUO1
	KindUOR2
)

var kindNames = map[Kind]string{
	KindUnknown:  "UNKNOWN",
	KindPadding:  "PADDING",
	KindAddCid:   "ADD-CID",
	KindFeedback: "FEEDBACK",
	KindSegment:  "SEGMENT",
	KindIR:       "IR",
	KindIRDyn:    "IR-DYN",
	KindUO0:      "UO-0",
	KindUO1:      "UO-1",
	KindUOR2:     "UOR-2",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// KindOf classifies a first octet per the RFC 3095 discriminator tree.
func KindOf(b byte) Kind {
	switch {
	case b&0x80 == 0:
		return KindUO0
	case b&0xc0 == 0x80:
		return KindUO1
	case b&0xe0 == 0xc0:
		return KindUOR2
	case b == Padding:
		return KindPadding
	case b&0xf0 == 0xe0:
		return KindAddCid
	case b&0xf8 == fbBase:
		return KindFeedback
	case b&0xfe == TypeIR:
		return KindIR
	case b == TypeIRDyn:
		return KindIRDyn
	case b&0xfe == segBase:
		return KindSegment
	default:
		return KindUnknown
	}
}

// AddCid returns the Add-CID octet for a small CID in 1..15.
func AddCid(cid uint16) byte {
	return addCidBase | byte(cid&0x0f)
}

// IsFinalSegment reports the F bit of a segment type octet.
func IsFinalSegment(b byte) bool { return b&0x01 != 0 }

// SegmentType returns the segment type octet with the given F bit.
func SegmentType(final bool) byte {
	if final {
		return segBase | 0x01
	}
	return segBase
}

// CidType selects small (Add-CID) or large (SDVL) CID framing for a
// channel. The two sides of a channel must agree on it by negotiation.
type CidType int

// CID framings.
const (
	CidSmall CidType = iota
	CidLarge
)

func (t CidType) String() string {
	if t == CidLarge {
		return "large"
	}
	return "small"
}

// MaxSmallCid and MaxLargeCid bound the CID space per framing.
const (
	MaxSmallCid = 15
	MaxLargeCid = 16383
)

// PutCidPrefix emits the small-CID Add-CID octet when cid > 0. Large
// CIDs are not a prefix: they follow the type octet, see PutLargeCid.
func PutCidPrefix(w *Writer, t CidType, cid uint16) {
	if t == CidSmall && cid != 0 {
		w.PutU8(AddCid(cid))
	}
}

// PutLargeCid emits the SDVL-encoded CID after the type octet.
func PutLargeCid(w *Writer, t CidType, cid uint16) error {
	if t != CidLarge {
		return nil
	}
	return PutSDVL(w, uint32(cid))
}

// ReadLargeCid consumes the SDVL CID following a type octet on a
// large-CID channel.
func ReadLargeCid(c *Cursor, t CidType) (uint16, error) {
	if t != CidLarge {
		return 0, nil
	}
	v, _, err := SDVLValue(c)
	if err != nil {
		return 0, err
	}
	if v > MaxLargeCid {
		return 0, ErrMalformed
	}
	return uint16(v), nil
}
