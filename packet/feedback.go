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

// AckType is the FEEDBACK-2 acknowledgment type (RFC 3095 5.7.6.2).
type AckType uint8

// FEEDBACK-2 acktypes.
const (
	Ack        AckType = 0
	Nack       AckType = 1
	StaticNack AckType = 2
)

func (a AckType) String() string {
	switch a {
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case StaticNack:
		return "STATIC-NACK"
	}
	return "RESERVED"
}

// FEEDBACK-2 option types, RFC 3095 section 5.7.6.3 to 5.7.6.9.
const (
	OptCrc        uint8 = 1
	OptReject     uint8 = 2
	OptSnNotValid uint8 = 3
	OptSn         uint8 = 4
	OptClock      uint8 = 5
	OptJitter     uint8 = 6
	OptLoss       uint8 = 7
)

// Option is a raw FEEDBACK-2 option.
type Option struct {
	Type uint8
	Data []byte
}

// Feedback is a parsed or to-be-built feedback element. Fb1 selects the
// one-octet FEEDBACK-1 form; everything but CID and Sn is ignored then.
type Feedback struct {
	CID     uint16
	Fb1     bool
	AckType AckType
	Mode    uint8
	Sn      uint32
	Options []Option
}

// SnWidth reports how many SN bits the element carries: 8 for
// FEEDBACK-1, 12 for FEEDBACK-2, 20 with a one-octet SN option.
func (f *Feedback) SnWidth() uint {
	if f.Fb1 {
		return 8
	}
	w := uint(12)
	for _, o := range f.Options {
		if o.Type == OptSn {
			w += 8 * uint(len(o.Data))
		}
	}
	return w
}

// HasOption reports whether an option of the given type is present.
func (f *Feedback) HasOption(t uint8) bool {
	for _, o := range f.Options {
		if o.Type == t {
			return true
		}
	}
	return false
}

// Append emits the feedback element, header octet included, onto w.
// Small CIDs 1..15 get an Add-CID octet inside the feedback payload;
// large CIDs are SDVL encoded there. The CRC option, when requested
// with empty data, is computed over the feedback data after the header
// and size octets (CID, feedback octets and options) with the CRC
// field zeroed (RFC 3095 section 5.7.6.3).
func (f *Feedback) Append(w *Writer, cidType CidType) error {
	body := NewWriter(make([]byte, 0, 16))
	if cidType == CidSmall {
		if f.CID > MaxSmallCid {
			return fmt.Errorf("packet: CID %d on small-CID channel: %w", f.CID, ErrMalformed)
		}
		if f.CID != 0 {
			body.PutU8(AddCid(f.CID))
		}
	} else {
		if err := PutSDVL(body, uint32(f.CID)); err != nil {
			return err
		}
	}
	crcPos := -1
	if f.Fb1 {
		body.PutU8(byte(f.Sn))
	} else {
		body.PutU8(byte(f.AckType)<<6 | f.Mode<<4 | byte(f.Sn>>8)&0x0f)
		body.PutU8(byte(f.Sn))
		for _, o := range f.Options {
			data := o.Data
			if o.Type == OptCrc && len(data) == 0 {
				data = []byte{0}
			}
			if len(data) > 15 {
				return fmt.Errorf("packet: feedback option %d too long: %w", o.Type, ErrMalformed)
			}
			body.PutU8(o.Type<<4 | byte(len(data)))
			if o.Type == OptCrc {
				crcPos = body.Len()
			}
			body.Put(data)
		}
	}
	size := body.Len()
	if size == 0 || size > 0xff {
		return ErrMalformed
	}
	if size < 8 {
		w.PutU8(fbBase | byte(size))
	} else {
		w.PutU8(fbBase)
		w.PutU8(byte(size))
	}
	if crcPos >= 0 {
		body.Set(crcPos, crc.Crc8(body.Bytes()))
	}
	w.Put(body.Bytes())
	return nil
}

// ParseFeedback consumes one feedback element, cursor positioned at the
// 11110xxx header octet. A CRC option that does not verify fails the
// whole element.
func ParseFeedback(c *Cursor, cidType CidType) (*Feedback, error) {
	hdr, err := c.U8()
	if err != nil {
		return nil, err
	}
	if hdr&0xf8 != fbBase {
		return nil, ErrMalformed
	}
	size := int(hdr & 0x07)
	if size == 0 {
		b, err := c.U8()
		if err != nil {
			return nil, err
		}
		size = int(b)
	}
	body, err := c.Bytes(size)
	if err != nil {
		return nil, err
	}
	bc := NewCursor(body)
	f := &Feedback{}
	if cidType == CidSmall {
		if b, err := bc.Peek(); err == nil && KindOf(b) == KindAddCid {
			_, _ = bc.U8()
			f.CID = uint16(b & 0x0f)
		}
	} else {
		cid, err := ReadLargeCid(bc, CidLarge)
		if err != nil {
			return nil, err
		}
		f.CID = cid
	}
	if bc.Len() == 1 {
		b, _ := bc.U8()
		f.Fb1 = true
		f.Sn = uint32(b)
		return f, nil
	}
	b1, err := bc.U8()
	if err != nil {
		return nil, err
	}
	b2, err := bc.U8()
	if err != nil {
		return nil, err
	}
	f.AckType = AckType(b1 >> 6)
	f.Mode = b1 >> 4 & 0x03
	f.Sn = uint32(b1&0x0f)<<8 | uint32(b2)
	crcPos := -1
	for bc.Len() > 0 {
		ob, err := bc.U8()
		if err != nil {
			return nil, err
		}
		olen := int(ob & 0x0f)
		if ob>>4 == OptCrc && olen == 1 {
			crcPos = bc.Pos()
		}
		data, err := bc.Bytes(olen)
		if err != nil {
			return nil, err
		}
		f.Options = append(f.Options, Option{Type: ob >> 4, Data: data})
		if ob>>4 == OptSn {
			for _, d := range data {
				f.Sn = f.Sn<<8 | uint32(d)
			}
		}
	}
	if crcPos >= 0 {
		scratch := make([]byte, len(body))
		copy(scratch, body)
		got := scratch[crcPos]
		scratch[crcPos] = 0
		if crc.Crc8(scratch) != got {
			return nil, fmt.Errorf("packet: feedback CRC mismatch: %w", ErrMalformed)
		}
	}
	return f, nil
}
