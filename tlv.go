package healthcard

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var ErrMalformedTLV = errors.New("malformed BER-TLV")

// BerTag is a BER encoded tag including all of its subsequent octets.
type BerTag []byte

func (t BerTag) Constructed() bool {
	return len(t) > 0 && t[0]&0x20 != 0
}

func (t BerTag) String() string {
	return fmt.Sprintf("%X", []byte(t))
}

type TLV struct {
	Tag      BerTag
	Value    []byte
	Children TLVs
}

type TLVs []TLV

// ParseTLV parses a sequence of BER-TLV objects. Constructed objects are
// parsed recursively into Children. Trailing bytes that are not a complete
// object are an error.
func ParseTLV(data []byte) (TLVs, error) {
	s := cryptobyte.String(data)
	var tlvs TLVs
	for !s.Empty() {
		tlv, err := readTLV(&s)
		if err != nil {
			return nil, err
		}
		tlvs = append(tlvs, tlv)
	}
	return tlvs, nil
}

func readTLV(s *cryptobyte.String) (TLV, error) {
	var first uint8
	if !s.ReadUint8(&first) {
		return TLV{}, ErrMalformedTLV
	}
	tag := BerTag{first}
	if first&0x1F == 0x1F {
		for {
			var b uint8
			if !s.ReadUint8(&b) {
				return TLV{}, fmt.Errorf("%w: truncated tag", ErrMalformedTLV)
			}
			tag = append(tag, b)
			if b&0x80 == 0 {
				break
			}
		}
	}

	var lb uint8
	if !s.ReadUint8(&lb) {
		return TLV{}, fmt.Errorf("%w: missing length of tag %s", ErrMalformedTLV, tag)
	}
	length := int(lb)
	if lb&0x80 != 0 {
		n := int(lb & 0x7F)
		if n == 0 || n > 3 {
			return TLV{}, fmt.Errorf("%w: unsupported length form %02X", ErrMalformedTLV, lb)
		}
		length = 0
		for i := 0; i < n; i++ {
			var b uint8
			if !s.ReadUint8(&b) {
				return TLV{}, fmt.Errorf("%w: truncated length of tag %s", ErrMalformedTLV, tag)
			}
			length = length<<8 | int(b)
		}
	}

	var value []byte
	if !s.ReadBytes(&value, length) {
		return TLV{}, fmt.Errorf("%w: value of tag %s truncated", ErrMalformedTLV, tag)
	}
	tlv := TLV{Tag: tag, Value: value}
	if tag.Constructed() {
		children, err := ParseTLV(value)
		if err != nil {
			return TLV{}, err
		}
		tlv.Children = children
	}
	return tlv, nil
}

// FindFirstWithTag searches depth-first for the first object with the tag.
func (t TLVs) FindFirstWithTag(tag BerTag) *TLV {
	for i := range t {
		if bytes.Equal(t[i].Tag, tag) {
			return &t[i]
		}
		if found := t[i].Children.FindFirstWithTag(tag); found != nil {
			return found
		}
	}
	return nil
}

// FirstChild returns the first direct child with the tag or nil.
func (t *TLV) FirstChild(tag BerTag) *TLV {
	if t == nil {
		return nil
	}
	for i := range t.Children {
		if bytes.Equal(t.Children[i].Tag, tag) {
			return &t.Children[i]
		}
	}
	return nil
}

// addTagged appends a DER encoded object. Two byte tags such as 7F49 are
// written as their first octet followed by a single byte cryptobyte tag.
func addTagged(b *cryptobyte.Builder, tag BerTag, value []byte) {
	if len(tag) == 2 {
		b.AddUint8(tag[0])
		b.AddASN1(cryptobyte_asn1.Tag(tag[1]), func(b *cryptobyte.Builder) {
			b.AddBytes(value)
		})
		return
	}
	b.AddASN1(cryptobyte_asn1.Tag(tag[0]), func(b *cryptobyte.Builder) {
		b.AddBytes(value)
	})
}

// encodeTLV returns the DER encoding of a single object.
func encodeTLV(tag BerTag, value []byte) ([]byte, error) {
	var b cryptobyte.Builder
	addTagged(&b, tag, value)
	return b.Bytes()
}
