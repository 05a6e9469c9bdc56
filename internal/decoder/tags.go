// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"encoding/binary"
	"fmt"
)

// TagClass distinguishes application from context tags.
type TagClass int

const (
	TagClassApplication TagClass = iota
	TagClassContext
)

// Application tag numbers used by the service parsers.
const (
	TagNull            = 0
	TagBoolean         = 1
	TagUnsignedInt     = 2
	TagSignedInt       = 3
	TagReal            = 4
	TagDouble          = 5
	TagOctetString     = 6
	TagCharacterString = 7
	TagBitString       = 8
	TagEnumerated      = 9
	TagDate            = 10
	TagTime            = 11
	TagObjectID        = 12
)

// Tag is one decoded BACnet tag. Opening/Closing mark constructed-data
// brackets; Value holds the primitive content otherwise.
type Tag struct {
	Number  uint8
	Class   TagClass
	Opening bool
	Closing bool
	Value   []byte
}

// tagReader walks the tag stream of an APDU's service parameters.
type tagReader struct {
	data []byte
	pos  int
}

func (r *tagReader) atEnd() bool { return r.pos >= len(r.data) }

// next decodes and consumes one tag.
func (r *tagReader) next() (Tag, error) {
	if r.atEnd() {
		return Tag{}, fmt.Errorf("tag stream exhausted at %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++

	t := Tag{Number: b >> 4}
	if b&0x08 != 0 {
		t.Class = TagClassContext
	}
	if t.Number == 0x0F {
		if r.atEnd() {
			return Tag{}, fmt.Errorf("truncated extended tag number")
		}
		t.Number = r.data[r.pos]
		r.pos++
	}

	lvt := b & 0x07
	switch lvt {
	case 6:
		t.Opening = true
		return t, nil
	case 7:
		t.Closing = true
		return t, nil
	}

	length := int(lvt)
	if lvt == 5 {
		if r.atEnd() {
			return Tag{}, fmt.Errorf("truncated extended length")
		}
		ext := r.data[r.pos]
		r.pos++
		switch ext {
		case 254:
			if len(r.data)-r.pos < 2 {
				return Tag{}, fmt.Errorf("truncated 16-bit length")
			}
			length = int(binary.BigEndian.Uint16(r.data[r.pos : r.pos+2]))
			r.pos += 2
		case 255:
			if len(r.data)-r.pos < 4 {
				return Tag{}, fmt.Errorf("truncated 32-bit length")
			}
			length = int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
			r.pos += 4
		default:
			length = int(ext)
		}
	}

	if len(r.data)-r.pos < length {
		return Tag{}, fmt.Errorf("tag value truncated: need %d, have %d", length, len(r.data)-r.pos)
	}
	t.Value = r.data[r.pos : r.pos+length]
	r.pos += length
	return t, nil
}

// skipConstructed consumes tags until the matching closing bracket,
// handling nesting.
func (r *tagReader) skipConstructed() error {
	depth := 1
	for depth > 0 {
		t, err := r.next()
		if err != nil {
			return err
		}
		if t.Class == TagClassContext && t.Opening {
			depth++
		}
		if t.Class == TagClassContext && t.Closing {
			depth--
		}
	}
	return nil
}

// unsigned interprets a tag value as a big-endian unsigned integer.
func (t Tag) unsigned() uint32 {
	var v uint32
	for _, b := range t.Value {
		v = v<<8 | uint32(b)
	}
	return v
}

// objectID splits a 4-byte object identifier into type and instance.
func (t Tag) objectID() (objType uint16, instance uint32) {
	v := t.unsigned()
	return uint16(v >> 22), v & 0x3FFFFF
}

// characterString decodes a character string value, dropping the encoding
// octet. Only the encoding byte is interpreted; non-UTF-8 payloads pass
// through raw.
func (t Tag) characterString() string {
	if len(t.Value) < 1 {
		return ""
	}
	return string(t.Value[1:])
}
