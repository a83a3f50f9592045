// Package persist holds the wire primitives of the device state tree.
// Payloads are protobuf wire format written field by field with protowire,
// so a reader silently skips fields it does not know and a writer can leave
// out fields its target format predates.
package persist

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobuhiro11/gosnap/version"
)

var (
	// ErrSerialization reports state that cannot be expressed at the target
	// format.
	ErrSerialization = errors.New("device state serialization failed")
	// ErrDeserialization reports a malformed payload or a missing field.
	ErrDeserialization = errors.New("device state deserialization failed")
)

// Encoder appends fields to a payload targeting one format.
type Encoder struct {
	buf    []byte
	format version.Format
}

// NewEncoder returns an empty encoder for format f.
func NewEncoder(f version.Format) *Encoder { return &Encoder{format: f} }

// Format is the target format.
func (e *Encoder) Format() version.Format { return e.format }

// Since reports whether fields introduced at v exist in the target format.
func (e *Encoder) Since(v version.Format) bool { return e.format >= v }

// Data returns the encoded payload.
func (e *Encoder) Data() []byte { return e.buf }

func (e *Encoder) PutUint(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) PutInt(num protowire.Number, v int64) {
	e.PutUint(num, protowire.EncodeZigZag(v))
}

func (e *Encoder) PutBool(num protowire.Number, v bool) {
	e.PutUint(num, protowire.EncodeBool(v))
}

func (e *Encoder) PutFixed64(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, v)
}

func (e *Encoder) PutBytes(num protowire.Number, v []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *Encoder) PutString(num protowire.Number, v string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// PutMessage writes a nested message built by fn with the same target format.
func (e *Encoder) PutMessage(num protowire.Number, fn func(*Encoder) error) error {
	sub := NewEncoder(e.format)
	if err := fn(sub); err != nil {
		return err
	}

	e.PutBytes(num, sub.buf)

	return nil
}

type field struct {
	typ protowire.Type
	v   uint64
	b   []byte
}

// Decoder indexes a payload once and serves typed field lookups. The last
// occurrence of a non-repeated field wins, as in protobuf.
type Decoder struct {
	fields map[protowire.Number][]field
	format version.Format
}

// NewDecoder parses payload written at format f.
func NewDecoder(payload []byte, f version.Format) (*Decoder, error) {
	d := &Decoder{fields: make(map[protowire.Number][]field), format: f}

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrDeserialization, protowire.ParseError(n))
		}

		payload = payload[n:]

		var fl field

		fl.typ = typ

		switch typ {
		case protowire.VarintType:
			fl.v, n = protowire.ConsumeVarint(payload)
		case protowire.Fixed64Type:
			fl.v, n = protowire.ConsumeFixed64(payload)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(payload)
			fl.v = uint64(v)
		case protowire.BytesType:
			fl.b, n = protowire.ConsumeBytes(payload)
		default:
			n = protowire.ConsumeFieldValue(num, typ, payload)
		}

		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrDeserialization, num, protowire.ParseError(n))
		}

		payload = payload[n:]
		d.fields[num] = append(d.fields[num], fl)
	}

	return d, nil
}

// Format is the format the payload was written at.
func (d *Decoder) Format() version.Format { return d.format }

// Since reports whether fields introduced at v can be present.
func (d *Decoder) Since(v version.Format) bool { return d.format >= v }

// Has reports whether num is present.
func (d *Decoder) Has(num protowire.Number) bool { return len(d.fields[num]) > 0 }

func (d *Decoder) last(num protowire.Number, typ protowire.Type) (field, error) {
	fs := d.fields[num]
	if len(fs) == 0 {
		return field{}, fmt.Errorf("%w: missing field %d", ErrDeserialization, num)
	}

	fl := fs[len(fs)-1]
	if fl.typ != typ {
		return field{}, fmt.Errorf("%w: field %d has wire type %d, want %d", ErrDeserialization, num, fl.typ, typ)
	}

	return fl, nil
}

func (d *Decoder) Uint(num protowire.Number) (uint64, error) {
	fl, err := d.last(num, protowire.VarintType)

	return fl.v, err
}

// UintOr returns def when num is absent.
func (d *Decoder) UintOr(num protowire.Number, def uint64) (uint64, error) {
	if !d.Has(num) {
		return def, nil
	}

	return d.Uint(num)
}

func (d *Decoder) Int(num protowire.Number) (int64, error) {
	v, err := d.Uint(num)

	return protowire.DecodeZigZag(v), err
}

func (d *Decoder) Bool(num protowire.Number) (bool, error) {
	v, err := d.Uint(num)

	return protowire.DecodeBool(v), err
}

func (d *Decoder) Fixed64(num protowire.Number) (uint64, error) {
	fl, err := d.last(num, protowire.Fixed64Type)

	return fl.v, err
}

// Bytes returns a copy of the field.
func (d *Decoder) Bytes(num protowire.Number) ([]byte, error) {
	fl, err := d.last(num, protowire.BytesType)
	if err != nil {
		return nil, err
	}

	return append([]byte{}, fl.b...), nil
}

func (d *Decoder) String(num protowire.Number) (string, error) {
	fl, err := d.last(num, protowire.BytesType)

	return string(fl.b), err
}

// Message decodes a nested message.
func (d *Decoder) Message(num protowire.Number) (*Decoder, error) {
	fl, err := d.last(num, protowire.BytesType)
	if err != nil {
		return nil, err
	}

	return NewDecoder(fl.b, d.format)
}

// Messages decodes every occurrence of a repeated nested message in order.
func (d *Decoder) Messages(num protowire.Number) ([]*Decoder, error) {
	fs := d.fields[num]
	out := make([]*Decoder, 0, len(fs))

	for _, fl := range fs {
		if fl.typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrDeserialization, num, fl.typ)
		}

		sub, err := NewDecoder(fl.b, d.format)
		if err != nil {
			return nil, err
		}

		out = append(out, sub)
	}

	return out, nil
}

// Uints returns every occurrence of a repeated varint field.
func (d *Decoder) Uints(num protowire.Number) ([]uint64, error) {
	fs := d.fields[num]
	out := make([]uint64, 0, len(fs))

	for _, fl := range fs {
		if fl.typ != protowire.VarintType {
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrDeserialization, num, fl.typ)
		}

		out = append(out, fl.v)
	}

	return out, nil
}

// Fixed64s returns every occurrence of a repeated fixed64 field.
func (d *Decoder) Fixed64s(num protowire.Number) ([]uint64, error) {
	fs := d.fields[num]
	out := make([]uint64, 0, len(fs))

	for _, fl := range fs {
		if fl.typ != protowire.Fixed64Type {
			return nil, fmt.Errorf("%w: field %d has wire type %d", ErrDeserialization, num, fl.typ)
		}

		out = append(out, fl.v)
	}

	return out, nil
}
