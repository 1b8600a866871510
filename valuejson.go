package coldoc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/coldocdb/coldoc/errors"
)

// JSON interop is a convenience surface: parsing produces only the kinds
// JSON can express (null, bool, int64, float64, string, array, object),
// and marshaling renders the richer kinds as strings or numbers. The
// lossless round-trip guarantee belongs to the column codec, not to JSON.

// ParseJSONDocument parses a JSON object, preserving field order.
// Integral numbers become Int64 (Float64 when they do not fit), other
// numbers Float64.
func ParseJSONDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "parsing document")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New(errors.ErrBadData, "document JSON must be an object")
	}
	doc, err := parseJSONObject(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New(errors.ErrBadData, "trailing data after document")
	}
	return doc, nil
}

func parseJSONObject(dec *json.Decoder) (*Document, error) {
	doc := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "parsing object")
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.Newf(errors.ErrBadData, "unexpected token %v in object", tok)
		}
		v, err := parseJSONValue(dec)
		if err != nil {
			return nil, err
		}
		doc.SetField(name, v)
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, errors.Wrap(err, "parsing object")
	}
	return doc, nil
}

func parseJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, errors.Wrap(err, "parsing value")
	}
	switch tok := tok.(type) {
	case json.Delim:
		switch tok {
		case '{':
			doc, err := parseJSONObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Object(doc), nil
		case '[':
			var els []Value
			for dec.More() {
				el, err := parseJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				els = append(els, el)
			}
			if _, err := dec.Token(); err != nil { // closing bracket
				return Value{}, errors.Wrap(err, "parsing array")
			}
			return Array(els...), nil
		}
		return Value{}, errors.Newf(errors.ErrBadData, "unexpected delimiter %v", tok)
	case nil:
		return Null(), nil
	case bool:
		return Bool(tok), nil
	case string:
		return String(tok), nil
	case json.Number:
		if i, err := tok.Int64(); err == nil {
			return Int64(i), nil
		}
		f, err := tok.Float64()
		if err != nil {
			return Value{}, errors.Wrapf(err, "number %q", tok.String())
		}
		return Float64(f), nil
	}
	return Value{}, errors.Newf(errors.ErrBadData, "unexpected token %v", tok)
}

// MarshalJSON renders the document with fields in insertion order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONDocument(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := ParseJSONDocument(data)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

func writeJSONDocument(buf *bytes.Buffer, d *Document) error {
	buf.WriteByte('{')
	for i, name := range d.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		nameJSON, err := json.Marshal(name)
		if err != nil {
			return err
		}
		buf.Write(nameJSON)
		buf.WriteByte(':')
		if err := writeJSONValue(buf, d.vals[i]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull, KindUndefined:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.num != 0))
	case KindInt32:
		buf.WriteString(strconv.FormatInt(int64(int32(uint32(v.num))), 10))
	case KindInt64:
		buf.WriteString(strconv.FormatInt(int64(v.num), 10))
	case KindFloat64:
		f := math.Float64frombits(v.num)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Newf(errors.ErrUnsupportedType, "%v is not representable in JSON", f)
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case KindString:
		s, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(s)
	case KindTime:
		buf.WriteByte('"')
		buf.WriteString(time.UnixMilli(int64(v.num)).UTC().Format(time.RFC3339Nano))
		buf.WriteByte('"')
	case KindUUID:
		u := v.UUID()
		buf.WriteByte('"')
		buf.WriteString(u.String())
		buf.WriteByte('"')
	case KindObjectID:
		buf.WriteByte('"')
		buf.WriteString(v.ObjectID().Hex())
		buf.WriteByte('"')
	case KindBinary:
		buf.WriteByte('"')
		buf.WriteString(base64.StdEncoding.EncodeToString(v.raw))
		buf.WriteByte('"')
	case KindArray:
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return writeJSONDocument(buf, v.obj)
	default:
		return errors.Newf(errors.ErrUnsupportedType, "kind %v", v.kind)
	}
	return nil
}
