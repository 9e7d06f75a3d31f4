package codec

import (
	"bytes"

	"go.mongodb.org/mongo-driver/bson"
)

type extJSONCodec struct{}

// ExtJSON returns the MongoDB Extended JSON v2 codec.
// Encoding is canonical so numeric widths and extended types are preserved.
// Decoding accepts canonical and relaxed input, and plain JSON.
func ExtJSON() Codec { return extJSONCodec{} }

func (extJSONCodec) ContentType() string { return ContentTypeExtJSON }

func (extJSONCodec) Encode(d Document) ([]byte, error) {
	if d == nil {
		d = Document{}
	}
	b, err := bson.MarshalExtJSON(d, true, false)
	if err != nil {
		return nil, &EncodeError{ContentType: ContentTypeExtJSON, Err: err}
	}
	return b, nil
}

func (extJSONCodec) Decode(b []byte) (Document, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Document{}, nil
	}
	var d Document
	if err := bson.UnmarshalExtJSON(b, false, &d); err != nil {
		return nil, &DecodeError{ContentType: ContentTypeExtJSON, Err: err}
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

type bsonCodec struct{}

// BSON returns the binary BSON codec.
func BSON() Codec { return bsonCodec{} }

func (bsonCodec) ContentType() string { return ContentTypeBSON }

func (bsonCodec) Encode(d Document) ([]byte, error) {
	if d == nil {
		d = Document{}
	}
	b, err := bson.Marshal(d)
	if err != nil {
		return nil, &EncodeError{ContentType: ContentTypeBSON, Err: err}
	}
	return b, nil
}

func (bsonCodec) Decode(b []byte) (Document, error) {
	if len(b) == 0 {
		return Document{}, nil
	}
	var d Document
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, &DecodeError{ContentType: ContentTypeBSON, Err: err}
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

// Lookup returns the value at path, descending one nested document per
// path element.
func Lookup(d Document, path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	for _, e := range d {
		if e.Key != path[0] {
			continue
		}
		if len(path) == 1 {
			return e.Value, true
		}
		nested, ok := e.Value.(Document)
		if !ok {
			return nil, false
		}
		return Lookup(nested, path[1:]...)
	}
	return nil, false
}

// Clone returns a deep copy of d. Nested documents, sequences and byte
// slices are copied; other values are immutable or copied by value.
func Clone(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for i, e := range d {
		out[i] = E{Key: e.Key, Value: cloneValue(e.Value)}
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Document:
		return Clone(v)
	case bson.A:
		out := make(bson.A, len(v))
		for i, x := range v {
			out[i] = cloneValue(x)
		}
		return out
	case bson.M:
		out := make(bson.M, len(v))
		for k, x := range v {
			out[k] = cloneValue(x)
		}
		return out
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}
