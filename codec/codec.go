// Package codec converts command arguments and command results between
// documents and transport payloads.
//
// Documents are ordered and may carry MongoDB extended types such as
// ObjectID, DateTime, Decimal128 or Binary. The default [ExtJSON] codec
// writes canonical Extended JSON v2 so these types survive a round trip:
//
//	c := codec.ExtJSON()
//	b, _ := c.Encode(codec.Document{{Key: "_id", Value: primitive.NewObjectID()}})
//	d, _ := c.Decode(b) // d[0].Value is a primitive.ObjectID again
package codec

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Document is an ordered mapping from string keys to typed values.
// Nested documents decode as Document and sequences as bson.A.
type Document = bson.D

// E is a single Document element.
type E = bson.E

// Content types written to message metadata.
const (
	ContentTypeExtJSON = "application/ejson"
	ContentTypeBSON    = "application/bson"
)

// Codec encodes documents to payloads and back.
//
// Decoded values always take the driver's canonical types, so only
// documents built from these types round-trip unchanged:
//
//	int32, int64, float64, string, bool, nil
//	Document, bson.A
//	primitive.ObjectID, primitive.DateTime, primitive.Binary,
//	primitive.Decimal128 and the other primitive types
//
// Other Go values are converted on encode: int, int8, int16, uint8 and
// uint16 become int32, or int64 when they do not fit; uint32 and uint64
// become int64; []byte becomes primitive.Binary with subtype 0;
// time.Time becomes primitive.DateTime; bson.M becomes a Document with
// keys in encoder order.
type Codec interface {
	// Encode serializes d. Fails with *EncodeError if a value has no
	// representation in the target format.
	Encode(d Document) ([]byte, error)

	// Decode deserializes b. Fails with *DecodeError on malformed input.
	// An empty payload decodes to an empty Document.
	Decode(b []byte) (Document, error)

	// ContentType identifies the payload format in message metadata.
	ContentType() string
}

// ByContentType returns the codec for ct. Unknown or empty content types
// fall back to ExtJSON, which also accepts plain JSON.
func ByContentType(ct string) Codec {
	switch ct {
	case ContentTypeBSON:
		return BSON()
	default:
		return ExtJSON()
	}
}
