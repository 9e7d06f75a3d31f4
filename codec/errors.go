package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrEncode is matched by every *EncodeError.
	ErrEncode = errors.New("codec: encode failed")
	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("codec: decode failed")
)

// EncodeError reports a document that could not be serialized.
type EncodeError struct {
	ContentType string
	Err         error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode %s: %v", e.ContentType, e.Err)
}

func (e *EncodeError) Unwrap() []error { return []error{ErrEncode, e.Err} }

// DecodeError reports a malformed payload.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }
