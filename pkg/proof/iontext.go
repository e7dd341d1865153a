package proof

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amazon-ion/ion-go/ion"
)

// ErrMalformedIonText is returned when a proof string is not an Ion-text list
// of blobs.
var ErrMalformedIonText = errors.New("malformed Ion text proof")

// DecodeIonText parses the textual proof form served by the ledger API: a
// single Ion list of blob literals such as
//
//	[{{AAEC...}},{{AwQF...}}]
//
// Anything the Ion text grammar allows around the elements is accepted,
// comments and annotations included.
func DecodeIonText(s string) (Chain, error) {
	r := ion.NewReaderString(s)

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedIonText, err)
		}
		return nil, fmt.Errorf("%w: expected a list", ErrMalformedIonText)
	}
	if r.Type() != ion.ListType || r.IsNull() {
		return nil, fmt.Errorf("%w: expected a list, got %v", ErrMalformedIonText, r.Type())
	}
	if err := r.StepIn(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIonText, err)
	}

	var blobs [][]byte
	for i := 0; r.Next(); i++ {
		if r.Type() != ion.BlobType || r.IsNull() {
			return nil, fmt.Errorf("%w: element %d is not a blob", ErrMalformedIonText, i)
		}
		b, err := r.ByteValue()
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedIonText, i, err)
		}
		blobs = append(blobs, b)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIonText, err)
	}
	if err := r.StepOut(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIonText, err)
	}

	if r.Next() {
		return nil, fmt.Errorf("%w: trailing value after list", ErrMalformedIonText)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIonText, err)
	}
	return Decode(blobs)
}

// EncodeIonText renders c in the form accepted by DecodeIonText.
func EncodeIonText(c Chain) string {
	var sb strings.Builder
	w := ion.NewTextWriter(&sb)
	// strings.Builder writes never fail.
	w.BeginList()
	for _, h := range c {
		w.WriteBlob(h)
	}
	w.EndList()
	w.Finish()
	return sb.String()
}
