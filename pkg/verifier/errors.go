package verifier

import (
	"errors"
	"fmt"
)

// Field names reported by MismatchError.
const (
	FieldRevisionHash = "revisionHash"
	FieldDocumentID   = "documentId"
	FieldBlockAddress = "blockAddress"
)

var (
	// ErrMetadataMismatch matches every *MismatchError via errors.Is.
	ErrMetadataMismatch = errors.New("metadata mismatch")

	// ErrDigestBehind is returned when the published digest still does not
	// cover a block after the single retry.
	ErrDigestBehind = errors.New("ledger digest does not cover block address")

	// ErrLocateUnsupported is returned by Capture for ledgers that do not
	// implement Locator.
	ErrLocateUnsupported = errors.New("ledger cannot locate documents")
)

// MismatchError reports that fetched ledger state disagrees with a value the
// caller asserted. It is always fatal to the verification call.
type MismatchError struct {
	Field    string
	Asserted string
	Fetched  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("metadata mismatch on %s: asserted %q, ledger has %q", e.Field, e.Asserted, e.Fetched)
}

// Is reports whether target is ErrMetadataMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrMetadataMismatch
}

// MismatchField returns the field named by a *MismatchError in err's chain,
// or "" when there is none.
func MismatchField(err error) string {
	var me *MismatchError
	if errors.As(err, &me) {
		return me.Field
	}
	return ""
}
