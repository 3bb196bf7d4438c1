// Package passerr defines the normalized failure taxonomy shared by the pass
// builder, the registration store, delivery and the web service.
package passerr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind is the normalized failure category.
type Kind string

const (
	// KindConfiguration indicates missing or inconsistent deployment config.
	KindConfiguration Kind = "configuration_error"
	// KindValidation indicates bad caller input.
	KindValidation Kind = "validation_error"
	// KindNotFound indicates the requested serial or entry does not exist.
	KindNotFound Kind = "not_found"
	// KindSigning indicates the manifest could not be signed.
	KindSigning Kind = "signing_failure"
	// KindDelivery indicates email or push delivery failed.
	KindDelivery Kind = "delivery_failure"
	// KindPersistence indicates the registration store failed.
	KindPersistence Kind = "persistence_error"

	// KindMissingField indicates a required manifest field is empty.
	KindMissingField Kind = "missing_required_field"
	// KindMissingAsset indicates a required template image is absent.
	KindMissingAsset Kind = "missing_asset"
	// KindCertificateMismatch indicates configured identifiers differ from the signer.
	KindCertificateMismatch Kind = "certificate_mismatch"
	// KindFilesystem indicates scratch or output I/O failed.
	KindFilesystem Kind = "filesystem_error"

	// KindInternal is returned by KindOf for errors outside the taxonomy.
	KindInternal Kind = "internal"
)

// Validation codes reported in the issuance response body.
const (
	CodeMissingFields = "missing_fields"
	CodeInvalidEmail  = "invalid_email"
	CodeInvalidSerial = "invalid_serial"
)

// Error wraps a failure with its category, the operation that failed, and
// the values needed to act on it.
type Error struct {
	Kind Kind
	Op   string
	// Detail names the field, asset, serial or identifier involved.
	Detail string
	// Fields lists missing input fields for validation errors.
	Fields []string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Detail != "" {
		b.WriteString(" ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap supports error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a categorized error.
func New(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Missing creates a validation error listing the missing input fields in
// sorted order.
func Missing(op string, fields ...string) *Error {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return &Error{Kind: KindValidation, Op: op, Detail: CodeMissingFields, Fields: sorted}
}

// InvalidEmail creates the validation error for a malformed address.
func InvalidEmail(op, address string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: CodeInvalidEmail, Fields: []string{"email"}, Err: fmt.Errorf("address %q: %w", address, err)}
}

// KindOf extracts the category of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the outermost *Error in the chain, if any.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HTTPStatus maps a kind to the status the web service answers with.
// Delivery failures are reported in the body of a successful response, so
// they map to 200 when they surface on their own. Builder-level kinds mean
// the deployment's template or signer is unusable and answer 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDelivery:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
