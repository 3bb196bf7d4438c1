// Package pass builds, signs and verifies Apple Wallet store card passes.
package pass

import (
	"errors"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sensiblebit/passkit/internal/passerr"
)

// DefaultSerialPrefix is prepended to the member ID when no serial is given.
const DefaultSerialPrefix = "KOS-"

// maxSerialLength bounds a serial in characters.
const maxSerialLength = 128

// Member is the normalized input to pass generation.
type Member struct {
	FullName     string `json:"fullName"`
	MemberID     string `json:"memberId"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Email        string `json:"email,omitempty"`
	Tier         string `json:"tier,omitempty"`
}

// Normalize returns a copy with surrounding whitespace removed from every
// field.
func (m Member) Normalize() Member {
	return Member{
		FullName:     strings.TrimSpace(m.FullName),
		MemberID:     strings.TrimSpace(m.MemberID),
		SerialNumber: strings.TrimSpace(m.SerialNumber),
		Email:        strings.TrimSpace(m.Email),
		Tier:         strings.TrimSpace(m.Tier),
	}
}

// Serial returns the explicit serial number or prefix+memberId.
func (m Member) Serial(prefix string) string {
	if m.SerialNumber != "" {
		return m.SerialNumber
	}
	return prefix + m.MemberID
}

// Validate checks the fields pass generation needs. Missing fields are
// reported together; an email, when present, must be a bare address.
func (m Member) Validate(op string, requireEmail bool) error {
	var missing []string
	if m.FullName == "" {
		missing = append(missing, "fullName")
	}
	if m.MemberID == "" {
		missing = append(missing, "memberId")
	}
	if requireEmail && m.Email == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return passerr.Missing(op, missing...)
	}
	if m.Email != "" {
		if err := ValidateEmail(m.Email); err != nil {
			return passerr.InvalidEmail(op, m.Email, err)
		}
	}
	return nil
}

// ValidateEmail accepts only a bare RFC 5322 address without a display name.
func ValidateEmail(address string) error {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return err
	}
	if parsed.Name != "" || parsed.Address != address {
		return errors.New("expected a bare address")
	}
	if !strings.Contains(parsed.Address[strings.LastIndex(parsed.Address, "@")+1:], ".") {
		return errors.New("domain has no dot")
	}
	return nil
}

// ValidateSerial accepts any printable serial up to maxSerialLength
// characters, including spaces and non-ASCII letters. It rejects path
// separators, control characters and the "." and ".." names; callers escape
// the serial wherever it becomes a file or object name.
func ValidateSerial(op, serial string) error {
	if reason := serialProblem(serial); reason != "" {
		return &passerr.Error{
			Kind:   passerr.KindValidation,
			Op:     op,
			Detail: passerr.CodeInvalidSerial,
			Fields: []string{"serialNumber"},
			Err:    errors.New(reason),
		}
	}
	return nil
}

func serialProblem(serial string) string {
	switch {
	case strings.TrimSpace(serial) == "":
		return "serial must not be empty"
	case !utf8.ValidString(serial):
		return "serial must be valid UTF-8"
	case utf8.RuneCountInString(serial) > maxSerialLength:
		return "serial must be at most 128 characters"
	case serial == "." || serial == "..":
		return "serial must not be a relative path name"
	case strings.ContainsAny(serial, `/\`):
		return "serial must not contain '/' or '\\'"
	case strings.IndexFunc(serial, unicode.IsControl) >= 0:
		return "serial must not contain control characters"
	}
	return ""
}
