package idp

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the authentication flows.
type Kind int

const (
	KindCommunicationFailure Kind = iota + 1
	KindInvalidConfiguration
	KindInvalidResponse
	KindDecryptAccessToken
	KindSingleSignOnToken
	KindUniversalLink
	KindInvalidCertificate
	KindInvalidOCSP
	KindSigning
)

func (k Kind) String() string {
	switch k {
	case KindCommunicationFailure:
		return "communication failure"
	case KindInvalidConfiguration:
		return "invalid configuration"
	case KindInvalidResponse:
		return "invalid response"
	case KindDecryptAccessToken:
		return "access token decryption failed"
	case KindSingleSignOnToken:
		return "single sign-on token"
	case KindUniversalLink:
		return "universal link"
	case KindInvalidCertificate:
		return "invalid health card certificate"
	case KindInvalidOCSP:
		return "invalid OCSP response of health card certificate"
	case KindSigning:
		return "signing failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by every flow of the engine.
type Error struct {
	Kind Kind
	Op   string
	// StatusCode is the HTTP status of the failed request, if any.
	StatusCode int
	// GematikCode is the gematik_code of an IdP error body, if any.
	GematikCode string
	// UserActionRequired is set when the user has to authenticate again
	// with the card.
	UserActionRequired bool
	Err                error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.GematikCode != "" {
		msg += " (gematik_code " + e.GematikCode + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel errors of this package by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrCommunicationFailure = &Error{Kind: KindCommunicationFailure}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrInvalidResponse      = &Error{Kind: KindInvalidResponse}
	ErrDecryptAccessToken   = &Error{Kind: KindDecryptAccessToken}
	ErrSingleSignOnToken    = &Error{Kind: KindSingleSignOnToken}
	ErrUniversalLink        = &Error{Kind: KindUniversalLink}
	ErrInvalidCertificate   = &Error{Kind: KindInvalidCertificate}
	ErrInvalidOCSP          = &Error{Kind: KindInvalidOCSP}
	ErrSigning              = &Error{Kind: KindSigning}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// errNoSingleSignOnToken is wrapped when a refresh is requested for a profile
// without a stored token.
var errNoSingleSignOnToken = errors.New("no single sign-on token stored")

// gematik error codes of the IdP error body.
const (
	gematikCodeInvalidCertificate = "2020"
	gematikCodeInvalidOCSP        = "2021"
)

func kindForGematikCode(code string) Kind {
	switch code {
	case gematikCodeInvalidCertificate:
		return KindInvalidCertificate
	case gematikCodeInvalidOCSP:
		return KindInvalidOCSP
	default:
		return KindCommunicationFailure
	}
}
