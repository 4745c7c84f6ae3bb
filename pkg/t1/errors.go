package t1

import "fmt"

// Code enumerates the engine's error origins.
type Code int

const (
	CodeInternal Code = iota
	CodeSerialOut
	CodeCommFailure
	CodeATRTimeout
	CodeBadATR
	CodeIncompatible
	CodeOversizedAPDU
	CodeSCAbort
	CodePPSFailed
)

var codeDescriptions = map[Code]string{
	CodeInternal:      "internal invariant violation",
	CodeSerialOut:     "transport send failed",
	CodeCommFailure:   "communication failure",
	CodeATRTimeout:    "ATR timed out",
	CodeBadATR:        "malformed answer to reset",
	CodeIncompatible:  "card does not support T=1",
	CodeOversizedAPDU: "APDU exceeds reassembly buffer",
	CodeSCAbort:       "operation aborted by smart card",
	CodePPSFailed:     "PPS negotiation failed",
}

// Error is the typed error the engine reports via Event.Err: a small
// numeric Code with a static description table, plus an optional
// free-text detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	desc := codeDescriptions[e.Code]
	if desc == "" {
		desc = "unknown error"
	}
	if e.Detail == "" {
		return desc
	}
	return fmt.Sprintf("%s: %s", desc, e.Detail)
}

func newError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}
