package tui

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/basket/crewdesk/internal/apperr"
)

// humanError turns an error into a short status-line message. Coded errors
// show their code; plain chains show the innermost cause, capitalized.
func humanError(err error) string {
	if err == nil {
		return ""
	}
	if ae, ok := apperr.From(err); ok && ae.Code() != apperr.CodeUnknown {
		msg := string(ae.Code()) + ": " + ae.Message()
		if c := ae.Unwrap(); c != nil {
			msg += " (" + lastSegment(c.Error()) + ")"
		}
		return msg
	}
	return capitalize(lastSegment(err.Error()))
}

func lastSegment(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
