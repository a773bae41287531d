package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind klassifiziert Quellen-Fehler für die Pipeline.
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindUpstream     ErrorKind = "upstream"
	KindNotFound     ErrorKind = "not_found"
	KindAuthRequired ErrorKind = "auth_required"
	KindBlocked      ErrorKind = "blocked"
	KindTimeout      ErrorKind = "timeout"
)

// SourceError ist der Fehler-Typ aller Source-Clients. Er trägt immer
// den Quellen-Tag, damit die Pipeline Ausfälle zuordnen kann.
type SourceError struct {
	Source     string
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() error { return e.Err }

// Retryable meldet, ob die Pipeline den Aufruf wiederholen darf.
// Blocked und AuthRequired sind endgültig.
func (e *SourceError) Retryable() bool {
	switch e.Kind {
	case KindBlocked, KindAuthRequired, KindNotFound:
		return false
	default:
		return true
	}
}

// NewError baut einen SourceError um einen zugrundeliegenden Fehler.
func NewError(source string, kind ErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

// FromStatus leitet aus einem HTTP-Status den passenden Fehler ab.
func FromStatus(source string, resp *http.Response) *SourceError {
	e := &SourceError{Source: source, Status: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired:
		e.Kind = KindAuthRequired
	case resp.StatusCode == http.StatusForbidden:
		// Scraper-Quellen melden Anti-Bot-Sperren als 403
		e.Kind = KindBlocked
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindUpstream
	}
	return e
}

// WrapTransport ordnet Transportfehler ein (Timeout vs. Upstream).
func WrapTransport(source string, err error) *SourceError {
	kind := KindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &SourceError{Source: source, Kind: kind, Err: err}
}

// AsSourceError entpackt einen SourceError aus einer Fehlerkette.
func AsSourceError(err error) (*SourceError, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
