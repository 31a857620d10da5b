package crawler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a failure for retry decisions and the error log.
type ErrorKind string

// Error taxonomy shared by the fetch engine, the orchestrator and the store.
const (
	KindTimeout       ErrorKind = "TIMEOUT"
	KindConnection    ErrorKind = "CONNECTION_ERROR"
	KindSSL           ErrorKind = "SSL_ERROR"
	KindHTTPClient    ErrorKind = "HTTP_CLIENT_ERROR"
	KindHTTPServer    ErrorKind = "HTTP_SERVER_ERROR"
	KindRateLimited   ErrorKind = "RATE_LIMITED"
	KindRobotsBlocked ErrorKind = "ROBOTS_BLOCKED"
	KindParse         ErrorKind = "PARSE_ERROR"
	KindStorage       ErrorKind = "STORAGE_ERROR"
)

// AllKinds lists every ErrorKind in a stable order.
var AllKinds = []ErrorKind{
	KindTimeout,
	KindConnection,
	KindSSL,
	KindHTTPClient,
	KindHTTPServer,
	KindRateLimited,
	KindRobotsBlocked,
	KindParse,
	KindStorage,
}

// ErrBudgetExhausted is returned when the attempt budget is spent.
var ErrBudgetExhausted = errors.New("attempt budget exhausted")

// Transient reports whether the kind is retried inside the fetch engine.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindConnection, KindHTTPServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// FetchError is the typed failure returned by fetchers.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Attempts   int
	// RetryAfter is the server requested wait for RATE_LIMITED responses.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetching %s: status %d", e.Kind, e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s fetching %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s fetching %s", e.Kind, e.URL)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// ClassifyStatus maps an HTTP status to a failure kind. ok is false for
// statuses that are not failures.
func ClassifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited, true
	case code >= 400 && code < 500:
		return KindHTTPClient, true
	case code >= 500:
		return KindHTTPServer, true
	default:
		return "", false
	}
}

// ClassifyTransport maps a transport level error to a failure kind.
func ClassifyTransport(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var (
		unknownAuth  x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		verifyErr    *tls.CertificateVerificationError
		recordHeader tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &certInvalid) ||
		errors.As(err, &verifyErr) || errors.As(err, &recordHeader) {
		return KindSSL
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "x509:") || strings.Contains(msg, "tls: failed to verify") ||
		strings.Contains(msg, "certificate") {
		return KindSSL
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return KindTimeout
	}
	return KindConnection
}
