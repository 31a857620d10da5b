package crawler

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		kind ErrorKind
		fail bool
	}{
		{http.StatusOK, "", false},
		{http.StatusMovedPermanently, "", false},
		{http.StatusNotFound, KindHTTPClient, true},
		{http.StatusForbidden, KindHTTPClient, true},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusInternalServerError, KindHTTPServer, true},
		{http.StatusServiceUnavailable, KindHTTPServer, true},
	}
	for _, tc := range cases {
		kind, fail := ClassifyStatus(tc.code)
		require.Equal(t, tc.kind, kind, "code %d", tc.code)
		require.Equal(t, tc.fail, fail, "code %d", tc.code)
	}
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindTimeout, ClassifyTransport(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	require.Equal(t, KindSSL, ClassifyTransport(fmt.Errorf("get: %w", x509.UnknownAuthorityError{})))
	require.Equal(t, KindConnection, ClassifyTransport(errors.New("dial tcp 127.0.0.1:1: connect: connection refused")))
	require.Equal(t, ErrorKind(""), ClassifyTransport(nil))
}

func TestTransientKinds(t *testing.T) {
	t.Parallel()

	transient := map[ErrorKind]bool{
		KindTimeout:       true,
		KindConnection:    true,
		KindHTTPServer:    true,
		KindRateLimited:   true,
		KindSSL:           false,
		KindHTTPClient:    false,
		KindRobotsBlocked: false,
		KindParse:         false,
		KindStorage:       false,
	}
	require.Len(t, transient, len(AllKinds))
	for kind, want := range transient {
		require.Equal(t, want, kind.Transient(), kind)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := &FetchError{Kind: KindHTTPServer, URL: "https://example.com", StatusCode: 503, Attempts: 3}
	wrapped := fmt.Errorf("page: %w", base)
	require.Equal(t, KindHTTPServer, KindOf(wrapped))
	require.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	require.Contains(t, base.Error(), "status 503")
}
