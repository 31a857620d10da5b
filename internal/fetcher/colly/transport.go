package collyfetcher

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decodingTransport advertises gzip, deflate and brotli and decodes them
// before the collector sees the body, so archived payloads are the identity
// encoding.
type decodingTransport struct {
	base http.RoundTripper
}

func newDecodingTransport(base http.RoundTripper) *decodingTransport {
	return &decodingTransport{base: base}
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("decoding transport roundtrip: %w", err)
	}

	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		reader = zr
	case "deflate":
		zr, err := inflate(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("open deflate body: %w", err)
		}
		reader = zr
	default:
		return resp, nil
	}

	resp.Body = &decodedBody{Reader: reader, closer: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// inflate reads a deflate body. Servers disagree on whether it carries a
// zlib header, so raw streams are accepted too.
func inflate(body io.Reader) (io.Reader, error) {
	br := bufio.NewReader(body)
	hdr, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (b *decodedBody) Close() error {
	return b.closer.Close()
}

// captureTransport records the body of the last response it carried, which
// after redirects is the final one, and the status of the first.
type captureTransport struct {
	base http.RoundTripper

	mu          sync.Mutex
	buf         *bytes.Buffer
	firstStatus int
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	t.mu.Lock()
	t.buf = buf
	if t.firstStatus == 0 {
		t.firstStatus = resp.StatusCode
	}
	t.mu.Unlock()
	resp.Body = &decodedBody{Reader: io.TeeReader(resp.Body, buf), closer: resp.Body}
	return resp, nil
}

func (t *captureTransport) payload() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf == nil {
		return nil
	}
	return append([]byte(nil), t.buf.Bytes()...)
}

func (t *captureTransport) initialStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstStatus
}
