package archive

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nlnwa/gowarc"
)

// Record is one parsed archival record.
type Record struct {
	Type          string
	ID            string
	Date          time.Time
	TargetURI     string
	PayloadDigest string
	Header        *gowarc.WarcFields
	Block         []byte

	// Set for response records.
	StatusCode int
	HTTPHeader http.Header
	Payload    []byte
}

// ReadRecord loads the record ref points at from dir.
func ReadRecord(dir string, ref RecordRef) (*Record, error) {
	if ref.File != filepath.Base(ref.File) {
		return nil, fmt.Errorf("record ref %s escapes archive dir", ref)
	}
	f, err := os.Open(filepath.Join(dir, ref.File))
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	rec, err := ParseRecord(io.NewSectionReader(f, ref.Offset, ref.Length))
	if err != nil {
		return nil, fmt.Errorf("read record at %s: %w", ref, err)
	}
	return rec, nil
}

// ParseRecord reads one record from r. A gzip member is detected and
// decompressed.
func ParseRecord(r io.Reader) (*Record, error) {
	u := gowarc.NewUnmarshaler(
		gowarc.WithSyntaxErrorPolicy(gowarc.ErrFail),
		gowarc.WithSpecViolationPolicy(gowarc.ErrWarn),
		gowarc.WithFixDigest(false),
	)
	wr, _, _, err := u.Unmarshal(bufio.NewReader(r))
	if err != nil {
		if wr != nil {
			_ = wr.Close()
		}
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	defer wr.Close()

	header := wr.WarcHeader()
	rec := &Record{
		Type:          wr.Type().String(),
		ID:            wr.RecordId(),
		TargetURI:     header.Get(gowarc.WarcTargetURI),
		PayloadDigest: header.Get(gowarc.WarcPayloadDigest),
		Header:        header,
	}
	if header.Has(gowarc.WarcDate) {
		if rec.Date, err = wr.Date(); err != nil {
			return nil, fmt.Errorf("bad WARC-Date %q: %w", header.Get(gowarc.WarcDate), err)
		}
	}
	raw, err := wr.Block().RawBytes()
	if err != nil {
		return nil, fmt.Errorf("read record block: %w", err)
	}
	if rec.Block, err = io.ReadAll(raw); err != nil {
		return nil, fmt.Errorf("read record block: %w", err)
	}

	if resp, ok := wr.Block().(gowarc.HttpResponseBlock); ok {
		payload, err := resp.PayloadBytes()
		if err != nil {
			return nil, fmt.Errorf("read http payload: %w", err)
		}
		if rec.Payload, err = io.ReadAll(payload); err != nil {
			return nil, fmt.Errorf("read http payload: %w", err)
		}
		rec.StatusCode = resp.HttpStatusCode()
		if h := resp.HttpHeader(); h != nil {
			rec.HTTPHeader = h.Clone()
		}
	}
	return rec, nil
}
