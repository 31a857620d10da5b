package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nlnwa/gowarc"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/clock/system"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/hash/sha256"
	"github.com/JakeFAU/site-archiver/internal/id/uuid"
	"github.com/JakeFAU/site-archiver/internal/store"
)

const (
	defaultMaxBytes = 1 << 30
	crlf            = "\r\n"
)

// recordOptions make gowarc label digests the way the CDX index does.
var recordOptions = []gowarc.WarcRecordOption{
	gowarc.WithVersion(gowarc.V1_1),
	gowarc.WithDefaultDigestAlgorithm("sha256"),
	gowarc.WithDefaultDigestEncoding(gowarc.Base16),
	gowarc.WithAddMissingRecordId(false),
}

// Software is written into every warcinfo record.
var Software = "site-archiver"

// Config controls where and how records are written.
type Config struct {
	Dir string `mapstructure:"dir"`
	// Prefix starts every file name; the session id is a good choice.
	Prefix string `mapstructure:"prefix"`
	Gzip   bool   `mapstructure:"gzip"`
	// MaxFileBytes rotates to a new file once the current one reaches it.
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// Capture is one fetched resource to be archived.
type Capture struct {
	URI         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	FetchedAt   time.Time
	// ContentHash is the hex SHA-256 of Body; computed when empty.
	ContentHash string
}

// Indexer receives one CDX entry per written record.
type Indexer interface {
	AppendCDX(ctx context.Context, e crawler.CDXEntry) error
}

// RecordIDs produces WARC-Record-ID values.
type RecordIDs interface {
	RecordID() (string, error)
}

// Option customises a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock sets the clock used for file names and warcinfo dates.
func WithClock(c crawler.Clock) Option {
	return func(w *Writer) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithRecordIDs sets the record id source.
func WithRecordIDs(ids RecordIDs) Option {
	return func(w *Writer) {
		if ids != nil {
			w.ids = ids
		}
	}
}

// Writer appends records to rotating archive files. It is safe for concurrent use.
type Writer struct {
	cfg    Config
	index  Indexer
	ids    RecordIDs
	clock  crawler.Clock
	logger *zap.Logger

	open      func(path string) (io.WriteCloser, error)
	marshaler gowarc.Marshaler

	mu     sync.Mutex
	file   io.WriteCloser
	name   string
	offset int64
	seq    int
	closed bool
}

// NewWriter prepares cfg.Dir; files are opened lazily on the first capture.
func NewWriter(cfg Config, index Indexer, opts ...Option) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	if index == nil {
		return nil, fmt.Errorf("archive indexer is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive"
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	w := &Writer{
		cfg:       cfg,
		index:     index,
		ids:       uuid.New(),
		clock:     system.New(),
		logger:    zap.NewNop(),
		open:      createFile,
		marshaler: gowarc.NewMarshaler(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WriteCapture appends a response record and its CDX entry.
func (w *Writer) WriteCapture(ctx context.Context, c Capture) (RecordRef, error) {
	if err := ctx.Err(); err != nil {
		return RecordRef{}, err
	}
	if c.URI == "" {
		return RecordRef{}, fmt.Errorf("capture uri is required")
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = w.clock.Now()
	}
	c.FetchedAt = c.FetchedAt.UTC()
	if c.ContentHash == "" {
		c.ContentHash = sha256.Sum(c.Body)
	}
	id, err := w.ids.RecordID()
	if err != nil {
		return RecordRef{}, err
	}
	block := httpBlock(c)
	b := gowarc.NewRecordBuilder(gowarc.Response, recordOptions...)
	if _, err := b.Write(block); err != nil {
		_ = b.Close()
		return RecordRef{}, fmt.Errorf("buffer response block: %w", err)
	}
	b.AddWarcHeader(gowarc.WarcRecordID, "<"+id+">")
	b.AddWarcHeaderTime(gowarc.WarcDate, c.FetchedAt)
	b.AddWarcHeader(gowarc.WarcTargetURI, c.URI)
	b.AddWarcHeader(gowarc.WarcPayloadDigest, sha256.Digest(c.ContentHash))
	b.AddWarcHeader(gowarc.WarcBlockDigest, sha256.Digest(sha256.Sum(block)))
	b.AddWarcHeader(gowarc.ContentType, "application/http; msgtype=response")
	rec, err := w.build(b)
	if err != nil {
		return RecordRef{}, fmt.Errorf("build response record for %s: %w", c.URI, err)
	}
	defer rec.Close()

	ref, err := w.append(rec)
	if err != nil {
		return RecordRef{}, err
	}
	entry := crawler.CDXEntry{
		Timestamp:     c.FetchedAt.Truncate(time.Second),
		URI:           c.URI,
		StatusCode:    c.StatusCode,
		MIME:          MediaType(c.ContentType),
		PayloadDigest: sha256.Digest(c.ContentHash),
		RecordRef:     ref.String(),
		Length:        ref.Length,
	}
	if err := w.index.AppendCDX(ctx, entry); err != nil {
		return ref, fmt.Errorf("index record %s: %w", ref, err)
	}
	return ref, nil
}

// CurrentFile is the base name of the file being written, if any.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.name
}

// Dir is the directory holding archive files.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeFile()
}

func (w *Writer) build(b gowarc.WarcRecordBuilder) (gowarc.WarcRecord, error) {
	rec, v, err := b.Build()
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return nil, err
	}
	if v != nil && !v.Valid() {
		w.logger.Warn("archive record has validation warnings", zap.String("record", rec.String()), zap.String("validation", v.String()))
	}
	return rec, nil
}

func (w *Writer) append(rec gowarc.WarcRecord) (RecordRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return RecordRef{}, fmt.Errorf("archive writer closed")
	}
	if w.file == nil || w.offset >= w.cfg.MaxFileBytes {
		if err := w.rotate(); err != nil {
			return RecordRef{}, err
		}
	}
	return w.writeRecord(rec)
}

// writeRecord appends rec as one gzip member when compression is on. A
// failed write abandons the file so later records start a fresh one.
func (w *Writer) writeRecord(rec gowarc.WarcRecord) (RecordRef, error) {
	var buf bytes.Buffer
	if w.cfg.Gzip {
		gz := gzip.NewWriter(&buf)
		if _, _, err := w.marshaler.Marshal(gz, rec, 0); err != nil {
			return RecordRef{}, fmt.Errorf("marshal record: %w", err)
		}
		if err := gz.Close(); err != nil {
			return RecordRef{}, fmt.Errorf("compress record: %w", err)
		}
	} else if _, _, err := w.marshaler.Marshal(&buf, rec, 0); err != nil {
		return RecordRef{}, fmt.Errorf("marshal record: %w", err)
	}
	n, err := w.file.Write(buf.Bytes())
	w.offset += int64(n)
	if err == nil && n < buf.Len() {
		err = io.ErrShortWrite
	}
	if err != nil {
		name := w.name
		if cerr := w.closeFile(); cerr != nil {
			w.logger.Warn("close damaged archive file", zap.String("file", name), zap.Error(cerr))
		}
		return RecordRef{}, fmt.Errorf("write record to %s: %w", name, err)
	}
	return RecordRef{File: w.name, Offset: w.offset - int64(n), Length: int64(n)}, nil
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		return err
	}
	now := w.clock.Now().UTC()
	w.seq++
	ext := ".warc"
	if w.cfg.Gzip {
		ext += ".gz"
	}
	name := fmt.Sprintf("%s-%s-%05d%s", w.cfg.Prefix, now.Format(store.CDXTimeFormat), w.seq, ext)
	f, err := w.open(filepath.Join(w.cfg.Dir, name))
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	w.file, w.name, w.offset = f, name, 0

	id, err := w.ids.RecordID()
	if err != nil {
		return err
	}
	b := gowarc.NewRecordBuilder(gowarc.Warcinfo, recordOptions...)
	if _, err := b.WriteString("software: " + Software + crlf +
		"format: WARC File Format 1.1" + crlf +
		"conformsTo: http://iipc.github.io/warc-specifications/specifications/warc-format/warc-1.1/" + crlf); err != nil {
		_ = b.Close()
		return fmt.Errorf("buffer warcinfo: %w", err)
	}
	b.AddWarcHeader(gowarc.WarcRecordID, "<"+id+">")
	b.AddWarcHeaderTime(gowarc.WarcDate, now)
	b.AddWarcHeader(gowarc.WarcFilename, name)
	b.AddWarcHeader(gowarc.ContentType, gowarc.ApplicationWarcFields)
	info, err := w.build(b)
	if err != nil {
		return fmt.Errorf("build warcinfo: %w", err)
	}
	defer info.Close()
	if _, err := w.writeRecord(info); err != nil {
		return err
	}
	w.logger.Info("opened archive file", zap.String("file", name))
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("close archive file %s: %w", w.name, err)
	}
	return nil
}

func createFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// httpBlock serialises the response as stored: transfer framing headers are
// rewritten to describe the decoded payload.
func httpBlock(c Capture) []byte {
	var b bytes.Buffer
	status := c.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	h := c.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Content-Encoding")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(c.Body)))
	if c.ContentType != "" {
		h.Set("Content-Type", c.ContentType)
	}
	_ = h.Write(&b)
	b.WriteString(crlf)
	b.Write(c.Body)
	return b.Bytes()
}

// DefaultMediaType stands in for a missing Content-Type.
const DefaultMediaType = "application/octet-stream"

// MediaType strips parameters from a Content-Type header value.
func MediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.TrimSpace(strings.ToLower(mt))
	if mt == "" {
		return DefaultMediaType
	}
	return mt
}
