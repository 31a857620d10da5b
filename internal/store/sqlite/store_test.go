package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "nested", "archive.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx), "init is idempotent")
	return s
}

func TestPutBlobIsConditional(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.PutBlob(ctx, "h1", []byte("hello"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.PutBlob(ctx, "h1", []byte("hello"))
	require.NoError(t, err)
	require.False(t, inserted)

	data, err := s.GetBlob(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = s.GetBlob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.PutBlob(ctx, "", []byte("x"))
	require.Error(t, err)
}

func TestPutBlobConcurrentWritersCreateOneRow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.PutBlob(ctx, "same", []byte("payload"))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, inserted)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.DistinctBlobs)
}

func TestAssetsShareBlobs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	img := []byte("same image bytes")
	first, err := s.PutAssetWithBlob(ctx, crawler.AssetRecord{URI: "https://a.test/1.png", Class: crawler.AssetImage, ContentHash: "img", Size: int64(len(img)), MIME: "image/png", FetchedAt: at}, img)
	require.NoError(t, err)
	require.True(t, first)
	second, err := s.PutAssetWithBlob(ctx, crawler.AssetRecord{URI: "https://a.test/2.png", Class: crawler.AssetImage, ContentHash: "img", Size: int64(len(img)), MIME: "image/png", FetchedAt: at}, img)
	require.NoError(t, err)
	require.False(t, second)

	// A second record for a known URI is a no-op.
	_, err = s.PutAssetWithBlob(ctx, crawler.AssetRecord{URI: "https://a.test/1.png", Class: crawler.AssetOther, ContentHash: "img", MIME: "x/y", FetchedAt: at}, img)
	require.NoError(t, err)

	exists, err := s.AssetExists(ctx, "https://a.test/1.png")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = s.AssetExists(ctx, "https://a.test/3.png")
	require.NoError(t, err)
	require.False(t, exists)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Assets)
	require.EqualValues(t, 1, st.DistinctBlobs)
	require.EqualValues(t, 1, st.AssetHashes)
	require.InDelta(t, 0.5, st.DedupRatio(), 1e-9)
	require.EqualValues(t, len(img), st.TotalBytes)
}

func TestRecordAssetRequiresBlob(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RecordAsset(ctx, crawler.AssetRecord{URI: "https://a.test/orphan.css", Class: crawler.AssetStylesheet, ContentHash: "nope", MIME: "text/css", FetchedAt: time.Now()})
	require.Error(t, err)

	_, err = s.PutBlob(ctx, "css", []byte("body{}"))
	require.NoError(t, err)
	require.NoError(t, s.RecordAsset(ctx, crawler.AssetRecord{URI: "https://a.test/ok.css", Class: crawler.AssetStylesheet, ContentHash: "css", Size: 6, MIME: "text/css", FetchedAt: time.Now()}))
}

func TestPagesLinksAndResumeQueries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	page := func(uri, hash string, depth int) crawler.PageRecord {
		return crawler.PageRecord{URI: uri, ContentHash: hash, Title: "t", Depth: depth, StatusCode: 200, ContentType: "text/html", Size: 4, FetchedAt: now, SessionID: "s1"}
	}
	newBlob, err := s.RecordPage(ctx, page("https://a.test/", "root", 0), []byte("root"))
	require.NoError(t, err)
	require.True(t, newBlob)
	_, err = s.RecordPage(ctx, page("https://a.test/about", "about", 1), []byte("abou"))
	require.NoError(t, err)

	exists, err := s.PageExists(ctx, "https://a.test/about")
	require.NoError(t, err)
	require.True(t, exists)

	for _, l := range []crawler.LinkRecord{
		{From: "https://a.test/", To: "https://a.test/about", Type: store.LinkTypePage},
		{From: "https://a.test/", To: "https://a.test/contact", Type: store.LinkTypePage},
		{From: "https://a.test/about", To: "https://a.test/deep", Type: store.LinkTypePage},
		{From: "https://a.test/about", To: "https://a.test/contact", Type: store.LinkTypePage},
		{From: "https://a.test/", To: "https://a.test/old", Type: store.LinkTypePage},
		{From: "https://a.test/", To: "https://a.test/broken", Type: store.LinkTypePage},
	} {
		require.NoError(t, s.RecordLink(ctx, l))
	}
	require.NoError(t, s.RecordLink(ctx, crawler.LinkRecord{From: "https://a.test/", To: "https://a.test/about", Type: store.LinkTypePage}))
	require.NoError(t, s.RecordRedirect(ctx, crawler.RedirectRecord{From: "https://a.test/old", To: "https://a.test/about", StatusCode: 301, At: now}))
	require.NoError(t, s.LogError(ctx, crawler.ErrorRecord{URL: "https://a.test/broken", Kind: crawler.KindHTTPServer, Message: "500", Attempts: 3, Timestamp: now}))

	pending, err := s.PendingLinks(ctx)
	require.NoError(t, err)
	require.Equal(t, []store.PendingURL{
		{URL: "https://a.test/contact", Depth: 1},
		{URL: "https://a.test/deep", Depth: 2},
	}, pending)

	visited, err := s.VisitedURLs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"https://a.test/", "https://a.test/about", "https://a.test/old", "https://a.test/broken"}, visited)

	caps, err := s.Captures(ctx)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	require.Equal(t, "https://a.test/", caps[0].URI)
	require.True(t, caps[0].Page)
}

func TestCDXLookup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.AppendCDX(ctx, crawler.CDXEntry{Timestamp: t1, URI: "https://a.test/", StatusCode: 200, MIME: "text/html", PayloadDigest: "sha256:aa", RecordRef: "w.warc.gz:0:10", Length: 10}))
	require.NoError(t, s.AppendCDX(ctx, crawler.CDXEntry{Timestamp: t2, URI: "https://a.test/", StatusCode: 200, MIME: "text/html", PayloadDigest: "sha256:bb", RecordRef: "w.warc.gz:10:12", Length: 12}))

	got, err := s.LookupCDX(ctx, "https://a.test/", t2.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "sha256:bb", got.PayloadDigest)
	require.Equal(t, t2, got.Timestamp)

	got, err = s.LookupCDX(ctx, "https://a.test/", t2.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, "sha256:aa", got.PayloadDigest)

	_, err = s.LookupCDX(ctx, "https://a.test/", t1.Add(-time.Second))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpointsMetadataAndErrors(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.LatestCheckpoint(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{SessionID: "a", URLsProcessed: 5, LastCheckpoint: t1, Status: crawler.RunStatusInterrupted}))
	require.NoError(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{SessionID: "b", URLsProcessed: 1, LastCheckpoint: t1.Add(time.Second), Status: crawler.RunStatusRunning}))
	require.NoError(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{SessionID: "b", URLsProcessed: 9, LastCheckpoint: t1.Add(2 * time.Second), Status: crawler.RunStatusCompleted}))

	cp, err := s.LoadCheckpoint(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.Checkpoint{SessionID: "a", URLsProcessed: 5, LastCheckpoint: t1, Status: crawler.RunStatusInterrupted}, cp)

	latest, err := s.LatestCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", latest.SessionID)
	require.Equal(t, 9, latest.URLsProcessed)
	require.Equal(t, crawler.RunStatusCompleted, latest.Status)

	_, err = s.LoadCheckpoint(ctx, "zzz")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Error(t, s.SaveCheckpoint(ctx, crawler.Checkpoint{}))

	require.NoError(t, s.SetMetadata(ctx, store.MetaStandard, store.ArchiveStandard))
	require.NoError(t, s.SetMetadata(ctx, store.MetaStatus, "running"))
	require.NoError(t, s.SetMetadata(ctx, store.MetaStatus, "completed"))
	meta, err := s.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"standard": "ISO 28500:2017", "status": "completed"}, meta)

	require.NoError(t, s.LogError(ctx, crawler.ErrorRecord{URL: "https://a.test/x", Kind: crawler.KindTimeout, Message: "slow", Attempts: 3, Timestamp: t1}))
	require.NoError(t, s.LogError(ctx, crawler.ErrorRecord{URL: "https://a.test/y", Kind: crawler.KindRobotsBlocked, Message: "robots", Attempts: 0}))
	errs, err := s.Errors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	require.Equal(t, crawler.ErrorRecord{URL: "https://a.test/x", Kind: crawler.KindTimeout, Message: "slow", Attempts: 3, Timestamp: t1}, errs[0])
	require.False(t, errs[1].Timestamp.IsZero())
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestPutAssetWithBlobRollsBackOnAssetFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewWithDB(db, nil)
	defer s.Close() //nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO asset_blobs").
		WithArgs("h", []byte("x"), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO assets").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.PutAssetWithBlob(context.Background(), crawler.AssetRecord{URI: "https://a.test/a.png", ContentHash: "h", Size: 1}, []byte("x"))
	require.ErrorContains(t, err, "insert asset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageCommitFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewWithDB(db, nil)
	defer s.Close() //nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO asset_blobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO pages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err = s.RecordPage(context.Background(), crawler.PageRecord{URI: "https://a.test/", ContentHash: "h"}, []byte("x"))
	require.ErrorContains(t, err, "commit tx")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewWithDB(db, nil)
	defer s.Close() //nolint:errcheck

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("boom"))
	_, err = s.Stats(context.Background())
	require.ErrorContains(t, err, "select stats")

	mock.ExpectExec("INSERT INTO links").WillReturnError(errors.New("boom"))
	require.ErrorContains(t, s.RecordLink(context.Background(), crawler.LinkRecord{From: "a", To: "b", Type: "page"}), "insert link")
	require.NoError(t, mock.ExpectationsWereMet())
}
