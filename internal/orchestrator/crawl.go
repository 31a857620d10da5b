package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/extract"
	"github.com/JakeFAU/site-archiver/internal/frontier"
	"github.com/JakeFAU/site-archiver/internal/hash/sha256"
	"github.com/JakeFAU/site-archiver/internal/metrics"
	"github.com/JakeFAU/site-archiver/internal/progress"
	"github.com/JakeFAU/site-archiver/internal/store"
)

// maxCSSNesting bounds how deep stylesheet imports are followed.
const maxCSSNesting = 3

// crawlPage settles one frontier entry. Only storage failures are returned;
// fetch, robots and parse problems are logged and counted.
func (o *Orchestrator) crawlPage(ctx context.Context, e frontier.Entry) error {
	resp, ok, err := o.fetch(ctx, e.URL)
	if err != nil || !ok {
		return err
	}

	final := crawler.Normalize(resp.URL)
	if resp.Redirected() {
		status := resp.RedirectStatus
		if status == 0 {
			status = http.StatusFound
		}
		err := o.store.RecordRedirect(ctx, crawler.RedirectRecord{
			From: e.URL, To: final, StatusCode: status, At: o.clock.Now().UTC(),
		})
		if err != nil {
			return o.storageErr(ctx, "record redirect", err)
		}
		if !o.inScope(final) || !o.front.MarkVisited(final) {
			o.logger.Debug("redirect target skipped", zap.String("from", e.URL), zap.String("to", final))
			return nil
		}
	}

	if !extract.IsHTML(resp.ContentType) {
		ref := crawler.AssetRef{URL: final, MIME: mimeOf(resp), Class: extract.ClassForMIME(mimeOf(resp))}
		if !o.claimAsset(final) {
			// Already archived as a sub-resource of another page.
			return nil
		}
		_, err := o.storeAsset(ctx, ref, resp)
		return err
	}

	doc, parseErr := extract.Parse(resp.Body, final)
	if parseErr == nil {
		complete, err := o.crawlAssets(ctx, final, doc.Assets)
		if err != nil {
			return err
		}
		if !complete {
			// Interrupted before the page's assets were archived. The page
			// stays unstored so a resumed run finds it among pending links.
			return nil
		}
	}

	hash := sha256.Sum(resp.Body)
	rec := crawler.PageRecord{
		URI:         final,
		ContentHash: hash,
		Title:       doc.Title,
		Depth:       e.Depth,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Size:        int64(len(resp.Body)),
		FetchedAt:   o.clock.Now().UTC(),
		SessionID:   o.SessionID(),
	}
	newBlob, err := o.store.RecordPage(ctx, rec, resp.Body)
	if err != nil {
		return o.storageErr(ctx, "record page", err)
	}
	if err := o.capture(ctx, final, resp, hash, rec.FetchedAt); err != nil {
		return err
	}
	if err := o.pageStored(ctx, rec, newBlob); err != nil {
		return err
	}

	if parseErr != nil {
		o.logger.Warn("page stored without links", zap.String("url", final), zap.Error(parseErr))
		return o.logError(ctx, final, crawler.KindParse, parseErr.Error(), 1)
	}
	for _, link := range doc.Links {
		target := crawler.Normalize(link)
		linkType := "external"
		if o.inScope(target) {
			linkType = store.LinkTypePage
		}
		err := o.store.RecordLink(ctx, crawler.LinkRecord{From: final, To: target, Type: linkType})
		if err != nil {
			return o.storageErr(ctx, "record link", err)
		}
		if linkType == store.LinkTypePage {
			o.enqueue(target, e.Depth+1)
		}
	}
	return nil
}

// crawlAssets archives the sub-resources of a page. It reports false when
// the run started stopping before every asset was handled.
func (o *Orchestrator) crawlAssets(ctx context.Context, pageURL string, refs []crawler.AssetRef) (bool, error) {
	for _, ref := range refs {
		if o.stopping() {
			return false, nil
		}
		if err := o.crawlAsset(ctx, pageURL, ref, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (o *Orchestrator) crawlAsset(ctx context.Context, from string, ref crawler.AssetRef, nesting int) error {
	uri := crawler.Normalize(ref.URL)
	if !crawler.Valid(uri) || o.blocklist.Blocked(uri) {
		return nil
	}
	if err := o.store.RecordLink(ctx, crawler.LinkRecord{From: from, To: uri, Type: string(ref.Class)}); err != nil {
		return o.storageErr(ctx, "record asset link", err)
	}
	// Media and frames are inventoried through the link graph only.
	if ref.Class == crawler.AssetMedia || ref.Class == crawler.AssetFrame {
		return nil
	}
	if !o.claimAsset(uri) || !o.front.MarkVisited(uri) {
		return nil
	}
	known, err := o.assetKnown(ctx, uri)
	if err != nil {
		return o.storageErr(ctx, "check asset", err)
	}
	if known {
		return nil
	}

	resp, ok, err := o.fetch(ctx, uri)
	if err != nil || !ok {
		return err
	}
	if ref.MIME == "" || ref.MIME == extract.DefaultMIME {
		ref.MIME = mimeOf(resp)
	}
	ref.URL = uri
	if _, err := o.storeAsset(ctx, ref, resp); err != nil {
		return err
	}

	if ref.Class == crawler.AssetStylesheet && nesting < maxCSSNesting {
		for _, nested := range extract.CSSRefs(resp.Body, uri) {
			if o.stopping() {
				return nil
			}
			if err := o.crawlAsset(ctx, uri, nested, nesting+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetch runs the host, robots and pacing gates and then the fetch engine.
// ok is false when the URL was dropped or failed.
func (o *Orchestrator) fetch(ctx context.Context, uri string) (crawler.FetchResponse, bool, error) {
	host := crawler.Host(uri)
	if o.hosts.Blocked(host) {
		return crawler.FetchResponse{}, false, o.failure(ctx, uri, crawler.KindHTTPClient, "host blocked after repeated 403 responses", true)
	}
	if !o.robots.Allowed(ctx, uri) {
		o.mu.Lock()
		o.robotsBlocked++
		o.mu.Unlock()
		metrics.ObserveRobotsBlocked()
		o.emit(progress.Event{Stage: progress.StageRobotsBlocked, URL: uri})
		o.logger.Debug("robots.txt disallows url", zap.String("url", uri))
		return crawler.FetchResponse{}, false, o.logError(ctx, uri, crawler.KindRobotsBlocked, "disallowed by robots.txt", 0)
	}
	if delay := o.robots.CrawlDelay(ctx, uri); delay > 0 {
		o.pacer.SetCrawlDelay(host, delay)
	}
	if err := o.pacer.Wait(ctx, uri); err != nil {
		return crawler.FetchResponse{}, false, nil
	}

	resp, err := o.fetcher.Fetch(ctx, uri)
	if err == nil {
		return resp, true, nil
	}
	kind := crawler.KindOf(err)
	if kind == "" {
		// Canceled; the URL stays unsettled for a resumed run.
		return crawler.FetchResponse{}, false, nil
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.StatusCode == http.StatusForbidden {
		if o.hosts.MarkForbidden(host) {
			o.logger.Warn("host blocked after repeated 403 responses", zap.String("host", host))
		}
	}
	// The fetch engine already wrote the error record.
	return crawler.FetchResponse{}, false, o.failure(ctx, uri, kind, err.Error(), false)
}

// failure counts a failed URL and optionally writes its error record.
func (o *Orchestrator) failure(ctx context.Context, uri string, kind crawler.ErrorKind, msg string, log bool) error {
	o.mu.Lock()
	o.errCounts[kind]++
	o.mu.Unlock()
	o.emit(progress.Event{Stage: progress.StageFetchFailed, URL: uri, Kind: kind, Note: msg})
	if !log {
		return nil
	}
	metrics.ObserveError(string(kind))
	return o.writeError(ctx, uri, kind, msg, 0)
}

// logError counts and records a failure the fetch engine did not log.
func (o *Orchestrator) logError(ctx context.Context, uri string, kind crawler.ErrorKind, msg string, attempts int) error {
	o.mu.Lock()
	o.errCounts[kind]++
	o.mu.Unlock()
	metrics.ObserveError(string(kind))
	return o.writeError(ctx, uri, kind, msg, attempts)
}

func (o *Orchestrator) writeError(ctx context.Context, uri string, kind crawler.ErrorKind, msg string, attempts int) error {
	err := o.store.LogError(ctx, crawler.ErrorRecord{
		URL: uri, Kind: kind, Message: msg, Attempts: attempts, Timestamp: o.clock.Now().UTC(),
	})
	if err != nil {
		return o.storageErr(ctx, "log error", err)
	}
	return nil
}

func (o *Orchestrator) storeAsset(ctx context.Context, ref crawler.AssetRef, resp crawler.FetchResponse) (bool, error) {
	hash := sha256.Sum(resp.Body)
	rec := crawler.AssetRecord{
		URI:         ref.URL,
		Class:       ref.Class,
		ContentHash: hash,
		Size:        int64(len(resp.Body)),
		MIME:        ref.MIME,
		FetchedAt:   o.clock.Now().UTC(),
	}
	if rec.Class == "" {
		rec.Class = crawler.AssetOther
	}
	if rec.MIME == "" {
		rec.MIME = extract.DefaultMIME
	}
	newBlob, err := o.store.PutAssetWithBlob(ctx, rec, resp.Body)
	if err != nil {
		return false, o.storageErr(ctx, "store asset", err)
	}
	if err := o.capture(ctx, rec.URI, resp, hash, rec.FetchedAt); err != nil {
		return false, err
	}

	o.mu.Lock()
	o.assetHint.AddString(rec.URI)
	o.mu.Unlock()
	if !newBlob {
		metrics.ObserveDedupHit()
	}
	metrics.ObserveAsset(string(rec.Class), rec.URI, len(resp.Body))
	o.emit(progress.Event{
		Stage:        progress.StageAssetStored,
		URL:          rec.URI,
		Bytes:        rec.Size,
		StatusClass:  progress.ClassifyStatus(resp.StatusCode),
		Deduplicated: !newBlob,
		Note:         string(rec.Class),
	})
	return newBlob, nil
}

func (o *Orchestrator) capture(ctx context.Context, uri string, resp crawler.FetchResponse, hash string, at time.Time) error {
	_, err := o.archive.WriteCapture(ctx, archive.Capture{
		URI:         uri,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Headers:     resp.Headers,
		Body:        resp.Body,
		FetchedAt:   at,
		ContentHash: hash,
	})
	if err != nil {
		return o.storageErr(ctx, "write capture", err)
	}
	return nil
}

func (o *Orchestrator) pageStored(ctx context.Context, rec crawler.PageRecord, newBlob bool) error {
	o.mu.Lock()
	o.pages++
	o.sinceCheck++
	due := o.cfg.CheckpointEvery > 0 && o.sinceCheck >= o.cfg.CheckpointEvery
	if due {
		o.sinceCheck = 0
	}
	o.mu.Unlock()

	if !newBlob {
		metrics.ObserveDedupHit()
	}
	metrics.ObservePage(rec.URI, rec.StatusCode, int(rec.Size))
	o.emit(progress.Event{
		Stage:        progress.StagePageStored,
		URL:          rec.URI,
		Bytes:        rec.Size,
		StatusClass:  progress.ClassifyStatus(rec.StatusCode),
		Deduplicated: !newBlob,
		Note:         rec.Title,
	})
	if !due {
		return nil
	}
	if err := o.checkpoint(ctx, crawler.RunStatusRunning); err != nil {
		return o.storageErr(ctx, "checkpoint", err)
	}
	return nil
}

// claimAsset reserves uri for this worker; false means another worker
// already handled it during this run.
func (o *Orchestrator) claimAsset(uri string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.claimed[uri]; ok {
		return false
	}
	o.claimed[uri] = struct{}{}
	return true
}

// assetKnown consults the store only when the hint filter cannot rule the
// URI out.
func (o *Orchestrator) assetKnown(ctx context.Context, uri string) (bool, error) {
	o.mu.Lock()
	maybe := o.assetHint.TestString(uri)
	o.mu.Unlock()
	if !maybe {
		return false, nil
	}
	return o.store.AssetExists(ctx, uri)
}

// storageErr wraps a write failure. Failures caused by the grace period
// running out are not treated as archive corruption.
func (o *Orchestrator) storageErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		o.logger.Warn("write abandoned at shutdown", zap.String("op", op), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mimeOf(resp crawler.FetchResponse) string {
	mt := archive.MediaType(resp.ContentType)
	if mt == archive.DefaultMediaType {
		return extract.MIMEFor(resp.URL)
	}
	return mt
}
