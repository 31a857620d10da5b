package extract

import (
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// DefaultMIME is used for unknown extensions.
const DefaultMIME = "application/octet-stream"

var mimeByExt = map[string]string{
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".svg":   "image/svg+xml",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".ico":   "image/x-icon",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".html":  "text/html",
	".htm":   "text/html",
	".json":  "application/json",
	".xml":   "application/xml",
	".txt":   "text/plain",
	".pdf":   "application/pdf",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
}

// MIMEFor infers a MIME type from the extension of a URL or file path.
func MIMEFor(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && (u.Scheme != "" || u.Host != "") {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if mime, ok := mimeByExt[strings.ToLower(path.Ext(p))]; ok {
		return mime
	}
	return DefaultMIME
}

// ClassForMIME maps a MIME type to an asset class. It is used where no tag
// context exists, such as mirror ingestion.
func ClassForMIME(mime string) crawler.AssetClass {
	switch {
	case mime == "text/css":
		return crawler.AssetStylesheet
	case mime == "application/javascript":
		return crawler.AssetScript
	case mime == "image/x-icon":
		return crawler.AssetIcon
	case strings.HasPrefix(mime, "image/"):
		return crawler.AssetImage
	case strings.HasPrefix(mime, "font/"):
		return crawler.AssetFont
	case strings.HasPrefix(mime, "video/"), strings.HasPrefix(mime, "audio/"):
		return crawler.AssetMedia
	case mime == "text/html":
		return crawler.AssetDocument
	default:
		return crawler.AssetOther
	}
}

// IsHTML reports whether a Content-Type header denotes an HTML document.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}
