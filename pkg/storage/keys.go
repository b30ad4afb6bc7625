package storage

import (
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewImageKey returns "{uuid}.{ext}" keeping the original file extension.
func NewImageKey(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || ext == "." {
		ext = ".bin"
	}
	return uuid.NewString() + ext
}

// ContentType guesses the MIME type from the file extension.
func ContentType(filename string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// KeyFromURL recovers an object key from a public URL. It is only used for
// rows written before the storage path was recorded, and reports false when
// the URL does not belong to publicBase.
func KeyFromURL(publicBase, rawURL string) (string, bool) {
	publicBase = strings.TrimRight(strings.TrimSpace(publicBase), "/")
	rawURL = strings.TrimSpace(rawURL)
	if publicBase == "" || rawURL == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(rawURL, publicBase+"/")
	if !ok {
		return "", false
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	key, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	key = path.Clean(key)
	if key == "." || key == "/" || strings.HasPrefix(key, "../") {
		return "", false
	}
	return key, true
}
