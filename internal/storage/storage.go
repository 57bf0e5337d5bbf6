// Package storage implements durable object storage for converted audio.
//
// Backends:
//   - [LocalStore] : files under a directory, served by the gateway's /media route
//   - [SFTPStore] : files on a remote host over SSH
//   - [FTPStore] : files on a remote FTP server
//
// Keys come from [ObjectKey] and are deterministic for a given external id and label.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/tunegate/internal/shared"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	keyPrefix    = "audio"
	keyExt       = ".mp3"
	defaultLabel = "track"
	maxSlugRunes = 80
)

// ObjectStore is a durable byte store addressed by key.
type ObjectStore interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Put stores the contents of r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens the object for reading and returns its size.
	//
	// A missing object yields [shared.ErrObjectNotFound].
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// URL is the public address of the object.
	URL(key string) string
}

// New builds the [ObjectStore] selected by cfg.Backend.
func New(cfg shared.StorageConfig, logger *log.Logger) (ObjectStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalStore(cfg.Local.Dir, cfg.PublicBaseURL)
	case "sftp":
		return NewSFTPStore(cfg.SFTP, cfg.PublicBaseURL, logger)
	case "ftp":
		return NewFTPStore(cfg.FTP, cfg.PublicBaseURL, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", shared.ErrInvalidConfig, cfg.Backend)
	}
}

// ObjectKey derives the storage key for a media item.
//
// Each external id gets its own directory so distinct ids never share a key.
// The id is escaped reversibly since ids are case sensitive and may contain
// any character. The label is folded to an ASCII slug and only names the file.
func ObjectKey(externalID, title, artist string) string {
	label := Slug(strings.TrimSpace(artist + " " + title))
	if label == "" {
		label = defaultLabel
	}
	return keyPrefix + "/" + EscapeID(externalID) + "/" + label + keyExt
}

// Slug lowercases s, strips diacritics and joins the remaining ASCII words with dashes.
func Slug(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	n := 0
	for _, r := range strings.ToLower(folded) {
		if n >= maxSlugRunes {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			n++
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
			n++
		}
	}
	return strings.Trim(b.String(), "-")
}

// EscapeID keeps ASCII letters, digits, '-' and '_' and percent-encodes every other byte.
func EscapeID(id string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0F])
		}
	}
	return b.String()
}

// publicURL joins base and an escaped key.
func publicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// validKey rejects keys that would escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: invalid object key %q", shared.ErrStorageError, key)
	}
	return nil
}

// multiCloser closes the reader before the connection that produced it.
type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
