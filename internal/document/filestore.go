package document

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// QuotesURLPath is where stored documents are served from.
const QuotesURLPath = "/static/quotes/"

// ErrInvalidName is returned for file names that would escape the store directory.
var ErrInvalidName = errors.New("invalid document name")

// FileStore writes documents to a directory served under QuotesURLPath.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates dir if needed. baseURL is the public origin, e.g. "https://bot.example.cl".
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the directory documents are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes doc as name+doc.Ext and returns its public URL.
func (s *FileStore) Save(name string, doc Document) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	file := name + doc.Ext
	path := filepath.Join(s.dir, file)

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+file+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", file, err)
	}
	if _, err := tmp.Write(doc.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store %s: %w", file, err)
	}
	slog.Debug("FileStore.Save: document stored", "path", path, "bytes", len(doc.Data))
	return s.URL(file), nil
}

// URL returns the public URL of a stored file.
func (s *FileStore) URL(file string) string {
	return s.baseURL + QuotesURLPath + url.PathEscape(file)
}
