package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/domain"
)

// LocalStorage keeps objects in a directory served under BaseURL.
type LocalStorage struct {
	Dir     string
	BaseURL string
}

var _ Storage = (*LocalStorage)(nil)

func NewLocalStorage(dir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &LocalStorage{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put stores body under the base name of name; directories in name are flattened.
func (s *LocalStorage) Put(ctx context.Context, name, _ string, body io.Reader) (string, error) {
	base := strings.ReplaceAll(name, "/", "-")
	if base == "" || filepath.Base(base) != base || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid object name %q: %w", name, domain.ErrInvalidArgument)
	}

	dest := filepath.Join(s.Dir, base)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("could not create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("could not save file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return s.BaseURL + "/" + base, nil
}

// Path returns the file backing a stored object name, rejecting traversal.
func (s *LocalStorage) Path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid filename %q: %w", name, domain.ErrInvalidArgument)
	}
	return filepath.Join(s.Dir, name), nil
}
