// Package media stores message attachments and hands back durable references.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/domain"
)

// MaxSize bounds a single upload.
const MaxSize = 50 << 20

// Storage puts objects somewhere they can be fetched from by URL.
type Storage interface {
	Put(ctx context.Context, name, contentType string, body io.Reader) (url string, err error)
}

// Uploader turns a local file into the content of a media message.
type Uploader interface {
	Upload(ctx context.Context, kind domain.Kind, localPath string) (url string, err error)
}

// ObjectName returns a fresh collision-free object name keeping the extension of filename.
func ObjectName(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == "." {
		return "", fmt.Errorf("file %q must have an extension: %w", filename, domain.ErrInvalidArgument)
	}
	return uuid.NewString() + ext, nil
}

// ContentType guesses the MIME type of filename.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// StorageUploader uploads straight to a Storage.
type StorageUploader struct {
	Storage Storage
}

var _ Uploader = (*StorageUploader)(nil)

func (u *StorageUploader) Upload(ctx context.Context, kind domain.Kind, localPath string) (string, error) {
	if !kind.IsMedia() {
		return "", fmt.Errorf("upload %s: kind %q carries no media: %w", localPath, kind, domain.ErrInvalidArgument)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %v: %w", localPath, err, domain.ErrInvalidArgument)
	}
	defer f.Close()

	name, err := ObjectName(localPath)
	if err != nil {
		return "", err
	}
	return u.Storage.Put(ctx, string(kind)+"/"+name, ContentType(localPath), io.LimitReader(f, MaxSize))
}
