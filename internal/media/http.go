package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/domain"
)

// HTTPUploader posts files to the relay server's /api/uploads endpoint.
type HTTPUploader struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

var _ Uploader = (*HTTPUploader)(nil)

// UploadResponse is the body returned by the upload endpoint.
type UploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
}

func (u *HTTPUploader) Upload(ctx context.Context, kind domain.Kind, localPath string) (string, error) {
	if !kind.IsMedia() {
		return "", fmt.Errorf("upload %s: kind %q carries no media: %w", localPath, kind, domain.ErrInvalidArgument)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %v: %w", localPath, err, domain.ErrInvalidArgument)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(localPath))
		if err == nil {
			_, err = io.Copy(part, io.LimitReader(f, MaxSize))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(u.BaseURL, "/")+"/api/uploads", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("build upload request: %v: %w", err, domain.ErrInvalidArgument)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.Token)

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %v: %w", localPath, err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("upload %s: %w", localPath, domain.ErrUnauthorized)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("upload %s: %s: %w", localPath, resp.Status, domain.ErrTransient)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("upload %s: %s: %w", localPath, resp.Status, domain.ErrInvalidArgument)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.URL == "" {
		return "", fmt.Errorf("decode upload response: %w", domain.ErrTransient)
	}
	return out.URL, nil
}
