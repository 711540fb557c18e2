package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lms-realtime/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Uploader stores an attachment file and returns the record to embed in the
// message. Remove deletes a stored file again.
type Uploader interface {
	Save(ctx context.Context, filename string, r io.Reader) (models.Attachment, error)
	Remove(ctx context.Context, att models.Attachment) error
}

// FileUpload is a file part of a post that has not been stored yet.
type FileUpload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// DiskUploader writes files under dir and serves them from baseURL. The
// stored name is random; the declared type comes from content sniffing, not
// the client.
type DiskUploader struct {
	dir      string
	baseURL  string
	maxBytes int64
}

func NewDiskUploader(dir, baseURL string, maxBytes int64) (*DiskUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &DiskUploader{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: maxBytes}, nil
}

func (u *DiskUploader) Save(ctx context.Context, filename string, r io.Reader) (models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return models.Attachment{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, u.maxBytes+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > u.maxBytes {
		return models.Attachment{}, &ContentRejectedError{Reasons: []string{fmt.Sprintf("%s: larger than %d bytes", filepath.Base(filename), u.maxBytes)}}
	}
	if len(data) == 0 {
		return models.Attachment{}, &ContentRejectedError{Reasons: []string{fmt.Sprintf("%s: empty file", filepath.Base(filename))}}
	}

	mtype := mimetype.Detect(data)
	name := uuid.NewString() + mtype.Extension()
	if err := os.WriteFile(filepath.Join(u.dir, name), data, 0o644); err != nil {
		return models.Attachment{}, fmt.Errorf("writing upload: %w", err)
	}

	return models.Attachment{
		URL:      u.baseURL + "/" + name,
		Filename: filepath.Base(filename),
		Type:     mtype.String(),
	}, nil
}

func (u *DiskUploader) Remove(_ context.Context, att models.Attachment) error {
	name := path.Base(att.URL)
	if name == "." || name == "/" {
		return fmt.Errorf("no stored file in %q", att.URL)
	}
	if err := os.Remove(filepath.Join(u.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload: %w", err)
	}
	return nil
}
