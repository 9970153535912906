package thttp

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Progress wraps the body of a download to report its progress.
// Size is -1 if it is unknown.
type Progress func(name string, size int64, body io.ReadCloser) io.ReadCloser

// WriteFileAtomic copies r to a temporary file placed next to path and renames it to path
// only if copying and check succeeded. Temporary names are unique, so concurrent writers
// never share a file, and readers see either no file or the complete one.
func WriteFileAtomic(path string, mode os.FileMode, r io.Reader, check func() error) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, errors.WithStack(err)
	}

	tmpPath := path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	n, err := io.Copy(f, r)
	if err == nil && check != nil {
		err = check()
	}
	if err == nil {
		err = f.Chmod(mode)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, errors.WithStack(err)
	}
	return n, nil
}

// Download streams the body of GET request to path using WriteFileAtomic.
func Download(ctx context.Context, client *http.Client, url, path string, progress Progress) (int64, error) {
	resp, err := Get(ctx, client, url, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected response status: %d, %q", resp.StatusCode, url)
	}

	var body io.ReadCloser = resp.Body
	if progress != nil {
		body = progress(filepath.Base(path), resp.ContentLength, body)
		defer body.Close()
	}
	return WriteFileAtomic(path, 0o600, body, nil)
}
