package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const layerSuffix = ".tar.gz"

// ErrLayerDownload is returned when layer can't be downloaded into the cache.
var ErrLayerDownload = errors.New("layer download failed")

// DownloadError reports the layer which failed.
type DownloadError struct {
	Digest string
	Err    error
}

func (e DownloadError) Error() string {
	return "downloading layer " + e.Digest + ": " + e.Err.Error()
}

// Unwrap makes both ErrLayerDownload and the cause visible to errors.Is.
func (e DownloadError) Unwrap() []error {
	return []error{ErrLayerDownload, e.Err}
}

// Source provides layer content.
type Source interface {
	OpenBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error)
}

// Layer is the layer resolved in the cache.
type Layer struct {
	Digest string
	Path   string

	// Present is true if layer was in the cache before it was resolved.
	Present bool
}

// Option configures the cache.
type Option func(c *Cache)

// WithProgress wraps layer downloads with the progress reporter.
func WithProgress(progress thttp.Progress) Option {
	return func(c *Cache) {
		c.progress = progress
	}
}

// New creates cache storing layers in root.
func New(root string, source Source, opts ...Option) *Cache {
	c := &Cache{
		root:   root,
		source: source,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Cache maps layer digests to files, downloading them on miss. Layers are never validated once they are in the cache.
// Downloads are atomic, so it is safe to use the same root by many processes.
type Cache struct {
	root     string
	source   Source
	progress thttp.Progress
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Path returns the file path of the layer.
func (c *Cache) Path(dgst string) (string, error) {
	if dgst == "" || dgst == "." || dgst == ".." || strings.ContainsAny(dgst, `/\`) {
		return "", errors.Errorf("invalid digest %q", dgst)
	}
	return filepath.Join(c.root, dgst+layerSuffix), nil
}

// Resolve returns the layer, downloading it if it is not cached yet.
func (c *Cache) Resolve(ctx context.Context, dgst string) (Layer, error) {
	path, err := c.Path(dgst)
	if err != nil {
		return Layer{}, errors.WithStack(DownloadError{Digest: dgst, Err: err})
	}

	log := logger.Get(ctx).With(zap.String("digest", dgst))

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Mode().IsRegular():
		log.Debug("Layer found in cache", zap.String("path", path))
		return Layer{Digest: dgst, Path: path, Present: true}, nil
	case err == nil:
		return Layer{}, errors.WithStack(DownloadError{
			Digest: dgst,
			Err:    errors.Errorf("cache entry %q is not a regular file", path),
		})
	case !os.IsNotExist(err):
		log.Warn("Reading cache failed, downloading layer again", zap.Error(err))
	}

	if err := c.download(ctx, dgst, path); err != nil {
		return Layer{}, errors.WithStack(DownloadError{Digest: dgst, Err: err})
	}
	log.Info("Layer downloaded", zap.String("path", path))
	return Layer{Digest: dgst, Path: path}, nil
}

// ResolveAll resolves layers using up to workers parallel downloads. Layers are returned in the order of digests.
func (c *Cache) ResolveAll(ctx context.Context, digests []string, workers int) ([]Layer, error) {
	if workers < 1 {
		workers = 1
	}

	layers := make([]Layer, len(digests))
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		sem := make(chan struct{}, workers)
		for i, dgst := range digests {
			spawn("layer-"+dgst, parallel.Continue, func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case sem <- struct{}{}:
				}
				defer func() {
					<-sem
				}()

				layer, err := c.Resolve(ctx, dgst)
				if err != nil {
					return err
				}
				layers[i] = layer
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return layers, nil
}

func (c *Cache) download(ctx context.Context, dgst, path string) error {
	expected, err := digest.Parse(dgst)
	if err != nil {
		return errors.WithStack(err)
	}

	body, size, err := c.source.OpenBlob(ctx, dgst)
	if err != nil {
		return err
	}
	if c.progress != nil {
		body = c.progress(dgst, size, body)
	}
	defer body.Close()

	verifier := expected.Verifier()
	_, err = thttp.WriteFileAtomic(path, 0o644, io.TeeReader(body, verifier), func() error {
		if !verifier.Verified() {
			return errors.Errorf("digest doesn't match, expected: %s", expected)
		}
		return nil
	})
	return err
}

// WriteLayerList writes paths of the layers to the file, one per line.
func WriteLayerList(path string, layers []Layer) error {
	var sb strings.Builder
	for _, l := range layers {
		sb.WriteString(l.Path)
		sb.WriteString("\n")
	}
	_, err := thttp.WriteFileAtomic(path, 0o644, strings.NewReader(sb.String()), nil)
	return err
}
