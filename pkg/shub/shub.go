package shub

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/container/cache"
	"github.com/apptainer/singularity-sub000/pkg/reference"
	"github.com/apptainer/singularity-sub000/pkg/registry"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
)

// Manifest describes the image hosted by Singularity Hub.
type Manifest struct {
	Name    string `json:"name"`
	Branch  string `json:"branch"`
	Tag     string `json:"tag"`
	Commit  string `json:"commit"`
	Version string `json:"version"`

	// Image is the URL of the image file.
	Image string `json:"image"`
}

// New creates Singularity Hub client. If insecure is true, plain http is used.
func New(client *http.Client, insecure bool) *Client {
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	return &Client{
		client: client,
		scheme: scheme,
	}
}

// Client talks to Singularity Hub API.
type Client struct {
	client *http.Client
	scheme string
}

// Manifest fetches the manifest of the image.
func (c *Client) Manifest(ctx context.Context, ref reference.Reference) (Manifest, error) {
	u := c.scheme + "://" + ref.Registry + "/api/container/" + ref.Repo() + ":" + ref.Identifier()
	logger.Get(ctx).Info("Fetching manifest", zap.String("url", u))

	resp, err := thttp.Get(ctx, c.client, u, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Manifest{}, errors.WithStack(registry.ManifestNotFoundError{Ref: ref, Status: resp.StatusCode})
	default:
		return Manifest{}, errors.Errorf("unexpected response status: %d, %q", resp.StatusCode, u)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, errors.Wrapf(registry.ErrMalformedManifest, "decoding manifest: %s", err)
	}
	if m.Image == "" {
		return Manifest{}, errors.Wrap(registry.ErrMalformedManifest, "no image url in manifest")
	}
	if m.Version == "" || m.Version == ".." || strings.ContainsAny(m.Version, `/\`) {
		return Manifest{}, errors.Wrapf(registry.ErrMalformedManifest, "invalid image version %q", m.Version)
	}
	return m, nil
}

// Pull downloads the image file into the cache directory. Images are identified by their version hash,
// so existing file is returned without downloading it again.
func (c *Client) Pull(ctx context.Context, m Manifest, cacheRoot string, progress thttp.Progress) (cache.Layer, error) {
	path := filepath.Join(cacheRoot, "shub-"+m.Version+".simg")
	layer := cache.Layer{Digest: m.Version, Path: path}

	log := logger.Get(ctx).With(zap.String("version", m.Version))

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Mode().IsRegular():
		log.Debug("Image found in cache", zap.String("path", path))
		layer.Present = true
		return layer, nil
	case err != nil && !os.IsNotExist(err):
		log.Warn("Reading cache failed, downloading image again", zap.Error(err))
	}

	log.Info("Fetching image", zap.String("url", m.Image))
	if _, err := thttp.Download(ctx, c.client, m.Image, path, progress); err != nil {
		return cache.Layer{}, errors.WithStack(cache.DownloadError{Digest: m.Version, Err: err})
	}
	return layer, nil
}
