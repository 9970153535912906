package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/reference"
	"github.com/apptainer/singularity-sub000/pkg/registry/auth"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
)

const (
	dockerHubRegistry = "registry-1.docker.io"

	// Manifests and configs are small, layers are streamed.
	maxDocumentSize = 8 * 1024 * 1024
)

// New creates registry client. If insecure is true, plain http is used.
func New(client *http.Client, authenticator *auth.Authenticator, insecure bool) *Client {
	scheme := "https"
	if insecure {
		scheme = "http"
	}
	return &Client{
		client:        client,
		authenticator: authenticator,
		scheme:        scheme,
	}
}

// Client talks to docker registry v2 API.
type Client struct {
	client        *http.Client
	authenticator *auth.Authenticator
	scheme        string
}

// Manifest fetches the manifest of the image.
func (c *Client) Manifest(ctx context.Context, ref reference.Reference) (*Manifest, error) {
	u := c.repoURL(ref) + "/manifests/" + ref.Identifier()
	logger.Get(ctx).Info("Fetching manifest", zap.String("url", u))

	resp, err := c.get(ctx, u, http.Header{"Accept": manifestMediaTypes})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.notFound(ctx, ref, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	m, err := ParseManifest(body)
	if err != nil {
		return nil, err
	}

	// Schema v1 manifests are signed, registry computes their digest over the payload without signatures.
	if m.SchemaVersion == 2 && ref.Digest != "" {
		expected, err := digest.Parse(ref.Digest)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedManifest, "invalid digest %q: %s", ref.Digest, err)
		}
		if computed := expected.Algorithm().FromBytes(body); computed != expected {
			return nil, errors.Wrapf(ErrMalformedManifest, "digest doesn't match, expected: %s, got: %s",
				expected, computed)
		}
	}

	return m, nil
}

// Config downloads the image config referenced by the schema v2 manifest and stores it in m.Config.
// Nothing is done for schema v1 manifests, their config history is inline.
func (c *Client) Config(ctx context.Context, ref reference.Reference, m *Manifest) (*ocispec.Image, error) {
	if m.V2 == nil {
		return nil, nil //nolint:nilnil
	}

	d := m.V2.Config.Digest
	if err := d.Validate(); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "invalid config digest %q: %s", d, err)
	}

	body, _, err := c.OpenBlob(ctx, ref, d.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDocumentSize))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	verifier := d.Verifier()
	if _, err := verifier.Write(data); err != nil {
		return nil, errors.WithStack(err)
	}
	if !verifier.Verified() {
		return nil, errors.Wrapf(ErrMalformedManifest, "config digest doesn't match %s", d)
	}

	var image ocispec.Image
	if err := json.Unmarshal(data, &image); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "decoding image config: %s", err)
	}
	m.Config = &image
	return &image, nil
}

// Tags lists tags available in the repository.
func (c *Client) Tags(ctx context.Context, ref reference.Reference) ([]string, error) {
	u := c.repoURL(ref) + "/tags/list"

	resp, err := c.get(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected response status: %d, %q", resp.StatusCode, u)
	}

	var data struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, errors.WithStack(err)
	}
	return data.Tags, nil
}

// OpenBlob starts download of the blob. Returned size is -1 if registry doesn't report it.
func (c *Client) OpenBlob(ctx context.Context, ref reference.Reference, dgst string) (io.ReadCloser, int64, error) {
	u := c.repoURL(ref) + "/blobs/" + dgst
	logger.Get(ctx).Info("Fetching blob", zap.String("url", u))

	resp, err := c.get(ctx, u, nil)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		thttp.Discard(resp)
		return nil, 0, errors.Errorf("unexpected response status: %d, %q", resp.StatusCode, u)
	}
	return resp.Body, resp.ContentLength, nil
}

// Repository binds the client to the repository of the reference.
func (c *Client) Repository(ref reference.Reference) Repository {
	return Repository{client: c, ref: ref}
}

// Repository gives access to the blobs of one repository.
type Repository struct {
	client *Client
	ref    reference.Reference
}

// OpenBlob starts download of the blob.
func (r Repository) OpenBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error) {
	return r.client.OpenBlob(ctx, r.ref, dgst)
}

func (c *Client) repoURL(ref reference.Reference) string {
	registry := ref.Registry
	if registry == "docker.io" || registry == "index.docker.io" {
		registry = dockerHubRegistry
	}
	return c.scheme + "://" + registry + "/v2/" + ref.Repo()
}

func (c *Client) notFound(ctx context.Context, ref reference.Reference, status int) error {
	tags, err := c.Tags(ctx, ref)
	if err != nil {
		logger.Get(ctx).Warn("Listing tags failed", zap.Error(err))
	}
	return errors.WithStack(ManifestNotFoundError{
		Ref:    ref,
		Status: status,
		Tags:   tags,
	})
}
