package fetch

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/container"
	"github.com/apptainer/singularity-sub000/pkg/container/cache"
	"github.com/apptainer/singularity-sub000/pkg/container/metadata"
	"github.com/apptainer/singularity-sub000/pkg/reference"
	"github.com/apptainer/singularity-sub000/pkg/registry"
	"github.com/apptainer/singularity-sub000/pkg/registry/auth"
	"github.com/apptainer/singularity-sub000/pkg/shub"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
)

// MetadataDir is the directory, relative to the destination, where metadata files are written by default.
const MetadataDir = ".singularity.d"

// Config is the configuration of the fetcher.
type Config struct {
	// Registry, Namespace and Tag are applied to docker references missing them.
	Registry  string
	Namespace string
	Tag       string

	// ShubRegistry is applied to shub references missing the registry.
	ShubRegistry string

	CacheRoot string

	// DisableCache makes the fetcher use fresh temporary cache removed at the end of the run.
	DisableCache bool

	// Workers is the number of parallel layer downloads.
	Workers int

	// Insecure disables TLS.
	Insecure bool

	Credentials auth.Credentials
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Registry:     reference.DockerConfig.DefaultRegistry,
		Namespace:    reference.DockerConfig.DefaultNamespace,
		Tag:          reference.DockerConfig.DefaultTag,
		ShubRegistry: reference.ShubConfig.DefaultRegistry,
		Workers:      1,
	}
}

// Options are the options of single run.
type Options struct {
	// Destination is the directory where root filesystem is extracted.
	Destination string

	// MetadataDir is the directory for runscript, environment and labels. Defaults to Destination/.singularity.d.
	MetadataDir string

	Prefer  metadata.Command
	Literal bool

	// LayerListFile, if set, receives the paths of the layers in the order of extraction.
	LayerListFile string
}

// Result is the result of the run.
type Result struct {
	Reference reference.Reference

	// Manifest is nil for Singularity Hub images.
	Manifest *registry.Manifest
	Layers   []cache.Layer

	// Image is the path of the Singularity Hub image file, nothing is extracted for such images.
	Image string

	RootFS   string
	Runtime  metadata.Runtime
	Metadata metadata.Files
}

// Option configures the fetcher.
type Option func(f *Fetcher)

// WithEvents makes the fetcher report state transitions to the channel.
func WithEvents(ch chan<- Event) Option {
	return func(f *Fetcher) {
		f.events = ch
	}
}

// WithHTTPClient sets the http client used to talk to registries.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithProgress wraps downloads with the progress reporter.
func WithProgress(progress thttp.Progress) Option {
	return func(f *Fetcher) {
		f.progress = progress
	}
}

// New creates fetcher.
func New(config Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		config: config,
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = thttp.NewClient(config.Insecure)
	}
	return f
}

// Fetcher materializes images referenced by docker:// and shub:// references.
type Fetcher struct {
	config   Config
	client   *http.Client
	events   chan<- Event
	progress thttp.Progress
}

// Run fetches the image and extracts it.
func (f *Fetcher) Run(ctx context.Context, raw string, opts Options) (result Result, retErr error) {
	defer func() {
		if retErr != nil {
			f.emit(ctx, Event{State: StateFailed, Err: retErr})
		}
	}()

	switch scheme := reference.Scheme(raw); scheme {
	case "", "docker":
		cacheRoot, cleanup, err := f.cacheRoot(ctx)
		if err != nil {
			return Result{}, err
		}
		defer cleanup()

		return f.runDocker(ctx, raw, cacheRoot, opts)
	case "shub":
		// Image file is the result itself, so it is not stored in temporary cache.
		root := f.config.CacheRoot
		if f.config.DisableCache {
			root = opts.Destination
		}
		if root == "" {
			return Result{}, errors.New("neither cache root nor destination is set")
		}
		return f.runShub(ctx, raw, root)
	default:
		return Result{}, errors.Wrapf(reference.ErrInvalidReference, "unsupported scheme %q", scheme)
	}
}

func (f *Fetcher) cacheRoot(ctx context.Context) (string, func(), error) {
	if !f.config.DisableCache {
		if f.config.CacheRoot == "" {
			return "", nil, errors.New("cache root is not set")
		}
		return f.config.CacheRoot, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "imgfetch-cache-")
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Get(ctx).Warn("Removing temporary cache failed", zap.String("path", dir), zap.Error(err))
		}
	}, nil
}

func (f *Fetcher) runDocker(ctx context.Context, raw, cacheRoot string, opts Options) (Result, error) {
	if opts.Destination == "" {
		return Result{}, errors.New("destination is not set")
	}

	config := reference.DockerConfig
	config.DefaultRegistry = valueOr(f.config.Registry, config.DefaultRegistry)
	config.DefaultNamespace = valueOr(f.config.Namespace, config.DefaultNamespace)
	config.DefaultTag = valueOr(f.config.Tag, config.DefaultTag)

	ref, err := reference.Parse(raw, config)
	if err != nil {
		return Result{}, err
	}
	ctx = logger.With(ctx, zap.Stringer("image", ref))
	log := logger.Get(ctx)
	f.emit(ctx, Event{State: StateParsed})

	authenticator := auth.New(f.client, f.config.Credentials)
	client := registry.New(f.client, authenticator, f.config.Insecure)

	m, err := client.Manifest(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if _, err := client.Config(ctx, ref, m); err != nil {
		return Result{}, err
	}
	log.Info("Manifest fetched", zap.Int("schemaVersion", m.SchemaVersion), zap.Int("layers", len(m.Layers)))
	f.emit(ctx, Event{State: StateManifestFetched, Layers: len(m.Layers)})

	var cacheOpts []cache.Option
	if f.progress != nil {
		cacheOpts = append(cacheOpts, cache.WithProgress(f.progress))
	}
	c := cache.New(cacheRoot, client.Repository(ref), cacheOpts...)

	layers, err := f.resolveLayers(ctx, c, authenticator, m.Layers)
	if err != nil {
		return Result{}, err
	}

	if opts.LayerListFile != "" {
		if err := cache.WriteLayerList(opts.LayerListFile, layers); err != nil {
			return Result{}, err
		}
	}

	f.emit(ctx, Event{State: StateExtracting, Layers: len(layers)})
	for _, l := range layers {
		if err := container.ExtractLayer(ctx, l.Path, opts.Destination); err != nil {
			return Result{}, err
		}
	}

	rt, err := metadata.Extract(ctx, m, metadata.Options{
		Prefer:  opts.Prefer,
		Literal: opts.Literal,
	})
	if err != nil {
		return Result{}, err
	}
	files, err := metadata.Write(valueOr(opts.MetadataDir, filepath.Join(opts.Destination, MetadataDir)), rt)
	if err != nil {
		return Result{}, err
	}
	f.emit(ctx, Event{State: StateMetadataWritten})

	log.Info("Image extracted", zap.String("rootfs", opts.Destination))
	f.emit(ctx, Event{State: StateDone})

	return Result{
		Reference: ref,
		Manifest:  m,
		Layers:    layers,
		RootFS:    opts.Destination,
		Runtime:   rt,
		Metadata:  files,
	}, nil
}

// resolveLayers downloads missing layers. Serial downloads refresh the token before each download, because
// token may expire during long pull and streamed body can't be retried once consumed.
func (f *Fetcher) resolveLayers(
	ctx context.Context,
	c *cache.Cache,
	authenticator *auth.Authenticator,
	manifestLayers []registry.Layer,
) ([]cache.Layer, error) {
	digests := make([]string, 0, len(manifestLayers))
	for _, l := range manifestLayers {
		digests = append(digests, l.Digest)
	}

	if f.config.Workers > 1 {
		f.emit(ctx, Event{State: StateLayersResolving, Layers: len(digests)})
		return c.ResolveAll(ctx, digests, f.config.Workers)
	}

	layers := make([]cache.Layer, 0, len(digests))
	var downloaded bool
	for i, d := range digests {
		f.emit(ctx, Event{State: StateLayersResolving, Layer: i + 1, Layers: len(digests), Digest: d})

		if downloaded {
			if path, err := c.Path(d); err == nil && !exists(path) {
				if _, err := authenticator.Refresh(ctx); err != nil {
					return nil, err
				}
			}
		}

		l, err := c.Resolve(ctx, d)
		if err != nil {
			return nil, err
		}
		downloaded = downloaded || !l.Present
		layers = append(layers, l)
	}
	return layers, nil
}

func (f *Fetcher) runShub(ctx context.Context, raw, cacheRoot string) (Result, error) {
	config := reference.ShubConfig
	config.DefaultRegistry = valueOr(f.config.ShubRegistry, config.DefaultRegistry)

	ref, err := reference.Parse(raw, config)
	if err != nil {
		return Result{}, err
	}
	ctx = logger.With(ctx, zap.Stringer("image", ref))
	f.emit(ctx, Event{State: StateParsed})

	client := shub.New(f.client, f.config.Insecure)
	m, err := client.Manifest(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	f.emit(ctx, Event{State: StateManifestFetched, Layers: 1})
	f.emit(ctx, Event{State: StateLayersResolving, Layer: 1, Layers: 1, Digest: m.Version})

	image, err := client.Pull(ctx, m, cacheRoot, f.progress)
	if err != nil {
		return Result{}, err
	}

	logger.Get(ctx).Info("Image downloaded", zap.String("path", image.Path))
	f.emit(ctx, Event{State: StateDone})

	return Result{
		Reference: ref,
		Layers:    []cache.Layer{image},
		Image:     image.Path,
	}, nil
}

func (f *Fetcher) emit(ctx context.Context, e Event) {
	if f.events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case f.events <- e:
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func valueOr(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
