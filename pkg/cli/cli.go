package cli

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/container/cache"
	"github.com/apptainer/singularity-sub000/pkg/container/metadata"
	"github.com/apptainer/singularity-sub000/pkg/fetch"
	"github.com/apptainer/singularity-sub000/pkg/reference"
	"github.com/apptainer/singularity-sub000/pkg/registry"
	"github.com/apptainer/singularity-sub000/pkg/registry/auth"
	"github.com/outofforest/logger"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitBadInput  = 2
	ExitTransient = 3
	ExitInternal  = 4
)

// ErrUsage is returned when command line is invalid.
var ErrUsage = errors.New("invalid usage")

// Environment variables used as flag defaults.
const (
	EnvUsername     = "SINGULARITY_DOCKER_USERNAME"
	EnvPassword     = "SINGULARITY_DOCKER_PASSWORD"
	EnvCacheDir     = "SINGULARITY_CACHEDIR"
	EnvDisableCache = "SINGULARITY_DISABLE_CACHE"
	EnvNoHTTPS      = "SINGULARITY_NOHTTPS"
	EnvRegistry     = "SINGULARITY_DOCKER_REGISTRY"
	EnvIncludeCmd   = "SINGULARITY_INCLUDECMD"
	EnvRootFS       = "SINGULARITY_ROOTFS"
	EnvContents     = "SINGULARITY_CONTENTS"
)

// LookupEnv returns the value of environment variable.
type LookupEnv func(key string) (string, bool)

type flags struct {
	Config   fetch.Config
	Options  fetch.Options
	Include  bool
	Progress bool
}

func defaults(lookup LookupEnv) flags {
	f := flags{
		Config:   fetch.DefaultConfig(),
		Progress: true,
	}

	f.Config.Registry = envString(lookup, EnvRegistry, f.Config.Registry)
	f.Config.CacheRoot = envString(lookup, EnvCacheDir, defaultCacheRoot())
	f.Config.DisableCache = envBool(lookup, EnvDisableCache)
	f.Config.Insecure = envBool(lookup, EnvNoHTTPS)
	f.Config.Credentials = auth.Credentials{
		Username: envString(lookup, EnvUsername, ""),
		Password: envString(lookup, EnvPassword, ""),
	}
	f.Options.Destination = envString(lookup, EnvRootFS, "")
	f.Options.LayerListFile = envString(lookup, EnvContents, "")
	f.Include = envBool(lookup, EnvIncludeCmd)
	return f
}

// Command returns the root command. Environment is read once, when the command is created.
func Command(lookup LookupEnv) *cobra.Command {
	f := defaults(lookup)

	cmd := &cobra.Command{
		Use:   "imgfetch [flags] IMAGE",
		Short: "Fetches docker:// and shub:// images into a root filesystem directory",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.Wrapf(ErrUsage, "exactly one image reference expected, got %d", len(args))
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], f)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Wrap(ErrUsage, err.Error())
	})

	fl := cmd.Flags()
	fl.StringVar(&f.Options.Destination, "rootfs", f.Options.Destination,
		"directory where root filesystem is extracted, env: "+EnvRootFS)
	fl.StringVar(&f.Options.MetadataDir, "metadata-dir", "",
		"directory for runscript, environment and labels, defaults to <rootfs>/"+fetch.MetadataDir)
	fl.StringVar(&f.Options.LayerListFile, "layer-file", f.Options.LayerListFile,
		"file receiving paths of the layers in extraction order, env: "+EnvContents)
	fl.BoolVar(&f.Include, "include-cmd", f.Include,
		"prefer Cmd over Entrypoint when generating runscript, env: "+EnvIncludeCmd)
	fl.BoolVar(&f.Options.Literal, "literal", false, "use the command verbatim instead of exec-wrapping it")
	fl.StringVar(&f.Config.CacheRoot, "cache-dir", f.Config.CacheRoot, "layer cache directory, env: "+EnvCacheDir)
	fl.BoolVar(&f.Config.DisableCache, "disable-cache", f.Config.DisableCache,
		"use temporary cache removed at exit, env: "+EnvDisableCache)
	fl.BoolVar(&f.Config.Insecure, "no-https", f.Config.Insecure, "talk to registries over http, env: "+EnvNoHTTPS)
	fl.StringVar(&f.Config.Registry, "registry", f.Config.Registry, "default docker registry, env: "+EnvRegistry)
	fl.StringVar(&f.Config.Namespace, "namespace", f.Config.Namespace, "default docker namespace")
	fl.StringVar(&f.Config.ShubRegistry, "shub-registry", f.Config.ShubRegistry, "default Singularity Hub registry")
	fl.StringVar(&f.Config.Credentials.Username, "username", f.Config.Credentials.Username,
		"registry username, env: "+EnvUsername)
	fl.StringVar(&f.Config.Credentials.Password, "password", f.Config.Credentials.Password,
		"registry password, env: "+EnvPassword)
	fl.IntVar(&f.Config.Workers, "workers", f.Config.Workers, "number of parallel layer downloads")
	fl.BoolVar(&f.Progress, "progress", f.Progress, "show download progress")

	return cmd
}

func run(ctx context.Context, raw string, f flags) error {
	if f.Options.Destination == "" && reference.Scheme(raw) != "shub" {
		return errors.Wrap(ErrUsage, "root filesystem directory is not set")
	}
	if f.Config.Workers < 1 {
		return errors.Wrapf(ErrUsage, "invalid number of workers: %d", f.Config.Workers)
	}

	f.Options.Prefer = metadata.Entrypoint
	if f.Include {
		f.Options.Prefer = metadata.Cmd
	}

	var opts []fetch.Option
	if f.Progress {
		opts = append(opts, fetch.WithProgress(progressBar))
	}

	result, err := fetch.New(f.Config, opts...).Run(ctx, raw, f.Options)
	if err != nil {
		return err
	}

	log := logger.Get(ctx)
	if result.Image != "" {
		log.Info("Image ready", zap.String("image", result.Image))
		return nil
	}
	log.Info("Root filesystem ready", zap.String("rootfs", result.RootFS), zap.Int("layers", len(result.Layers)))
	return nil
}

// Execute runs the command and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := Command(os.LookupEnv)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		logger.Get(ctx).Error("Fetching image failed", zap.Error(err))
	}
	return ExitCode(err)
}

// ExitCode maps error to the process exit code.
func ExitCode(err error) int {
	var urlErr *url.Error
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage),
		errors.Is(err, reference.ErrInvalidReference),
		errors.Is(err, registry.ErrManifestNotFound):
		return ExitBadInput
	case errors.Is(err, auth.ErrAuthentication),
		errors.Is(err, cache.ErrLayerDownload),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &urlErr):
		return ExitTransient
	default:
		return ExitInternal
	}
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".singularity", "docker")
}

func envString(lookup LookupEnv, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

// envBool treats any non-empty value other than false-like ones as true.
func envBool(lookup LookupEnv, key string) bool {
	v, ok := lookup(key)
	if !ok || v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v != "no"
}
