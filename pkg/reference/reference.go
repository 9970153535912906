package reference

import (
	"strings"

	"github.com/pkg/errors"
)

const schemeSeparator = "://"

// ErrInvalidReference is returned when image reference can't be parsed.
var ErrInvalidReference = errors.New("invalid image reference")

// Config defines the defaults applied to the parts missing in the parsed reference.
type Config struct {
	// SchemePrefix is stripped from the reference if present, e.g. "docker://".
	SchemePrefix string

	DefaultRegistry  string
	DefaultNamespace string
	DefaultTag       string
}

// DockerConfig is the configuration used for docker references.
var DockerConfig = Config{
	SchemePrefix:     "docker://",
	DefaultRegistry:  "index.docker.io",
	DefaultNamespace: "library",
	DefaultTag:       "latest",
}

// ShubConfig is the configuration used for Singularity Hub references.
// Namespace has no default there, so "shub://repo" is rejected.
var ShubConfig = Config{
	SchemePrefix:    "shub://",
	DefaultRegistry: "singularity-hub.org",
	DefaultTag:      "latest",
}

// Reference is the parsed image reference.
type Reference struct {
	Registry   string
	Namespace  string
	Repository string
	Tag        string
	Digest     string
}

// Identifier returns digest if it is set, tag otherwise.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// Repo returns repository path in the form namespace/repository.
func (r Reference) Repo() string {
	return r.Namespace + "/" + r.Repository
}

// String returns the canonical form of the reference.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repo() + ":" + r.Tag
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// Scheme returns the scheme of the raw reference, e.g. "docker" for "docker://ubuntu".
// Empty string is returned for references without a scheme.
func Scheme(raw string) string {
	pos := strings.Index(raw, schemeSeparator)
	if pos < 0 {
		return ""
	}
	return raw[:pos]
}

// Parse parses image reference.
func Parse(raw string, config Config) (Reference, error) {
	s := strings.TrimSpace(raw)
	if config.SchemePrefix != "" {
		s = strings.TrimPrefix(s, config.SchemePrefix)
	}
	if scheme := Scheme(s); scheme != "" || strings.HasPrefix(s, schemeSeparator) {
		return Reference{}, errors.Wrapf(ErrInvalidReference, "unsupported scheme %q in %q", scheme, raw)
	}

	ref := Reference{
		Registry:  config.DefaultRegistry,
		Namespace: config.DefaultNamespace,
		Tag:       config.DefaultTag,
	}

	if pos := strings.Index(s, "@"); pos >= 0 {
		ref.Digest = s[pos+1:]
		s = s[:pos]
		if ref.Digest == "" {
			return Reference{}, errors.Wrapf(ErrInvalidReference, "empty digest in %q", raw)
		}
	}

	// Colon followed by a path separator belongs to the registry port, not to the tag.
	if pos := strings.LastIndex(s, ":"); pos >= 0 && !strings.Contains(s[pos+1:], "/") {
		ref.Tag = s[pos+1:]
		s = s[:pos]
	}

	segments := strings.Split(s, "/")
	switch len(segments) {
	case 1:
		ref.Repository = segments[0]
	case 2:
		ref.Namespace = segments[0]
		ref.Repository = segments[1]
	default:
		ref.Registry = segments[0]
		ref.Namespace = strings.Join(segments[1:len(segments)-1], "/")
		ref.Repository = segments[len(segments)-1]
	}

	for _, segment := range segments {
		if segment == "" {
			return Reference{}, errors.Wrapf(ErrInvalidReference, "empty path segment in %q", raw)
		}
	}

	switch {
	case ref.Registry == "":
		return Reference{}, errors.Wrapf(ErrInvalidReference, "no registry in %q", raw)
	case ref.Namespace == "":
		return Reference{}, errors.Wrapf(ErrInvalidReference, "no namespace in %q", raw)
	case ref.Repository == "":
		return Reference{}, errors.Wrapf(ErrInvalidReference, "no repository in %q", raw)
	case ref.Tag == "":
		return Reference{}, errors.Wrapf(ErrInvalidReference, "no tag in %q", raw)
	}

	return ref, nil
}
