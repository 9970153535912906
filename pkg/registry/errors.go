package registry

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/apptainer/singularity-sub000/pkg/reference"
)

var (
	// ErrManifestNotFound is returned when registry doesn't serve the manifest for the reference.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrMalformedManifest is returned when manifest is neither schema v1 nor schema v2.
	ErrMalformedManifest = errors.New("malformed manifest")
)

// ManifestNotFoundError carries the tags available in the repository, so the user may pick the right one.
type ManifestNotFoundError struct {
	Ref    reference.Reference
	Status int
	Tags   []string
}

func (e ManifestNotFoundError) Error() string {
	msg := fmt.Sprintf("manifest %s not found (status %d)", e.Ref, e.Status)
	if len(e.Tags) > 0 {
		msg += ", available tags: " + strings.Join(e.Tags, " ")
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrManifestNotFound) work.
func (e ManifestNotFoundError) Unwrap() error {
	return ErrManifestNotFound
}
