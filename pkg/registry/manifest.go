package registry

import (
	"encoding/json"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Media types of the manifests accepted from the registry.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSignedV1     = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

var manifestMediaTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerSignedV1,
}

// Layer is the content-addressed layer listed in the manifest.
type Layer struct {
	Digest    string
	MediaType string

	// Size is 0 if manifest doesn't declare it (schema v1).
	Size int64
}

// SchemaV1 is the legacy docker manifest. Layers and history are listed from leaf to base.
type SchemaV1 struct {
	Name     string    `json:"name"`
	Tag      string    `json:"tag"`
	FSLayers []FSLayer `json:"fsLayers"`
	History  []History `json:"history"`
}

// FSLayer is the layer entry of schema v1 manifest.
type FSLayer struct {
	BlobSum string `json:"blobSum"`
}

// History is the history entry of schema v1 manifest. V1Compatibility is the JSON document
// containing the image config as it was after the corresponding layer was applied.
type History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// Manifest is the normalized image manifest.
type Manifest struct {
	SchemaVersion int
	MediaType     string

	// Layers are ordered from base to leaf, each digest appears once.
	Layers []Layer

	// Raw is the document received from the registry.
	Raw []byte

	V1 *SchemaV1
	V2 *ocispec.Manifest

	// Config is set by Client.Config for schema v2 manifests.
	Config *ocispec.Image
}

// ParseManifest classifies the document as schema v1 or v2 and normalizes its layer list.
func ParseManifest(body []byte) (*Manifest, error) {
	var probe struct {
		MediaType string          `json:"mediaType"`
		Layers    json.RawMessage `json:"layers"`
		FSLayers  json.RawMessage `json:"fsLayers"`
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "decoding manifest: %s", err)
	}

	m := &Manifest{
		MediaType: probe.MediaType,
		Raw:       body,
	}

	switch {
	case probe.Layers != nil:
		var v2 ocispec.Manifest
		if err := json.Unmarshal(body, &v2); err != nil {
			return nil, errors.Wrapf(ErrMalformedManifest, "decoding schema v2 manifest: %s", err)
		}
		m.SchemaVersion = 2
		m.V2 = &v2
		for _, l := range v2.Layers {
			m.Layers = append(m.Layers, Layer{
				Digest:    l.Digest.String(),
				MediaType: l.MediaType,
				Size:      l.Size,
			})
		}
	case probe.FSLayers != nil:
		var v1 SchemaV1
		if err := json.Unmarshal(body, &v1); err != nil {
			return nil, errors.Wrapf(ErrMalformedManifest, "decoding schema v1 manifest: %s", err)
		}
		m.SchemaVersion = 1
		m.V1 = &v1
		m.Layers = lo.Reverse(lo.Map(v1.FSLayers, func(l FSLayer, _ int) Layer {
			return Layer{Digest: l.BlobSum}
		}))
	case probe.Manifests != nil:
		return nil, errors.Wrapf(ErrMalformedManifest, "manifest lists are not supported (media type %q)",
			probe.MediaType)
	default:
		return nil, errors.Wrap(ErrMalformedManifest, "neither layers nor fsLayers found")
	}

	m.Layers = lo.UniqBy(m.Layers, func(l Layer) string {
		return l.Digest
	})
	for i, l := range m.Layers {
		if l.Digest == "" {
			return nil, errors.Wrapf(ErrMalformedManifest, "layer %d has no digest", i)
		}
	}

	return m, nil
}
