package shub

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apptainer/singularity-sub000/pkg/container/cache"
	"github.com/apptainer/singularity-sub000/pkg/reference"
	"github.com/apptainer/singularity-sub000/pkg/registry"
	"github.com/apptainer/singularity-sub000/pkg/test"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
)

type fakeHub struct {
	*httptest.Server

	manifest  string
	downloads atomic.Int32
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/container/vsoch/hello-world:latest":
			if h.manifest == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(h.manifest))
		case "/images/hello.simg":
			h.downloads.Add(1)
			_, _ = w.Write([]byte("image"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *fakeHub) ref(t *testing.T) reference.Reference {
	u, err := url.Parse(h.URL)
	require.NoError(t, err)
	ref, err := reference.Parse("shub://"+u.Host+"/vsoch/hello-world", reference.ShubConfig)
	require.NoError(t, err)
	return ref
}

func TestManifestAndPull(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	h := newFakeHub(t)
	h.manifest = `{"name":"vsoch/hello-world","version":"e279432e6d3962777bb7b5e8d54f30f4","image":"` +
		h.URL + `/images/hello.simg"}`

	c := New(thttp.NewClient(false), true)
	m, err := c.Manifest(ctx, h.ref(t))
	requireT.NoError(err)
	requireT.Equal("e279432e6d3962777bb7b5e8d54f30f4", m.Version)

	root := t.TempDir()
	image, err := c.Pull(ctx, m, root, nil)
	requireT.NoError(err)
	requireT.False(image.Present)
	requireT.Equal(filepath.Join(root, "shub-e279432e6d3962777bb7b5e8d54f30f4.simg"), image.Path)

	data, err := os.ReadFile(image.Path)
	requireT.NoError(err)
	requireT.Equal("image", string(data))

	image, err = c.Pull(ctx, m, root, nil)
	requireT.NoError(err)
	requireT.True(image.Present)
	requireT.EqualValues(1, h.downloads.Load())
}

func TestManifestNotFound(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	h := newFakeHub(t)
	_, err := New(thttp.NewClient(false), true).Manifest(ctx, h.ref(t))
	requireT.ErrorIs(err, registry.ErrManifestNotFound)
}

func TestManifestMalformed(t *testing.T) {
	for _, manifest := range []string{
		`not json`,
		`{"version":"abc"}`,
		`{"version":"../abc","image":"http://x"}`,
		`{"image":"http://x"}`,
	} {
		ctx := test.Context(t)

		h := newFakeHub(t)
		h.manifest = manifest
		_, err := New(thttp.NewClient(false), true).Manifest(ctx, h.ref(t))
		require.ErrorIs(t, err, registry.ErrMalformedManifest, manifest)
	}
}

func TestPullFails(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	h := newFakeHub(t)
	root := t.TempDir()
	_, err := New(thttp.NewClient(false), true).Pull(ctx, Manifest{Version: "abc", Image: h.URL + "/missing"}, root, nil)
	requireT.ErrorIs(err, cache.ErrLayerDownload)

	entries, err := os.ReadDir(root)
	requireT.NoError(err)
	requireT.Empty(entries)
}
