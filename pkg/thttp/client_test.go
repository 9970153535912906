package thttp

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptainer/singularity-sub000/pkg/test"
)

func TestGetLogsAndReturnsBody(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, err := w.Write([]byte("hello"))
		assert.NoError(t, err)
	}))
	defer server.Close()

	resp, err := Get(ctx, NewClient(false), server.URL, http.Header{"Accept": {"application/json"}})
	requireT.NoError(err)
	defer resp.Body.Close()

	requireT.Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	requireT.NoError(err)
	requireT.Equal([]byte("hello"), body)
}

func TestRedirectDropsAuthorizationForOtherHost(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "x", r.Header.Get("X-Custom"))
		_, _ = w.Write([]byte("blob"))
	}))
	defer storage.Close()

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		http.Redirect(w, r, storage.URL, http.StatusTemporaryRedirect)
	}))
	defer registry.Close()

	resp, err := Get(ctx, NewClient(false), registry.URL, http.Header{
		"Authorization": {"Bearer token"},
		"X-Custom":      {"x"},
	})
	requireT.NoError(err)
	defer resp.Body.Close()
	requireT.Equal(http.StatusOK, resp.StatusCode)
}

func TestWriteFileAtomic(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "sub", "file")
	n, err := WriteFileAtomic(path, 0o644, strings.NewReader("content"), nil)
	requireT.NoError(err)
	requireT.EqualValues(len("content"), n)

	data, err := os.ReadFile(path)
	requireT.NoError(err)
	requireT.Equal("content", string(data))

	info, err := os.Stat(path)
	requireT.NoError(err)
	requireT.Equal(os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	requireT.NoError(err)
	requireT.Len(entries, 1)
}

func TestWriteFileAtomicCheckFails(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	errCheck := errors.New("check failed")
	_, err := WriteFileAtomic(path, 0o600, strings.NewReader("content"), func() error {
		return errCheck
	})
	requireT.ErrorIs(err, errCheck)

	entries, err := os.ReadDir(dir)
	requireT.NoError(err)
	requireT.Empty(entries)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestWriteFileAtomicReadFails(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	_, err := WriteFileAtomic(filepath.Join(dir, "file"), 0o600, io.MultiReader(strings.NewReader("part"), failingReader{}),
		nil)
	requireT.Error(err)

	entries, err := os.ReadDir(dir)
	requireT.NoError(err)
	requireT.Empty(entries)
}

func TestDownload(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("image"))
	}))
	defer server.Close()

	dir := t.TempDir()
	var progressCalled bool
	n, err := Download(ctx, NewClient(false), server.URL+"/image", filepath.Join(dir, "image.simg"),
		func(name string, size int64, body io.ReadCloser) io.ReadCloser {
			progressCalled = true
			assert.Equal(t, "image.simg", name)
			assert.EqualValues(t, 5, size)
			return body
		})
	requireT.NoError(err)
	requireT.EqualValues(5, n)
	requireT.True(progressCalled)

	_, err = Download(ctx, NewClient(false), server.URL+"/missing", filepath.Join(dir, "missing"), nil)
	requireT.Error(err)
	_, err = os.Stat(filepath.Join(dir, "missing"))
	requireT.True(os.IsNotExist(err))
}

func TestBearerChallenge(t *testing.T) {
	requireT := require.New(t)

	params, err := BearerChallenge(http.Header{"Www-Authenticate": {`Bearer realm="https://auth.example/token"`}})
	requireT.NoError(err)
	requireT.Equal(`realm="https://auth.example/token"`, params)

	params, err = BearerChallenge(http.Header{"Www-Authenticate": {`bearer realm="r",service="s"`}})
	requireT.NoError(err)
	requireT.Equal(`realm="r",service="s"`, params)

	_, err = BearerChallenge(http.Header{})
	requireT.ErrorIs(err, ErrMissingChallenge)

	_, err = BearerChallenge(http.Header{"Www-Authenticate": {`Basic realm="registry"`}})
	requireT.ErrorAs(err, &MalformedChallengeError{})
}
