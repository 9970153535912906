package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptainer/singularity-sub000/pkg/test"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
)

func challengeHeader(value string) http.Header {
	return http.Header{"Www-Authenticate": {value}}
}

func TestParseChallenge(t *testing.T) {
	requireT := require.New(t)

	c, err := ParseChallenge(challengeHeader(
		`Bearer realm="https://auth.example/token",service="registry.example",scope="repository:ns/repo:pull"`))
	requireT.NoError(err)
	requireT.Equal(Challenge{
		Realm:   "https://auth.example/token",
		Service: "registry.example",
		Scope:   "repository:ns/repo:pull",
	}, c)
	requireT.Equal("https://auth.example/token?service=registry.example&scope=repository:ns/repo:pull", c.URL())
}

func TestParseChallengeQuotedComma(t *testing.T) {
	requireT := require.New(t)

	c, err := ParseChallenge(challengeHeader(
		`Bearer realm="https://auth.example/token", scope="repository:ns/repo:pull,push", service=registry`))
	requireT.NoError(err)
	requireT.Equal("repository:ns/repo:pull,push", c.Scope)
	requireT.Equal("registry", c.Service)
	requireT.Equal("https://auth.example/token?service=registry&scope=repository:ns/repo:pull%2Cpush", c.URL())
}

func TestParseChallengeInvalid(t *testing.T) {
	for _, header := range []http.Header{
		{},
		challengeHeader(`Basic realm="registry"`),
		challengeHeader(`Bearer service="registry.example"`),
		challengeHeader(`Bearer realm="https://auth.example/token`),
		challengeHeader(`Bearer realm="ftp://auth.example/token"`),
		challengeHeader(`Bearer garbage`),
	} {
		_, err := ParseChallenge(header)
		require.ErrorIs(t, err, ErrAuthentication)
	}
}

func TestChallengeURLWithoutQuery(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("https://auth.example/token", Challenge{Realm: "https://auth.example/token"}.URL())
	requireT.Equal("https://auth.example/token?a=b&service=s",
		Challenge{Realm: "https://auth.example/token?a=b", Service: "s"}.URL())
}

func TestNeedsReauth(t *testing.T) {
	requireT := require.New(t)

	requireT.True(NeedsReauth(http.StatusUnauthorized))
	requireT.False(NeedsReauth(http.StatusForbidden))
	requireT.False(NeedsReauth(http.StatusOK))
}

type tokenServer struct {
	*httptest.Server
	requests atomic.Int32
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestAuthenticate(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "registry.example", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:ns/repo:pull", r.URL.Query().Get("scope"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"token":"token1","expires_in":300}`))
	})

	a := New(thttp.NewClient(false), Credentials{Username: "user", Password: "secret"})
	requireT.Equal(StateUnauthenticated, a.State())

	token, err := a.Authenticate(ctx, challengeHeader(
		`Bearer realm="`+ts.URL+`/token",service="registry.example",scope="repository:ns/repo:pull"`), Token{})
	requireT.NoError(err)
	requireT.Equal("Bearer", token.Scheme)
	requireT.Equal("token1", token.Value)
	requireT.EqualValues(300, token.ExpiresIn.Seconds())
	requireT.Equal(StateTokenAcquired, a.State())
	requireT.EqualValues(1, ts.requests.Load())

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	a.Authorize(req)
	requireT.Equal("Bearer token1", req.Header.Get("Authorization"))
}

func TestAuthenticateAccessToken(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"token2"}`))
	})

	a := New(thttp.NewClient(false), Credentials{})
	token, err := a.Authenticate(ctx, challengeHeader(`Bearer realm="`+ts.URL+`"`), Token{})
	requireT.NoError(err)
	requireT.Equal("token2", token.Value)
}

func TestAuthenticateFailures(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
		"body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := test.Context(t)
			ts := newTokenServer(t, handler)

			a := New(thttp.NewClient(false), Credentials{})
			_, err := a.Authenticate(ctx, challengeHeader(`Bearer realm="`+ts.URL+`"`), Token{})
			require.ErrorIs(t, err, ErrAuthentication)
			require.NotEqual(t, StateTokenAcquired, a.State())
		})
	}
}

func TestAuthenticateTokenServerUnreachable(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {})
	ts.Close()

	a := New(thttp.NewClient(false), Credentials{})
	_, err := a.Authenticate(ctx, challengeHeader(`Bearer realm="`+ts.URL+`/token"`), Token{})
	requireT.ErrorIs(err, ErrAuthentication)
	requireT.Contains(err.Error(), ts.URL+"/token")
	requireT.NotEqual(StateTokenAcquired, a.State())
}

func TestAuthenticateCanceledCallerDoesNotFailOthers(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`{"token":"shared"}`))
	})

	a := New(thttp.NewClient(false), Credentials{})
	header := challengeHeader(`Bearer realm="` + ts.URL + `",service="registry"`)

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(firstCtx, header, Token{})
		firstErr <- err
	}()
	<-started

	type result struct {
		token Token
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, err := a.Authenticate(ctx, header, Token{})
		second <- result{token: token, err: err}
	}()

	// Give the second caller time to join the running request.
	time.Sleep(100 * time.Millisecond)
	cancelFirst()
	requireT.ErrorIs(<-firstErr, context.Canceled)

	close(release)
	res := <-second
	requireT.NoError(res.err)
	requireT.Equal("shared", res.token.Value)
	requireT.Equal(StateTokenAcquired, a.State())
}

func TestAuthenticateSingleFlight(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"token":"shared"}`))
	})

	a := New(thttp.NewClient(false), Credentials{})
	header := challengeHeader(`Bearer realm="` + ts.URL + `",service="registry"`)

	const workers = 10
	var wg sync.WaitGroup
	tokens := make([]Token, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = a.Authenticate(ctx, header, Token{})
		}()
	}
	close(release)
	wg.Wait()

	for i := range workers {
		requireT.NoError(errs[i])
		requireT.Equal("shared", tokens[i].Value)
	}
	requireT.EqualValues(1, ts.requests.Load())

	// A worker which sent the request with the stale token reuses the newer one.
	token, err := a.Authenticate(ctx, header, Token{Value: "stale"})
	requireT.NoError(err)
	requireT.Equal("shared", token.Value)
	requireT.EqualValues(1, ts.requests.Load())
}

func TestRefresh(t *testing.T) {
	requireT := require.New(t)
	ctx := test.Context(t)

	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"token"}`))
	})

	a := New(thttp.NewClient(false), Credentials{})

	token, err := a.Refresh(ctx)
	requireT.NoError(err)
	requireT.Empty(token.Value)
	requireT.EqualValues(0, ts.requests.Load())

	_, err = a.Authenticate(ctx, challengeHeader(`Bearer realm="`+ts.URL+`"`), Token{})
	requireT.NoError(err)
	token, err = a.Refresh(ctx)
	requireT.NoError(err)
	requireT.Equal("token", token.Value)
	requireT.EqualValues(2, ts.requests.Load())
}
