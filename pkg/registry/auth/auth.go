package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
)

// ErrAuthentication is returned when token can't be obtained or registry rejects it.
var ErrAuthentication = errors.New("authentication failed")

// State is the state of the authenticator.
type State int

// Authenticator states.
const (
	StateUnauthenticated State = iota
	StateChallengeReceived
	StateTokenAcquired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateChallengeReceived:
		return "ChallengeReceived"
	case StateTokenAcquired:
		return "TokenAcquired"
	default:
		return "Unknown"
	}
}

// Credentials are sent to the token endpoint using basic auth.
type Credentials struct {
	Username string
	Password string
}

// Token is the bearer token issued by the auth endpoint.
type Token struct {
	Scheme     string
	Value      string
	ObtainedAt time.Time
	ExpiresIn  time.Duration
}

// NeedsReauth tells if the response status requires new token.
func NeedsReauth(status int) bool {
	return status == http.StatusUnauthorized
}

// New creates authenticator.
func New(client *http.Client, credentials Credentials) *Authenticator {
	return &Authenticator{
		client:      client,
		credentials: credentials,
	}
}

// Authenticator negotiates bearer tokens for one registry session.
// It is safe for concurrent use, concurrent refreshes result in a single token request.
type Authenticator struct {
	client      *http.Client
	credentials Credentials
	group       singleflight.Group

	mu        sync.RWMutex
	state     State
	challenge Challenge
	token     Token
}

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.state
}

// Token returns the current token.
func (a *Authenticator) Token() Token {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.token
}

// Authorize sets the current token on the request and returns it.
func (a *Authenticator) Authorize(req *http.Request) Token {
	token := a.Token()
	if token.Value != "" {
		thttp.SetBearerToken(req, token.Value)
	}
	return token
}

// Authenticate obtains token for the challenge received in the 401 response header.
// Used is the token sent with the rejected request. If the token has been replaced in the meantime
// by another request, the new one is returned without contacting the auth endpoint.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header, used Token) (Token, error) {
	challenge, err := ParseChallenge(header)
	if err != nil {
		return Token{}, err
	}

	a.mu.Lock()
	if token, replaced := a.replaced(used); replaced {
		a.mu.Unlock()
		return token, nil
	}
	a.state = StateChallengeReceived
	a.challenge = challenge
	a.mu.Unlock()

	return a.fetch(ctx, challenge, used)
}

// Refresh requests new token for the last received challenge. It does nothing if registry has never
// sent a challenge.
func (a *Authenticator) Refresh(ctx context.Context) (Token, error) {
	a.mu.RLock()
	state := a.state
	challenge := a.challenge
	token := a.token
	a.mu.RUnlock()

	if state == StateUnauthenticated {
		return token, nil
	}
	return a.fetch(ctx, challenge, token)
}

// replaced returns the current token if it is not the one used by the caller. Must be called with mu held.
func (a *Authenticator) replaced(used Token) (Token, bool) {
	if a.state == StateTokenAcquired && a.token != used {
		return a.token, true
	}
	return Token{}, false
}

// fetch requests the token once for all concurrent callers. The request is not canceled when the caller which
// started it gives up, so the others still receive the token.
func (a *Authenticator) fetch(ctx context.Context, challenge Challenge, used Token) (Token, error) {
	u := challenge.URL()
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(u, func() (any, error) {
		// Flight started by another caller might have finished right before this one.
		a.mu.RLock()
		token, replaced := a.replaced(used)
		a.mu.RUnlock()
		if replaced {
			return token, nil
		}

		token, err := a.requestToken(flightCtx, u)
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		defer a.mu.Unlock()

		a.token = token
		a.state = StateTokenAcquired
		return token, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, errors.WithStack(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (a *Authenticator) requestToken(ctx context.Context, u string) (Token, error) {
	logger.Get(ctx).Info("Authorizing", zap.String("url", u))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Token{}, errors.Wrapf(ErrAuthentication, "invalid token url %q: %s", u, err)
	}
	if a.credentials.Username != "" {
		req.SetBasicAuth(a.credentials.Username, a.credentials.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Token{}, errors.Wrapf(ErrAuthentication, "requesting token %q: %s", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, errors.Wrapf(ErrAuthentication, "unexpected response status: %d, %q", resp.StatusCode, u)
	}

	data := struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"` //nolint:tagliatelle
		ExpiresIn   int    `json:"expires_in"`   //nolint:tagliatelle
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Token{}, errors.Wrapf(ErrAuthentication, "decoding token response: %s", err)
	}

	token := Token{
		Scheme:     "Bearer",
		Value:      data.Token,
		ObtainedAt: time.Now(),
		ExpiresIn:  time.Duration(data.ExpiresIn) * time.Second,
	}
	if token.Value == "" {
		token.Value = data.AccessToken
	}
	if token.Value == "" {
		return Token{}, errors.Wrap(ErrAuthentication, "no token in response")
	}
	return token, nil
}
