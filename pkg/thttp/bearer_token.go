package thttp

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const bearerScheme = "bearer"

// ErrMissingChallenge is returned by BearerChallenge if there is no WWW-Authenticate HTTP header.
var ErrMissingChallenge = errors.New("missing authentication challenge")

// MalformedChallengeError is returned by BearerChallenge if WWW-Authenticate HTTP header is not in form
// "Bearer params".
type MalformedChallengeError struct {
	header string
}

func (e MalformedChallengeError) Error() string {
	return fmt.Sprintf("malformed authentication challenge: %q", e.header)
}

// BearerChallenge returns parameters of the bearer challenge sent by the server.
func BearerChallenge(header http.Header) (string, error) {
	h := strings.TrimSpace(header.Get("WWW-Authenticate"))
	if h == "" {
		return "", errors.WithStack(ErrMissingChallenge)
	}
	scheme, params, ok := strings.Cut(h, " ")
	if !ok || strings.ToLower(scheme) != bearerScheme {
		return "", errors.WithStack(MalformedChallengeError{h})
	}
	return strings.TrimSpace(params), nil
}

// SetBearerToken sets the Authorization header of the request.
func SetBearerToken(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}
