package registry

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/apptainer/singularity-sub000/pkg/registry/auth"
	"github.com/apptainer/singularity-sub000/pkg/thttp"
	"github.com/outofforest/logger"
)

// get sends the request authorized with the current token. If registry responds with 401, new token is obtained
// and the request is repeated once. Second 401 is fatal.
func (c *Client) get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	resp, token, err := c.do(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if !auth.NeedsReauth(resp.StatusCode) {
		return resp, nil
	}

	challenge := resp.Header.Clone()
	thttp.Discard(resp)

	logger.Get(ctx).Debug("Authorization required", zap.String("url", url))
	if _, err := c.authenticator.Authenticate(ctx, challenge, token); err != nil {
		return nil, err
	}

	resp, _, err = c.do(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if auth.NeedsReauth(resp.StatusCode) {
		thttp.Discard(resp)
		return nil, errors.Wrapf(auth.ErrAuthentication, "token rejected by registry: %q", url)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, url string, header http.Header) (*http.Response, auth.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, auth.Token{}, errors.WithStack(err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	token := c.authenticator.Authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, auth.Token{}, errors.WithStack(err)
	}
	return resp, token, nil
}
