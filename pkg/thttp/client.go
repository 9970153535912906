package thttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"unicode"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outofforest/logger"
)

// maxLoggedBody limits the size of bodies dumped on debug level, layers are never buffered.
const maxLoggedBody = 64 * 1024

// LoggingTransport is HTTP transport with logging to the logger stored in request context.
type LoggingTransport struct {
	Transport http.RoundTripper
}

// NewClient returns an http client with logging from the request context logger.
// If insecure is true, TLS certificates are not verified.
func NewClient(insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return WithRequestsLogging(&http.Client{Transport: transport})
}

// WithRequestsLogging returns an http client with logging from the request context logger.
func WithRequestsLogging(client *http.Client) *http.Client {
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport:     &LoggingTransport{Transport: transport},
		CheckRedirect: checkRedirect,
	}
}

// Registries redirect blob requests to storage backends (S3, CDNs). Authorization must not
// leak to other hosts, but Accept and similar headers must survive the redirect.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > 10 {
		return errors.Errorf("request was terminated after 10 redirects")
	}
	for k, v := range via[0].Header {
		if k == "Authorization" && req.URL.Host != via[0].URL.Host {
			continue
		}
		if _, exists := req.Header[k]; !exists {
			req.Header[k] = v
		}
	}
	return nil
}

// From https://stackoverflow.com/questions/53069040/checking-a-string-contains-only-ascii-characters.
func isASCII(s string) bool {
	for i := range s {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func logBody(ctx context.Context, log *zap.Logger, subj string, resp *http.Response) {
	if resp.Body == nil || resp.ContentLength < 0 || resp.ContentLength > maxLoggedBody {
		return
	}
	ce := log.Check(zapcore.DebugLevel, "HTTP "+subj)
	if ce == nil {
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Get(ctx).Debug("failed to read "+subj, zap.Error(err))
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))

	if dataLen := len(data); dataLen > 0 {
		fields := []zap.Field{zap.Int(subj+"Length", dataLen)}
		if isASCII(string(data)) {
			fields = append(fields, zap.ByteString(subj+"Data", data))
		}
		ce.Write(fields...)
	}
}

// RoundTrip is an implementation of RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	log := logger.Get(ctx).With(zap.Stringer("url", req.URL), zap.String("method", req.Method))

	log.Debug("HTTP request started")

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		log.Debug("HTTP request failed", zap.Error(err))
		return resp, err
	}

	logBody(ctx, log, "response", resp)
	log.Debug("HTTP request ended", zap.String("status", resp.Status))

	return resp, nil
}

// Get sends GET request with the provided headers.
func Get(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return resp, nil
}

// Discard drains and closes the response body, so the connection may be reused.
func Discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxLoggedBody))
	_ = resp.Body.Close()
}
