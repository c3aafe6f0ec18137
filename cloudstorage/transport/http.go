package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type noRetryKey struct{}

// WithoutRetry marks requests sent with ctx as unsafe to resubmit automatically.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// HTTP is a Transport that talks to a storage service over the network.
type HTTP struct {
	httpClient *retryablehttp.Client
	baseURL    *url.URL
	tokens     TokenSource
	logger     log.Logger
}

// NewHTTP creates a Transport for the service at baseURL. tokens may be nil for
// unauthenticated access.
func NewHTTP(baseURL string, tokens TokenSource, logger log.Logger) (*HTTP, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("API base URL %q should have a scheme and a host", baseURL)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// 308 acknowledges an upload chunk, it is not a redirect to follow.
	client.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &HTTP{
		httpClient: client,
		baseURL:    u,
		tokens:     tokens,
		logger:     logger,
	}, nil
}

// Do ...
func (c *HTTP) Do(ctx context.Context, r Request) (*Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storageerr.ErrAuthorization, err)
	}

	var body interface{}
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, c.URL(r.Path, r.Query), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	if r.Body != nil {
		req.ContentLength = int64(len(r.Body))
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			closeBody(resp.Body, c.logger)
		}
		return nil, fmt.Errorf("%w: %s %s: %s", storageerr.ErrTransport, r.Method, r.Path, err)
	}
	defer closeBody(resp.Body, c.logger)

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Response dump: %s", string(dump))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %s", storageerr.ErrTransport, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// URL returns the absolute URL of path on the service.
func (c *HTTP) URL(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// StandardClient returns an *http.Client that sends requests through the retrying client.
func (c *HTTP) StandardClient() *http.Client {
	return c.httpClient.StandardClient()
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if retryDisabled(ctx) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

func closeBody(body io.ReadCloser, logger log.Logger) {
	if err := body.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf(err.Error())
	}
}
