package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"

	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client fetches resources from the admin API over HTTP. Session cookies are
// kept in a jar so cookie-scoped downloads work; bearer credentials, when
// configured, are refreshed once on a 403 before the request is given up.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialSource
}

func NewClient(baseURL string, credentials CredentialSource) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Jar:       jar,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		credentials: credentials,
	}, nil
}

func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx)

	resp, err := c.do(ctx, req, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden && c.credentials != nil {
		resp.Body.Close()

		logger.Debug("got 403, refreshing credentials", "path", req.Path)

		token, err := c.credentials.Refresh(ctx)
		if err != nil {
			return nil, &download.AuthenticationError{Operation: "refresh_credentials", Err: err}
		}

		if resp, err = c.do(ctx, req, token); err != nil {
			return nil, err
		}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusForbidden:
		resp.Body.Close()

		return nil, &download.AuthenticationError{Operation: "fetch"}
	default:
		resp.Body.Close()

		return nil, &download.NetworkError{Operation: "fetch", StatusCode: resp.StatusCode}
	}

	// A 200 on a ranged request means the server restarted from byte zero.
	// Appending that stream after the persisted prefix would corrupt the
	// file, so surface it instead of guessing.
	if req.Offset > 0 && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		return nil, &download.NetworkError{Operation: "resume", StatusCode: resp.StatusCode}
	}

	total := totalFromHeaders(resp)

	return &Response{
		Body:        resp.Body,
		TotalBytes:  total,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) do(ctx context.Context, req Request, token string) (*http.Response, error) {
	u := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Params) > 0 {
		u += "?" + req.Params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", req.Path, err)
	}

	if token == "" && c.credentials != nil {
		if token, err = c.credentials.Token(ctx); err != nil {
			return nil, &download.AuthenticationError{Operation: "get_token", Err: err}
		}
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &download.NetworkError{Operation: "fetch", Err: err}
	}

	return resp, nil
}

// totalFromHeaders resolves the total resource size. Partial-content
// responses carry it as the trailing total of Content-Range; full responses
// as Content-Length.
func totalFromHeaders(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if total, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return total
		}
	}

	return 0
}
