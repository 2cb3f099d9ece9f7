package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/abelbrown/harvester/internal/logging"
)

// defaultUserAgent identifies the collector to the source.
const defaultUserAgent = "harvester/0.3 (+https://github.com/abelbrown/harvester)"

// maxRetryAfter caps a server-supplied Retry-After hint.
const maxRetryAfter = 10 * time.Minute

// Response is the raw reply to one query.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration // parsed Retry-After, 0 if absent
	Blocked    bool          // the source refused us outright
}

// Transport issues a single query. Implementations must be
// timeout-bounded via ctx and must not retry.
type Transport interface {
	Fetch(ctx context.Context, query map[string]string) (Response, error)
}

// HTTPTransport queries a search endpoint with GET parameters.
type HTTPTransport struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPTransport creates a transport for endpoint. An empty userAgent
// uses the default.
func NewHTTPTransport(endpoint string, timeout time.Duration, userAgent string) *HTTPTransport {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json, text/html;q=0.9, */*;q=0.5")

	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		logging.Debug("fetch: response",
			"status", res.StatusCode(),
			"bytes", len(res.Body()),
			"dur", res.Time(),
			"url", res.Request.URL,
		)
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		logging.Debug("fetch: request error", "url", req.URL, "err", err)
	})

	return &HTTPTransport{client: client, endpoint: endpoint}
}

// SetBaseParams adds query parameters sent with every request.
// Partition parameters win on conflict.
func (t *HTTPTransport) SetBaseParams(params map[string]string) *HTTPTransport {
	t.client.SetQueryParams(params)
	return t
}

// Fetch performs the GET. Non-2xx statuses are returned as responses,
// not errors; only network failures produce an error.
func (t *HTTPTransport) Fetch(ctx context.Context, query map[string]string) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	res, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(t.endpoint)
	if err != nil {
		return Response{}, fmt.Errorf("failed to fetch: %w", err)
	}

	return Response{
		StatusCode: res.StatusCode(),
		Body:       res.Body(),
		RetryAfter: parseRetryAfter(res.Header().Get("Retry-After"), time.Now()),
		Blocked:    res.StatusCode() == http.StatusForbidden,
	}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	}

	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
