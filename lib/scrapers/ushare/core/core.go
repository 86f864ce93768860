package core

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quotashare-backend/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

const (
	defaultTimeout    = time.Second * 20
	defaultMaxRetries = 2
	timeoutRetryDelay = time.Millisecond * 150
	initialBackoff    = time.Millisecond * 300
)

// Client executes authenticated portal requests. It deliberately
// carries no cookie jar: sessions are owned by the caller and
// serialized into the cookie header per request, so one client can
// serve many identities concurrently.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
	perf    *perfTracker
}

type ClientOptions struct {
	BaseUrl string
	// defaults to a desktop chrome user agent
	UserAgent string
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	client.SetHeader("user-agent", ua)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	// redirects are classification input (redirect-to-login means the
	// session is stale), so they must surface instead of being followed
	client.GetClient().CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	restyutil.InstrumentClient(client, tracer, restyInstrumentOutput)

	return &Client{
		BaseUrl: baseUrl,
		Http:    client,
		perf:    newPerfTracker(),
	}, nil
}

// Options controls a single portal exchange.
type Options struct {
	// defaults to GET
	Method string
	// defaults to 20s; may be stretched up to 1.5x by the perf tracker
	Timeout time.Duration
	// additional attempts after the first; defaults to 2, set to a
	// negative value to disable retries entirely
	MaxRetries int
	Form       url.Values
	Query      url.Values
}

// Response is a completed, classified portal exchange.
type Response struct {
	Status     int
	Body       []byte
	Header     http.Header
	Redirected bool
	Location   string
}

func (r *Response) Document() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
}

// SerializeCookies renders a session's cookies into a single header
// value with the forms-auth cookie first.
func SerializeCookies(cookies []*http.Cookie) string {
	var out strings.Builder
	for _, c := range cookies {
		if c.Name != AuthCookieName {
			continue
		}
		out.WriteString(c.Name)
		out.WriteString("=")
		out.WriteString(c.Value)
	}
	for _, c := range cookies {
		if c.Name == AuthCookieName {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("; ")
		}
		out.WriteString(c.Name)
		out.WriteString("=")
		out.WriteString(c.Value)
	}
	return out.String()
}

// Request performs one classified exchange against the portal,
// retrying transient failures with backoff. Unauthorized results are
// never retried here: stale cookies stay stale, the session layer has
// to mint new ones first.
func (c *Client) Request(ctx context.Context, endpoint string, cookies []*http.Cookie, opts Options) (*Response, error) {
	ctx, span := tracer.Start(ctx, "client:Request")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method(opts)),
	)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timeout = c.perf.effectiveTimeout(endpoint, timeout)

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := initialBackoff
	var lastErr *PortalError

	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, perr := c.exchange(ctx, endpoint, cookies, opts, timeout)
		if perr == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return res, nil
		}
		lastErr = perr

		if !perr.Retryable || attempt == maxRetries {
			break
		}

		// timeouts point at transient slowness, not systemic failure,
		// so they get a short fixed delay instead of backoff
		delay := backoff
		if perr.Kind == KindTimeout {
			delay = timeoutRetryDelay
		} else {
			backoff *= 2
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			span.SetStatus(codes.Error, "context cancelled between retries")
			return nil, ctx.Err()
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Kind.String())
	return nil, lastErr
}

func method(opts Options) string {
	if opts.Method == "" {
		return http.MethodGet
	}
	return opts.Method
}

func (c *Client) exchange(ctx context.Context, endpoint string, cookies []*http.Cookie, opts Options, timeout time.Duration) (*Response, *PortalError) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.Http.R().SetContext(reqCtx)
	if len(cookies) > 0 {
		req.SetHeader("cookie", SerializeCookies(cookies))
	}
	if opts.Form != nil {
		req.SetFormDataFromValues(opts.Form)
	}
	if opts.Query != nil {
		req.SetQueryParamsFromValues(opts.Query)
	}

	started := time.Now()
	res, err := req.Execute(method(opts), endpoint)
	c.perf.observe(ctx, endpoint, time.Since(started))

	if err != nil {
		return nil, classifyTransport(endpoint, err)
	}
	if perr := classifyResponse(endpoint, method(opts), res); perr != nil {
		return nil, perr
	}

	return &Response{
		Status:     res.StatusCode(),
		Body:       res.Body(),
		Header:     res.Header(),
		Redirected: isRedirect(res.StatusCode()),
		Location:   res.Header().Get("location"),
	}, nil
}

// Stats reports the rolling latency average for an endpoint, exposed
// for observability endpoints and tests.
func (c *Client) Stats(endpoint string) (avg time.Duration, samples int) {
	return c.perf.average(endpoint)
}
