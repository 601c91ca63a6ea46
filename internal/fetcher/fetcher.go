// Package fetcher implements the Fetcher (C3): a polite HTTP client
// that leases an Identity from C2 keyed by the request host, applies
// jittered delay, honors robots.txt by default, and classifies
// responses into the typed error taxonomy.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/identity"
	"github.com/operator/marketsync/internal/logging"
)

// Request is the Fetcher's input contract.
type Request struct {
	Method         string
	URL            string
	Headers        http.Header
	Body           []byte
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
	IgnoreRobots   bool // per-spider override: skip the robots.txt check for this request
}

// Response is what a successful fetch returns.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte // decoded to UTF-8; non-text media without a declared charset is kept as received
	FinalURL   string
}

// Fetcher sends requests through the Identity & Rate Pool.
type Fetcher struct {
	pool          *identity.Pool
	client        *http.Client
	log           logging.Logger
	robotsRespect bool
	robots        *robotsCache
}

// Config configures a Fetcher.
type Config struct {
	Pool          *identity.Pool
	RobotsRespect bool
	Log           logging.Logger
}

// New builds a Fetcher bound to pool for host-keyed identity leasing.
func New(cfg Config) *Fetcher {
	log := cfg.Log
	if log == nil {
		log = logging.New("INFO", nil)
	}
	return &Fetcher{
		pool:          cfg.Pool,
		client:        &http.Client{},
		log:           log,
		robotsRespect: cfg.RobotsRespect,
		robots:        newRobotsCache(),
	}
}

// Fetch executes req, leasing an identity for req's host, applying the
// host's minimum-delay jitter, and mapping non-2xx / transport errors
// onto the errs taxonomy. The identity outcome is always reported back
// to C2 via lease.Release before Fetch returns.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url: %v", errs.ErrBadRequest, err)
	}

	if f.robotsRespect && !req.IgnoreRobots {
		allowed, err := f.robots.allowed(ctx, f.client, u)
		if err != nil {
			f.log.Warn("robots.txt fetch failed, proceeding cautiously", "host", u.Host, "error", err)
		} else if !allowed {
			return nil, fmt.Errorf("%w: robots.txt disallows %s", errs.ErrForbidden, u.Path)
		}
	}

	lease, err := f.pool.Acquire(ctx, u.Host)
	if err != nil {
		return nil, fmt.Errorf("acquiring identity for %s: %w", u.Host, err)
	}

	if d := lease.Delay(); d > 0 {
		select {
		case <-ctx.Done():
			lease.Release(identity.OutcomeOK)
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}

	if req.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.TotalTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		lease.Release(identity.OutcomeOK)
		return nil, fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", lease.Identity.UserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		outcome := classifyTransportErr(err)
		lease.Release(outcome)
		return nil, mapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		lease.Release(identity.OutcomeServerError)
		return nil, fmt.Errorf("%w: reading body: %v", errs.ErrConnectionError, err)
	}

	outcome, mappedErr := classifyStatus(resp.StatusCode)
	lease.Release(outcome)
	if mappedErr != nil {
		return nil, mappedErr
	}

	decoded, err := decodeToUTF8(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       decoded,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

func classifyStatus(code int) (identity.Outcome, error) {
	switch {
	case code >= 200 && code < 300:
		return identity.OutcomeOK, nil
	case code == http.StatusTooManyRequests:
		return identity.OutcomeTooManyRequests, fmt.Errorf("%w: status %d", errs.ErrTooManyRequests, code)
	case code == http.StatusForbidden:
		return identity.OutcomeBlocked, fmt.Errorf("%w: status %d", errs.ErrForbidden, code)
	case code == http.StatusNotFound:
		return identity.OutcomeOK, fmt.Errorf("%w: status %d", errs.ErrNotFound, code)
	case code >= 500:
		return identity.OutcomeServerError, fmt.Errorf("%w: status %d", errs.ErrServerError, code)
	case code >= 400:
		return identity.OutcomeOK, fmt.Errorf("%w: status %d", errs.ErrBadRequest, code)
	default:
		return identity.OutcomeOK, nil
	}
}

func classifyTransportErr(err error) identity.Outcome {
	if isTimeout(err) {
		return identity.OutcomeServerError
	}
	return identity.OutcomeServerError
}

func mapTransportErr(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrConnectionError, err)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "timeout")
}

// decodeToUTF8 honors the declared Content-Type charset. A non-text
// media type without a declared charset (an image, say) is returned as
// received; otherwise a body with no charset or an unrecognized one must
// already be valid UTF-8, or an error is returned. This system only
// needs to handle the charsets 1688.com actually serves (utf-8,
// gbk/gb2312), not the full IANA registry.
func decodeToUTF8(body []byte, contentType string) ([]byte, error) {
	charset := "utf-8"
	if contentType != "" {
		if mediaType, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs, ok := params["charset"]; ok {
				charset = strings.ToLower(cs)
			} else if !strings.HasPrefix(mediaType, "text/") {
				return body, nil
			}
		}
	}
	switch charset {
	case "utf-8", "utf8", "":
		if utf8.Valid(body) {
			return body, nil
		}
		return nil, fmt.Errorf("declared utf-8 but body is not valid utf-8")
	case "gbk", "gb2312", "gb18030":
		return decodeGBK(body)
	default:
		if utf8.Valid(body) {
			return body, nil
		}
		return nil, fmt.Errorf("unsupported charset %q and body is not valid utf-8", charset)
	}
}
