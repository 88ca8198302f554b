package guesty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"guesty_sync/internal/adapters/observability"
	"guesty_sync/internal/domain"
)

// TokenTTL is the fixed lifetime assigned to a freshly exchanged token.
const TokenTTL = 23 * time.Hour

const maxLedgerBody = 4096

// Ledger is the persisted daily quota: checked before every outbound call and
// written after every call regardless of outcome.
type Ledger interface {
	CheckRateLimit(ctx context.Context) domain.RateLimitStatus
	Record(ctx context.Context, endpoint, method string, status int, payload []byte) error
}

type Client struct {
	base    string
	hc      *http.Client
	session *Session
	ledger  Ledger
	rl      *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*result]
	sf      singleflight.Group
	now     func() time.Time

	// mu serializes check, call and record so two callers cannot both pass
	// the quota check for the last remaining slot.
	mu sync.Mutex
}

type result struct {
	status int
	header http.Header
	body   []byte
}

type Options struct {
	HTTPClient      *http.Client
	RPS             int
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func New(base string, session *Session, ledger Ledger, opts Options) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("guesty base URL is required")
	}
	if session == nil || ledger == nil {
		return nil, fmt.Errorf("guesty client needs a session and a ledger")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	st := gobreaker.Settings{
		Name:    "guesty",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			observability.ObserveBreaker(name, int(to))
		},
	}

	return &Client{
		base:    strings.TrimRight(base, "/"),
		hc:      opts.HTTPClient,
		session: session,
		ledger:  ledger,
		rl:      rate.NewLimiter(rate.Limit(opts.RPS), 1),
		cb:      gobreaker.NewCircuitBreaker[*result](st),
		now:     time.Now,
	}, nil
}

func (c *Client) Session() *Session { return c.session }

// ---- Public API ----

func (c *Client) GetProperties(ctx context.Context, limit, skip int, filters []domain.Filter) (domain.Page, error) {
	var out domain.Page
	return out, c.list(ctx, "/listings", limit, skip, filters, &out)
}

func (c *Client) GetReservations(ctx context.Context, limit, skip int, filters []domain.Filter) (domain.Page, error) {
	var out domain.Page
	return out, c.list(ctx, "/reservations", limit, skip, filters, &out)
}

// CheckCredentials performs a token exchange with the current credentials.
func (c *Client) CheckCredentials(ctx context.Context) error {
	c.session.Invalidate()
	_, err := c.token(ctx)
	return err
}

func (c *Client) list(ctx context.Context, endpoint string, limit, skip int, filters []domain.Filter, out *domain.Page) error {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("skip", strconv.Itoa(max(skip, 0)))
	if len(filters) > 0 {
		raw, err := json.Marshal(filters)
		if err != nil {
			return fmt.Errorf("encode filters: %w", err)
		}
		q.Set("filters", string(raw))
	}
	if err := c.Request(ctx, http.MethodGet, endpoint, q, nil, out); err != nil {
		return err
	}
	if out.Results == nil {
		out.Results = []map[string]any{}
	}
	return nil
}

// ---- Internals ----

// ErrCircuitOpen is returned without touching the vendor or the ledger.
var ErrCircuitOpen = errors.New("guesty: circuit open")

// Request performs one authenticated call and records it in the ledger.
// There are no retries: every attempt spends a slot of the daily quota.
func (c *Client) Request(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.ledger.CheckRateLimit(ctx); st.IsRateLimited {
		return &domain.RateLimitError{NextAvailable: st.NextAvailableTimestamp, RequestsRemaining: st.RequestsRemaining}
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	u := c.base + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	start := c.now()
	res, err := c.cb.Execute(func() (*result, error) {
		return c.do(ctx, method, u, token, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}

	status := 0
	var respBody []byte
	if res != nil {
		status, respBody = res.status, res.body
	} else if err != nil {
		respBody = []byte(err.Error())
	}
	observability.ObserveExternal("guesty", endpoint, status, c.now().Sub(start))
	c.record(ctx, endpoint, method, status, respBody)

	if res == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("guesty %s %s: %w", method, endpoint, err)
	}
	return c.decode(res, out)
}

func (c *Client) decode(res *result, out any) error {
	switch {
	case res.status >= 200 && res.status < 300:
		if out == nil || len(bytes.TrimSpace(res.body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("decode guesty response: %w", err)
		}
		return nil

	case res.status == http.StatusUnauthorized:
		c.session.Invalidate()
		return &domain.AuthenticationError{Status: res.status, Reason: snippet(res.body)}

	case res.status == http.StatusForbidden:
		return &domain.AuthenticationError{Status: res.status, Reason: snippet(res.body)}

	case res.status == http.StatusTooManyRequests:
		e := &domain.RateLimitError{}
		if wait := retryAfter(res.header, c.now()); wait > 0 {
			t := c.now().Add(wait).UTC()
			e.NextAvailable = &t
		}
		return e

	default:
		return &domain.VendorError{Status: res.status, Body: snippet(res.body)}
	}
}

// do sends the request. 5xx is reported to the breaker as a failure but the
// response is still returned so the caller can record it.
func (c *Client) do(ctx context.Context, method, u, token string, payload []byte) (*result, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "guesty-sync/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	res := &result{status: resp.StatusCode, header: resp.Header, body: b}
	if resp.StatusCode >= 500 {
		return res, fmt.Errorf("remote %d", resp.StatusCode)
	}
	return res, nil
}

func (c *Client) record(ctx context.Context, endpoint, method string, status int, body []byte) {
	if len(body) > maxLedgerBody {
		body = bytes.ToValidUTF8(body[:maxLedgerBody], nil)
	}
	// the call already happened; a cancelled caller must not lose the ledger row
	if err := c.ledger.Record(context.WithoutCancel(ctx), endpoint, method, status, body); err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Msg("record guesty request failed")
	}
}

// token returns the cached token or exchanges credentials for a new one.
// Concurrent callers share a single exchange.
func (c *Client) token(ctx context.Context) (string, error) {
	if t, ok := c.session.Token(); ok {
		return t, nil
	}
	v, err, _ := c.sf.Do("token", func() (any, error) {
		if t, ok := c.session.Token(); ok {
			return t, nil
		}
		return c.authenticate(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	if !c.session.HasCredentials() {
		return "", &domain.AuthenticationError{Reason: "client credentials are not configured"}
	}
	id, secret := c.session.credentials()
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", "open-api")
	form.Set("client_id", id)
	form.Set("client_secret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/authentication", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveExternal("guesty", "/authentication", 0, c.now().Sub(start))
		return "", fmt.Errorf("guesty authentication: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	observability.ObserveExternal("guesty", "/authentication", resp.StatusCode, c.now().Sub(start))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", &domain.AuthenticationError{Status: resp.StatusCode, Reason: snippet(b)}
	default:
		return "", &domain.VendorError{Status: resp.StatusCode, Body: snippet(b)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &domain.AuthenticationError{Status: resp.StatusCode, Reason: "empty access token"}
	}
	c.session.store(tr.AccessToken, c.now().Add(TokenTTL))
	log.Info().Msg("guesty access token refreshed")
	return tr.AccessToken, nil
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// SetCredentials swaps the client credentials; the next call re-authenticates.
func (c *Client) SetCredentials(clientID, clientSecret string) {
	c.session.SetCredentials(clientID, clientSecret)
}
