package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"gelfrelay/internal/types"
)

const (
	// maxResponseBodyRead caps how much of a backend response is kept for
	// logging and rejection reasons.
	maxResponseBodyRead = 4096

	// DefaultUserAgent is sent on every backend request.
	DefaultUserAgent = "gelfrelay/1.0"
)

// errServerStatus marks 5xx and 429 responses as failures for the breaker.
var errServerStatus = errors.New("backend server error")

// Target names where documents are written.
type Target struct {
	BaseURL  string
	Index    string
	DocType  string
	Username string
	Password types.SecretString
}

// IndexName returns the daily index a record is written to.
func (t Target) IndexName(rec *types.NormalizedRecord) string {
	return t.Index + "-" + rec.IndexDate()
}

// DocumentURL returns {base}/{index}-{date}/{docType}.
func (t Target) DocumentURL(rec *types.NormalizedRecord) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(t.BaseURL, "/"), t.IndexName(rec), t.DocType)
}

// Response is the part of a backend reply the relay keeps.
type Response struct {
	StatusCode int
	Body       string
}

// BreakerSettings configures the backend circuit breaker.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that trips the breaker.
	// Zero disables tripping.
	Failures uint32
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

func (bs BreakerSettings) cooldown() time.Duration {
	if bs.Cooldown <= 0 {
		return 30 * time.Second
	}
	return bs.Cooldown
}

// Poster sends one document per call through a circuit breaker and maps
// every failure onto a delivery ErrorCode.
type Poster struct {
	target    Target
	breaker   *gobreaker.CircuitBreaker[*Response]
	userAgent string
}

// NewPoster creates a Poster for target.
func NewPoster(target Target, bs BreakerSettings, logger types.Logger) *Poster {
	if logger == nil {
		logger = types.NopLogger{}
	}
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     bs.cooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return bs.Failures > 0 && counts.ConsecutiveFailures >= bs.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Poster{
		target:    target,
		breaker:   cb,
		userAgent: DefaultUserAgent,
	}
}

// BreakerState reports the breaker state as a string ("closed", "open",
// "half-open").
func (p *Poster) BreakerState() string {
	return p.breaker.State().String()
}

// Post writes body to url with client. A nil error means the backend answered
// 201 Created.
func (p *Poster) Post(ctx context.Context, client *http.Client, url string, body []byte, requestID string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryTransport, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("X-Request-Id", requestID)
	if p.target.Username != "" || p.target.Password.IsSet() {
		req.SetBasicAuth(p.target.Username, p.target.Password.Unmask())
	}

	resp, err := p.breaker.Execute(func() (*Response, error) {
		r, doErr := client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer r.Body.Close()

		b, _ := io.ReadAll(io.LimitReader(r.Body, maxResponseBodyRead))
		out := &Response{StatusCode: r.StatusCode, Body: string(b)}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return out, errServerStatus
		}
		return out, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, types.NewAppError(types.ErrCodeDeliveryBreakerOpen,
			"backend circuit breaker is open", err)
	case err != nil && resp == nil:
		if isTimeout(err) {
			return nil, types.NewAppError(types.ErrCodeDeliveryTimeout, "backend request timed out", err)
		}
		return nil, types.NewAppError(types.ErrCodeDeliveryTransport, "backend request failed", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return resp, types.NewAppErrorWithDetails(types.ErrCodeDeliveryRejected,
			fmt.Sprintf("backend returned %d: %s", resp.StatusCode, resp.Body), nil,
			map[string]any{"status": resp.StatusCode})
	}
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
