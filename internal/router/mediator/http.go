// Package mediator delivers messages to their HTTP targets, classifying
// outcomes and failing fast per target through circuit breakers.
package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// Config configures the HTTP mediator.
type Config struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the whole request.
	RequestTimeout time.Duration

	// CircuitBreakerThreshold is the consecutive transient failures that
	// open a target's breaker.
	CircuitBreakerThreshold int

	// CircuitBreakerCooldown is the open duration before one probe is
	// allowed through.
	CircuitBreakerCooldown time.Duration

	// SigningSecret enables request signing when non-empty.
	SigningSecret string
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:          10 * time.Second,
		RequestTimeout:          30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooldown <= 0 {
		c.CircuitBreakerCooldown = 30 * time.Second
	}
}

// errTransient marks outcomes the circuit breaker must count as failures.
// Permanent client errors deliberately do not produce it: they indicate
// caller misuse, not downstream illness.
var errTransient = errors.New("transient mediation failure")

// targetState is the breaker and open-transition time for one target.
type targetState struct {
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

func (t *targetState) setOpenedAt(at time.Time) {
	t.mu.Lock()
	t.openedAt = at
	t.mu.Unlock()
}

func (t *targetState) remainingCooldown(cooldown time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := cooldown - time.Since(t.openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// HTTPMediator posts messages to their mediation targets.
type HTTPMediator struct {
	client *http.Client
	config *Config
	signer *Signer

	targets sync.Map // scheme://host[:port] -> *targetState
}

// NewHTTPMediator creates a mediator.
func NewHTTPMediator(cfg *Config) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPMediator{
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		config: cfg,
		signer: NewSigner(cfg.SigningSecret),
	}
}

// Process delivers one message through the target's circuit breaker.
func (m *HTTPMediator) Process(ctx context.Context, msg *pool.Message) *pool.MediationOutcome {
	if msg == nil || msg.MediationTarget == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorClient,
			Error:  errors.New("no mediation target"),
		}
	}

	key, err := targetKey(msg.MediationTarget)
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorClient,
			Error:  fmt.Errorf("invalid mediation target: %w", err),
		}
	}

	state := m.targetState(key)

	result, execErr := state.breaker.Execute(func() (interface{}, error) {
		outcome := m.executeOnce(ctx, msg)
		if outcome.Result.Transient() {
			return outcome, errTransient
		}
		return outcome, nil
	})

	if execErr != nil {
		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			delay := state.remainingCooldown(m.config.CircuitBreakerCooldown)
			slog.Warn("Circuit open - failing fast",
				"messageId", msg.ID,
				"target", key,
				"retryIn", delay)
			return &pool.MediationOutcome{
				Result: pool.MediationResultCircuitOpen,
				Error:  execErr,
				Delay:  &delay,
			}
		}
	}

	if outcome, ok := result.(*pool.MediationOutcome); ok {
		return outcome
	}
	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, Error: execErr}
}

// targetState lazily creates the breaker for a target key.
func (m *HTTPMediator) targetState(key string) *targetState {
	if v, ok := m.targets.Load(key); ok {
		return v.(*targetState)
	}

	state := &targetState{}
	state.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     m.config.CircuitBreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.config.CircuitBreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"target", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				stateValue = metrics.CircuitBreakerOpen
				state.setOpenedAt(time.Now())
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = metrics.CircuitBreakerHalfOpen
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})

	actual, _ := m.targets.LoadOrStore(key, state)
	return actual.(*targetState)
}

// targetKey reduces a URL to its breaker key: scheme://host[:port].
func targetKey(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("target %q missing scheme or host", target)
	}
	return u.Scheme + "://" + u.Host, nil
}

// executeOnce performs a single HTTP POST and classifies the outcome.
func (m *HTTPMediator) executeOnce(ctx context.Context, msg *pool.Message) *pool.MediationOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	payload := []byte(fmt.Sprintf(`{"messageId":%q}`, msg.ID))

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, msg.MediationTarget, strings.NewReader(string(payload)))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorClient,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	if m.signer.Enabled() {
		timestamp, signature := m.signer.Sign(payload)
		req.Header.Set(TimestampHeader, timestamp)
		req.Header.Set(SignatureHeader, signature)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		return m.classifyError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	var body struct {
		Ack          *bool `json:"ack"`
		DelaySeconds *int  `json:"delaySeconds"`
	}
	// Body parsing is best-effort; absent or malformed bodies mean plain
	// status-code semantics.
	json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)

	return m.classifyResponse(msg, resp, body.Ack, body.DelaySeconds)
}

func (m *HTTPMediator) classifyError(msg *pool.Message, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Mediation request timed out", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorTimeout, Error: err}
	}
	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorTimeout, Error: err}
	}

	slog.Warn("Mediation connection error", "messageId", msg.ID, "error", err)
	return &pool.MediationOutcome{Result: pool.MediationResultErrorConnection, Error: err}
}

func (m *HTTPMediator) classifyResponse(msg *pool.Message, resp *http.Response, ack *bool, delaySeconds *int) *pool.MediationOutcome {
	code := resp.StatusCode

	switch {
	case code >= 200 && code < 300:
		if ack != nil && !*ack {
			// Target accepted the call but is not ready; retry later.
			response := model.MediationResponse{Ack: false, DelaySeconds: delaySeconds}
			delay := time.Duration(response.EffectiveDelaySeconds()) * time.Second
			slog.Info("Target deferred processing (ack=false)",
				"messageId", msg.ID,
				"delay", delay)
			return &pool.MediationOutcome{
				Result:     pool.MediationResultErrorServer,
				StatusCode: code,
				Delay:      &delay,
			}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: code}

	case code == http.StatusRequestTimeout:
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: code}

	case code == http.StatusTooManyRequests:
		delay := retryAfterDelay(resp, delaySeconds)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorServer,
			StatusCode: code,
			Delay:      &delay,
		}

	case code >= 400 && code < 500:
		slog.Warn("Permanent client error from target",
			"messageId", msg.ID,
			"statusCode", code)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorClient, StatusCode: code}

	default:
		slog.Warn("Server error from target",
			"messageId", msg.ID,
			"statusCode", code)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: code}
	}
}

// retryAfterDelay resolves the redelivery delay for a 429: Retry-After
// header, then the response body, then a 5s default.
func retryAfterDelay(resp *http.Response, delaySeconds *int) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if delaySeconds != nil && *delaySeconds > 0 {
		return time.Duration(*delaySeconds) * time.Second
	}
	return 5 * time.Second
}

// BreakerState returns the state string of a target's breaker, for the
// monitoring surface. Empty when the target is unknown.
func (m *HTTPMediator) BreakerState(target string) string {
	key, err := targetKey(target)
	if err != nil {
		return ""
	}
	if v, ok := m.targets.Load(key); ok {
		return v.(*targetState).breaker.State().String()
	}
	return ""
}
