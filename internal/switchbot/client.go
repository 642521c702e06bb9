// Package switchbot talks to the SwitchBot cloud API that programs keypad codes.
package switchbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/util"
)

const (
	DefaultBaseURL = "https://api.switch-bot.com"
	DefaultTimeout = 10 * time.Second

	// StatusSuccess is the statusCode SwitchBot puts in its envelope on success
	StatusSuccess = 100

	maxResponseBytes = 64 << 10
	keyTypePermanent = "permanent"
	tracerName       = "github.com/smartgate/gate-server-go/internal/switchbot"
)

type Config struct {
	BaseURL  string
	Token    string
	Secret   string
	DeviceID string
	Timeout  time.Duration
	// RatePerSecond throttles outbound calls; zero or less disables throttling
	RatePerSecond float64
}

// CreateKeyParams describes one keypad passcode
type CreateKeyParams struct {
	Name     string
	Password model.AccessCode
	Window   model.ValidityWindow
}

type commandRequest struct {
	Command     string             `json:"command"`
	CommandType string             `json:"commandType"`
	Parameter   createKeyParameter `json:"parameter"`
}

// The keypad enforces expiry through startTime/endTime, so every key is
// created as "permanent" rather than one of the TTL-based types.
type createKeyParameter struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Password  string `json:"password"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// APIError is returned when SwitchBot answered but did not accept the command
type APIError struct {
	HTTPStatus int
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("switchbot status %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("switchbot http %d: %s", e.HTTPStatus, msg)
}

// IsAPIError tells application failures apart from transport failures
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type Client struct {
	baseURL    string
	token      string
	secret     string
	deviceID   string
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	now        func() time.Time
	newNonce   func() string
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Client{
		baseURL:  baseURL,
		token:    cfg.Token,
		secret:   cfg.Secret,
		deviceID: cfg.DeviceID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:  limiter,
		tracer:   otel.Tracer(tracerName),
		metrics:  m,
		now:      time.Now,
		newNonce: uuid.NewString,
	}
}

// CreateKey registers a passcode on the configured keypad. It makes exactly
// one attempt; any error means the code is not usable.
func (c *Client) CreateKey(ctx context.Context, params CreateKeyParams) error {
	ctx, span := c.tracer.Start(ctx, "switchbot.CreateKey", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("switchbot.device_id", c.deviceID))

	start := time.Now()
	err := c.createKey(ctx, params)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.SwitchBotDurationMs.WithLabelValues(resultLabel(err)).Observe(float64(elapsed.Milliseconds()))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().
			Err(err).
			Str("deviceId", c.deviceID).
			Bool("apiError", IsAPIError(err)).
			Dur("elapsed", elapsed).
			Msg("switchbot createKey failed")
		return err
	}

	log.Info().
		Str("deviceId", c.deviceID).
		Str("code", util.MaskCode(params.Password.String())).
		Dur("elapsed", elapsed).
		Msg("switchbot createKey successful")

	return nil
}

func (c *Client) createKey(ctx context.Context, params CreateKeyParams) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	body, err := json.Marshal(commandRequest{
		Command:     "createKey",
		CommandType: "command",
		Parameter: createKeyParameter{
			Name:      params.Name,
			Type:      keyTypePermanent,
			Password:  params.Password.String(),
			StartTime: params.Window.StartTime,
			EndTime:   params.Window.EndTime,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1.1/devices/%s/commands", c.baseURL, url.PathEscape(c.deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	log.Debug().
		Str("deviceId", c.deviceID).
		Str("name", params.Name).
		Int64("startTime", params.Window.StartTime).
		Int64("endTime", params.Window.EndTime).
		Msg("sending createKey to SwitchBot")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && env.Message != "" {
			apiErr.StatusCode = env.StatusCode
			apiErr.Message = env.Message
		}
		return apiErr
	}

	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}

	if env.StatusCode != StatusSuccess {
		return &APIError{HTTPStatus: resp.StatusCode, StatusCode: env.StatusCode, Message: env.Message}
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	if c.secret == "" {
		return
	}

	t := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := c.newNonce()
	req.Header.Set("t", t)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign", util.HmacSHA256Base64(c.secret, c.token+t+nonce))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsAPIError(err):
		return "api_error"
	default:
		return "transport_error"
	}
}
