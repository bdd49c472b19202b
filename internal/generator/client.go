package generator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderSignature = "X-Sceneforge-Signature"
	HeaderTimestamp = "X-Sceneforge-Timestamp"
	HeaderJobID     = "X-Sceneforge-Job"

	// MaxSignatureAge bounds how old a signed request may be when verified.
	MaxSignatureAge = 5 * time.Minute
)

// ErrRejected marks a request the generator refused outright. Retrying the
// same body will not help.
var ErrRejected = errors.New("generator rejected request")

type Config struct {
	Endpoint        string
	CallbackBaseURL string
	SigningSecret   string
	Timeout         time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Request is what the external generator receives for one job. It reports
// progress and the outcome to the callback URLs.
type Request struct {
	JobID     string           `json:"jobId"`
	JobType   domain.JobType   `json:"jobType"`
	SceneID   string           `json:"sceneId"`
	SegmentID string           `json:"segmentId,omitempty"`
	Attempt   int              `json:"attempt"`
	Params    domain.JobParams `json:"params"`
	Callbacks Callbacks        `json:"callbacks"`
}

type Callbacks struct {
	Progress string `json:"progress"`
	Complete string `json:"complete"`
	Fail     string `json:"fail"`
}

type Client struct {
	httpClient      *http.Client
	endpoint        string
	callbackBaseURL string
	signingSecret   string
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	now             func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoint:        strings.TrimSpace(cfg.Endpoint),
		callbackBaseURL: strings.TrimRight(strings.TrimSpace(cfg.CallbackBaseURL), "/"),
		signingSecret:   cfg.SigningSecret,
		maxAttempts:     maxAttempts,
		initialBackoff:  initialBackoff,
		maxBackoff:      maxBackoff,
		now:             time.Now,
	}
}

// RequestForJob fills in the callback URLs for job.
func (c *Client) RequestForJob(job domain.Job) Request {
	base := c.callbackBaseURL + "/v1/jobs/" + job.ID
	return Request{
		JobID:     job.ID,
		JobType:   job.Type,
		SceneID:   job.SceneID,
		SegmentID: job.SegmentID,
		Attempt:   job.Attempts + 1,
		Params:    job.Params,
		Callbacks: Callbacks{
			Progress: base + "/progress",
			Complete: base + "/complete",
			Fail:     base + "/fail",
		},
	}
}

// Submit posts a signed request to the generator, retrying transient
// failures with exponential backoff. 4xx answers other than 429 are not
// retried and wrap ErrRejected.
func (c *Client) Submit(ctx context.Context, req Request) error {
	if c.endpoint == "" {
		return fmt.Errorf("generator endpoint is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal generator request: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build generator request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(HeaderTimestamp, timestamp)
		httpReq.Header.Set(HeaderSignature, signature)
		httpReq.Header.Set(HeaderJobID, req.JobID)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

		resp, err := c.httpClient.Do(httpReq)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return fmt.Errorf("%w: status=%d", ErrRejected, resp.StatusCode)
			}
			lastErr = fmt.Errorf("generator returned status=%d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("generator submit failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and rejects stale timestamps.
func Verify(secret, timestamp, signature string, body []byte, now time.Time) error {
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp")
	}
	age := now.Sub(time.Unix(sent, 0))
	if age > MaxSignatureAge || age < -MaxSignatureAge {
		return fmt.Errorf("signature timestamp outside allowed window")
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
