// Package classifier uploads audio chunks to the remote human/AI classifier
// and decodes its verdicts.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/chunk"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
	"github.com/GriffinCanCode/vorify-live/internal/resilience"
	"github.com/GriffinCanCode/vorify-live/internal/trace"
)

const (
	defaultField   = "file"
	defaultTimeout = 10 * time.Second

	// Responses are a single small JSON object.
	maxResponseBytes = 64 << 10
)

// Config configures a Client.
type Config struct {
	URL     string
	Field   string
	Timeout time.Duration
	Breaker resilience.Config
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Metrics    *observe.Metrics
}

// Client posts chunks as multipart uploads. It is safe for concurrent use.
type Client struct {
	url     string
	field   string
	timeout time.Duration
	http    *http.Client
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// New validates cfg and creates a client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "classifier url %q is not an absolute http(s) URL", cfg.URL)
	}
	if cfg.Field == "" {
		cfg.Field = defaultField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "classifier"
	}

	c := &Client{
		url:     u.String(),
		field:   cfg.Field,
		timeout: cfg.Timeout,
		http:    hc,
		metrics: observe.OrDefault(cfg.Metrics),
	}
	c.breaker = resilience.New(cfg.Breaker).WithHook(func(_, to resilience.State) {
		c.metrics.RecordBreaker(context.Background(), to.String())
	})
	return c, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

// Classify uploads one chunk and returns the decoded verdict. Errors carry one
// of NetworkError, ServerError or MalformedResponse. A cancelled ctx yields an
// error matching context.Canceled.
func (c *Client) Classify(ctx context.Context, ch *chunk.Chunk) (Result, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordFailure(ctx, apperrors.NetworkError.String())
		return Result{}, apperrors.Wrap(err, apperrors.NetworkError, "classifier unavailable").
			WithMetadata("seq", strconv.FormatUint(ch.Seq, 10))
	}

	start := time.Now()
	label, raw, err := c.post(ctx, ch)
	latency := time.Since(start)
	c.metrics.ClassifyDuration.Record(ctx, latency.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Abandon()
		} else {
			c.breaker.Failure()
			c.metrics.RecordFailure(ctx, apperrors.CodeOf(err).String())
		}
		return Result{}, err
	}
	c.breaker.Success()
	c.metrics.RecordResult(ctx, string(label))

	trace.Logger(ctx).Debug("chunk classified",
		"session_id", ch.SessionID,
		"seq", ch.Seq,
		"label", label,
		"latency", latency,
	)
	return Result{
		SessionID:  ch.SessionID,
		Seq:        ch.Seq,
		Label:      label,
		Raw:        raw,
		Latency:    latency,
		ReceivedAt: time.Now(),
	}, nil
}

func (c *Client) post(ctx context.Context, ch *chunk.Chunk) (Label, string, error) {
	body, contentType, err := c.encodeBody(ch)
	if err != nil {
		return "", "", apperrors.Wrap(err, apperrors.Internal, "build multipart body")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", "", apperrors.Wrap(err, apperrors.Internal, "build request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	trace.InjectRequest(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", apperrors.Wrap(err, apperrors.NetworkError, "classifier request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", "", apperrors.Wrapf(err, apperrors.NetworkError, "read classifier response (status %d)", resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", apperrors.Newf(apperrors.ServerError, "classifier returned %d", resp.StatusCode).
			WithMetadata("status", strconv.Itoa(resp.StatusCode)).
			WithMetadata("body", snippet(data))
	}

	var decoded struct {
		Classification *string `json:"classification"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", "", apperrors.Wrap(err, apperrors.MalformedResponse, "decode classifier response").
			WithMetadata("body", snippet(data))
	}
	if decoded.Classification == nil {
		return "", "", apperrors.New(apperrors.MalformedResponse, "classifier response has no classification").
			WithMetadata("body", snippet(data))
	}
	raw := *decoded.Classification
	label, ok := ParseLabel(raw)
	if !ok {
		return "", raw, apperrors.Newf(apperrors.MalformedResponse, "unknown classification label %q", raw)
	}
	return label, raw, nil
}

// encodeBody builds the multipart form: one file part with the segment and
// two informational fields.
func (c *Client) encodeBody(ch *chunk.Chunk) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(c.field), escapeQuotes(ch.Filename())))
	ct := ch.ContentType
	if ct == "" {
		ct = encoder.ContentType
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(ch.Payload); err != nil {
		return nil, "", err
	}

	if err := w.WriteField("sequence", strconv.FormatUint(ch.Seq, 10)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("session_id", ch.SessionID); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// IsCancelled reports whether err came from the caller cancelling the call.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
