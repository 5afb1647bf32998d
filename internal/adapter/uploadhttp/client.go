// Package uploadhttp uploads images to the sync server over HTTP.
package uploadhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"agentsync/internal/domain"
)

// UploadPath is the server endpoint accepting image uploads.
const UploadPath = "/v1/images/upload"

const (
	defaultMaxResponse = 1 << 20
	defaultTimeout     = 60 * time.Second
)

// Config configures the upload client.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client implements domain.ImageTransport with a multipart POST.
type Client struct {
	endpoint    string
	client      *http.Client
	maxResponse int64
	logger      *slog.Logger
}

var _ domain.ImageTransport = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// New creates an upload client for cfg.BaseURL.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxResp := cfg.MaxResponseBytes
	if maxResp <= 0 {
		maxResp = defaultMaxResponse
	}
	c := &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + UploadPath,
		client:      &http.Client{Timeout: timeout},
		maxResponse: maxResp,
		logger:      logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// uploadResponse is the success body of the upload endpoint.
type uploadResponse struct {
	URL       string `json:"url"`
	Width     uint   `json:"width"`
	Height    uint   `json:"height"`
	ThumbHash string `json:"thumbhash"`
}

// errorResponse is the failure body; either field may carry the message.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// UploadImage implements domain.ImageTransport.
func (c *Client) UploadImage(ctx context.Context, token string, file domain.File) (domain.Attachment, error) {
	const op = "uploadhttp.UploadImage"

	body, contentType, err := encodeMultipart(file)
	if err != nil {
		return domain.Attachment{}, domain.NewDomainError(op, domain.ErrUploadFailed, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return domain.Attachment{}, transportError(op, "create request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Attachment{}, transportError(op, "http request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse))
	if err != nil {
		return domain.Attachment{}, transportError(op, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("upload rejected", "status", resp.StatusCode, "file", file.Name)
		return domain.Attachment{}, mapHTTPError(op, resp.StatusCode, respBody)
	}

	var out uploadResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Attachment{}, domain.NewDomainError(op, domain.ErrUploadFailed, "invalid upload response")
	}
	return domain.Attachment{
		URL:            out.URL,
		Width:          out.Width,
		Height:         out.Height,
		PerceptualHash: out.ThumbHash,
	}, nil
}

// transportError reports a failure that produced no server response as
// ErrUploadFailed with the cause as detail. Caller cancellation stays in the
// chain.
func transportError(op, stage string, err error) error {
	wrapped := domain.ErrUploadFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		wrapped = fmt.Errorf("%w: %w", domain.ErrUploadFailed, err)
	}
	return domain.NewDomainError(op, wrapped, stage+": "+err.Error())
}

// encodeMultipart writes file as the "image" form field.
func encodeMultipart(file domain.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := file.Name
	if name == "" {
		name = "image"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	if file.MediaType != "" {
		h.Set("Content-Type", file.MediaType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", fmt.Errorf("write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// StatusError carries the HTTP status of a rejected upload.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %v", e.Code, e.Err) }

func (e *StatusError) Unwrap() error { return e.Err }

// mapHTTPError converts a non-2xx response into an ErrUploadFailed whose
// detail is the server's message, or "Upload failed: <status text>".
func mapHTTPError(op string, statusCode int, body []byte) error {
	detail := "Upload failed: " + http.StatusText(statusCode)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		if msg := strings.TrimSpace(er.Error); msg != "" {
			detail = msg
		} else if msg := strings.TrimSpace(er.Message); msg != "" {
			detail = msg
		}
	}
	return &StatusError{Code: statusCode, Err: domain.NewDomainError(op, domain.ErrUploadFailed, detail)}
}
