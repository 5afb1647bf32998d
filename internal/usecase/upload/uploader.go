// Package upload turns a local image into a durable attachment descriptor.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"agentsync/internal/domain"
	"agentsync/internal/infra/tracer"
	"agentsync/internal/usecase/eventbus"
)

const subsystem = "upload"

// genericCause is reported when the transport gives no usable message.
const genericCause = "upload failed"

// State is the lifecycle state of the attachment slot.
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
)

// Status is a snapshot of the uploader.
type Status struct {
	State    State                `json:"state"`
	Pending  *domain.LocalPreview `json:"-"`
	Resolved *domain.Attachment   `json:"resolved,omitempty"`
	Cause    string               `json:"cause,omitempty"`
}

// Previewer builds the local preview shown while an upload runs.
type Previewer interface {
	Preview(file domain.File) (domain.LocalPreview, error)
}

// Config selects where uploads are allowed.
type Config struct {
	Platform           string
	SupportedPlatforms []string
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithPreviewer attaches a thumbnail builder.
func WithPreviewer(p Previewer) Option {
	return func(u *Uploader) { u.previewer = p }
}

// WithEventBus publishes upload.state events for sessionID.
func WithEventBus(bus domain.EventBus, sessionID string) Option {
	return func(u *Uploader) {
		u.bus = bus
		u.sessionID = sessionID
	}
}

// Uploader guards one attachment slot: at most one upload is in flight.
type Uploader struct {
	transport  domain.ImageTransport
	creds      domain.CredentialSource
	previewer  Previewer
	bus        domain.EventBus
	sessionID  string
	platformOK bool
	logger     *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates an Uploader.
func New(transport domain.ImageTransport, creds domain.CredentialSource, cfg Config, logger *slog.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		transport:  transport,
		creds:      creds,
		platformOK: slices.Contains(cfg.SupportedPlatforms, cfg.Platform),
		logger:     logger,
		status:     Status{State: StateIdle},
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Status returns a snapshot of the current state.
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return cloneStatus(u.status)
}

// Preflight runs every local check Upload performs, without changing state.
func (u *Uploader) Preflight(file domain.File) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, _, err := u.preflight(file)
	return err
}

// Upload validates file locally and, when it passes, sends it to the
// transport. Local failures never reach the network and leave the state as
// it was. A transport failure moves the slot to failed and keeps the last
// resolved descriptor.
func (u *Uploader) Upload(ctx context.Context, file domain.File) (domain.Attachment, error) {
	return u.upload(ctx, file, nil)
}

// UploadPreviewed is Upload for a file whose preview was already built with
// LocalPreview. The previewer is not run again.
func (u *Uploader) UploadPreviewed(ctx context.Context, file domain.File, preview domain.LocalPreview) (domain.Attachment, error) {
	return u.upload(ctx, file, &preview)
}

func (u *Uploader) upload(ctx context.Context, file domain.File, built *domain.LocalPreview) (domain.Attachment, error) {
	const op = "Uploader.Upload"

	u.mu.Lock()
	mediaType, creds, err := u.preflight(file)
	if err != nil {
		u.mu.Unlock()
		return domain.Attachment{}, err
	}
	u.status.State = StateUploading
	u.status.Cause = ""
	u.mu.Unlock()

	file.MediaType = mediaType
	var preview domain.LocalPreview
	if built != nil {
		preview = built.Clone()
	} else {
		preview = u.buildPreview(file)
	}
	u.mu.Lock()
	u.status.Pending = &preview
	snap := cloneStatus(u.status)
	u.mu.Unlock()
	u.publish(ctx, snap)

	ctx, span := tracer.StartSpan(ctx, "upload.image",
		trace.WithAttributes(
			tracer.StringAttr("file.media_type", mediaType),
			tracer.IntAttr("file.size", len(file.Data)),
		),
	)
	defer span.End()

	u.logger.Debug("upload started", "file", file.Name, "media_type", mediaType, "size", file.Size())
	att, err := u.transport.UploadImage(ctx, creds.Token, file)
	if err == nil && !att.Resolved() {
		err = domain.NewDomainError(op, domain.ErrUploadFailed, "response has no url")
	}

	u.mu.Lock()
	u.status.Pending = nil
	if err != nil {
		cause := domain.DetailOf(err)
		if cause == "" {
			cause = genericCause
		}
		u.status.State = StateFailed
		u.status.Cause = cause
		snap = cloneStatus(u.status)
		u.mu.Unlock()

		tracer.RecordError(span, err)
		u.logger.Error("upload failed", "file", file.Name, "cause", cause, "error", err)
		u.publish(ctx, snap)
		return domain.Attachment{}, domain.NewSubSystemError(subsystem, op,
			fmt.Errorf("%w: %w", domain.ErrUploadFailed, err), cause)
	}

	att.LocalPreview = nil
	u.status.State = StateResolved
	u.status.Resolved = &att
	snap = cloneStatus(u.status)
	u.mu.Unlock()

	tracer.SetOK(span)
	u.logger.Debug("upload resolved", "file", file.Name, "url", att.URL)
	u.publish(ctx, snap)
	return att, nil
}

// preflight must be called with u.mu held. The returned media type is the
// declared one, or the sniffed one when none was declared.
func (u *Uploader) preflight(file domain.File) (string, domain.Credentials, error) {
	const op = "Uploader.Upload"
	if !u.platformOK {
		return "", domain.Credentials{}, domain.NewSubSystemError(subsystem, op, domain.ErrUnsupportedPlatform, "")
	}
	if u.status.State == StateUploading {
		return "", domain.Credentials{}, domain.NewSubSystemError(subsystem, op, domain.ErrUploadInProgress, "")
	}
	mediaType := MediaTypeOf(file)
	if !strings.HasPrefix(mediaType, "image/") {
		return "", domain.Credentials{}, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidMediaType,
			fmt.Sprintf("%s is %s", file.Name, mediaType))
	}
	if file.Size() > domain.MaxImageBytes {
		return "", domain.Credentials{}, domain.NewSubSystemError(subsystem, op, domain.ErrFileTooLarge,
			fmt.Sprintf("%d bytes, limit %d", file.Size(), domain.MaxImageBytes))
	}
	var creds domain.Credentials
	ok := false
	if u.creds != nil {
		creds, ok = u.creds.Credentials()
	}
	if !ok || creds.Token == "" {
		return "", domain.Credentials{}, domain.NewSubSystemError(subsystem, op, domain.ErrNoCredentials, "")
	}
	return mediaType, creds, nil
}

// LocalPreview returns the preview of file that Upload shows while it runs.
func (u *Uploader) LocalPreview(file domain.File) domain.LocalPreview {
	file.MediaType = MediaTypeOf(file)
	return u.buildPreview(file)
}

func (u *Uploader) buildPreview(file domain.File) domain.LocalPreview {
	p := domain.LocalPreview{FileName: file.Name, MediaType: file.MediaType, Data: slices.Clone(file.Data)}
	if u.previewer == nil {
		return p
	}
	built, err := u.previewer.Preview(file)
	if err != nil {
		u.logger.Debug("preview unavailable", "file", file.Name, "error", err)
		return p
	}
	p.Width, p.Height, p.Thumbnail = built.Width, built.Height, built.Thumbnail
	return p
}

func (u *Uploader) publish(ctx context.Context, s Status) {
	if u.bus == nil {
		return
	}
	u.bus.Publish(ctx, eventbus.NewEvent(u.logger, domain.EventUploadState, u.sessionID, s))
}

// MediaTypeOf returns the declared media type of file, or the type sniffed
// from its first 512 bytes.
func MediaTypeOf(file domain.File) string {
	if file.MediaType != "" {
		return strings.ToLower(strings.TrimSpace(file.MediaType))
	}
	return http.DetectContentType(file.Data[:min(512, len(file.Data))])
}

func cloneStatus(s Status) Status {
	c := s
	if s.Pending != nil {
		p := s.Pending.Clone()
		c.Pending = &p
	}
	if s.Resolved != nil {
		r := s.Resolved.Clone()
		c.Resolved = &r
	}
	return c
}
