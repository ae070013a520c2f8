// Package attachment implements the staged ingest pipeline that gates
// message composition: files are validated and transformed before the
// message referencing them may be submitted.
//
// Images are compressed synchronously and become ready at once. Videos
// and documents run a staged upload whose progress ticks forward until
// 100%, and any staged upload can be cancelled at any time without
// affecting its siblings.
package attachment

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/limits"
	"github.com/opd-ai/dmcore/model"
)

var (
	// ErrUploadsInFlight indicates finalize was called while an upload
	// is still running.
	ErrUploadsInFlight = errors.New("attachments still uploading")

	// ErrUnknownAttachment indicates the pending attachment id does not exist.
	ErrUnknownAttachment = errors.New("unknown pending attachment")
)

// Status represents the state of a pending attachment.
type Status uint8

const (
	// StatusIdle means the attachment was accepted but processing has
	// not started.
	StatusIdle Status = iota
	// StatusUploading means a staged upload is in progress.
	StatusUploading
	// StatusReady means the attachment may be sent.
	StatusReady
	// StatusError means validation or processing failed.
	StatusError
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusUploading:
		return "uploading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// File is the raw input handed to the pipeline.
type File struct {
	Name     string
	MIMEType string
	Size     int64
	Data     []byte

	// Ref optionally points at the payload out of band (object key,
	// file path); kept verbatim on the finalized attachment.
	Ref string

	// Duration is the probed media length for videos, decoded upstream
	// from container metadata.
	Duration time.Duration

	// Kind forces a classification; zero means infer from MIMEType.
	Kind model.AttachmentKind

	Caption string
}

// Pending is a staged attachment tracked by the pipeline.
type Pending struct {
	ID       string
	Name     string
	Size     int64
	MIMEType string
	Kind     model.AttachmentKind
	Status   Status
	Progress int // 0–100
	Err      error

	data     []byte
	ref      string
	caption  string
	checksum string
	cancel   chan struct{}
}

// Config tunes the pipeline; zero values fall back to defaults.
type Config struct {
	// MaxAttachments caps pending attachments per message.
	MaxAttachments int
	// MaxImageBytes is the compression byte target for images.
	MaxImageBytes int
	// UploadTick is the interval between staged-upload progress steps.
	UploadTick time.Duration
	// VideoStep and DocumentStep are progress increments per tick.
	VideoStep    int
	DocumentStep int
}

// DefaultConfig returns the production pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttachments: limits.MaxAttachmentsPerMessage,
		MaxImageBytes:  limits.MaxImageBytes,
		UploadTick:     120 * time.Millisecond,
		VideoStep:      8,
		DocumentStep:   12,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttachments == 0 {
		c.MaxAttachments = d.MaxAttachments
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = d.MaxImageBytes
	}
	if c.UploadTick == 0 {
		c.UploadTick = d.UploadTick
	}
	if c.VideoStep == 0 {
		c.VideoStep = d.VideoStep
	}
	if c.DocumentStep == 0 {
		c.DocumentStep = d.DocumentStep
	}
	return c
}

// Pipeline validates, transforms, and tracks pending attachments for
// one in-progress message.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	pending  []*Pending
	progress func(id string, status Status, progress int)
}

// NewPipeline creates a pipeline with the given configuration.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg.withDefaults()}
}

// OnProgress sets a callback invoked on every status or progress
// change. Safe for concurrent use.
func (p *Pipeline) OnProgress(fn func(id string, status Status, progress int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = fn
}

// InferKind classifies a file by MIME type unless a kind was forced.
func InferKind(mimeType string, forced model.AttachmentKind) model.AttachmentKind {
	if forced != "" {
		return forced
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return model.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return model.AttachmentVideo
	default:
		return model.AttachmentDocument
	}
}

// Add validates a batch of files and stages the acceptable ones.
// Acceptance is partial: valid files are staged even when siblings in
// the same batch fail, and files beyond the per-message cap are
// rejected with a count-limited error while files within it proceed.
func (p *Pipeline) Add(files []File) (accepted []*Pending, errs []error) {
	if len(files) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	slots := p.cfg.MaxAttachments - len(p.pending)
	p.mu.Unlock()

	if slots <= 0 {
		return nil, []error{fmt.Errorf("%w: you can attach up to %d items", limits.ErrTooManyAttachments, p.cfg.MaxAttachments)}
	}
	if len(files) > slots {
		errs = append(errs, fmt.Errorf("%w: only the first %d items were attached", limits.ErrTooManyAttachments, slots))
		files = files[:slots]
	}

	for _, f := range files {
		pend, err := p.stage(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		accepted = append(accepted, pend)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"accepted": len(accepted),
		"rejected": len(errs),
	}).Info("Attachment batch processed")

	return accepted, errs
}

// stage validates one file and registers it, kicking off a staged
// upload when the kind requires one.
func (p *Pipeline) stage(f File) (*Pending, error) {
	kind := InferKind(f.MIMEType, f.Kind)

	pend := &Pending{
		ID:       "attachment_" + uuid.NewString(),
		Name:     f.Name,
		Size:     f.Size,
		MIMEType: f.MIMEType,
		Kind:     kind,
		ref:      f.Ref,
		caption:  f.Caption,
		cancel:   make(chan struct{}),
	}

	switch kind {
	case model.AttachmentImage:
		result, err := CompressImage(f.Data, p.cfg.MaxImageBytes)
		if err != nil {
			return nil, fmt.Errorf("could not attach %q: %w", f.Name, err)
		}
		pend.data = result.Data
		pend.Size = int64(len(result.Data))
		pend.MIMEType = "image/jpeg"
		pend.checksum = checksum(result.Data)
		pend.Status = StatusReady
		pend.Progress = 100

	case model.AttachmentVideo:
		if err := limits.ValidateVideo(f.Name, f.Size, f.Duration); err != nil {
			return nil, err
		}
		pend.data = f.Data
		pend.checksum = checksum(f.Data)
		pend.Status = StatusUploading

	case model.AttachmentDocument:
		if err := limits.ValidateDocument(f.Name, f.Size); err != nil {
			return nil, err
		}
		pend.data = f.Data
		pend.checksum = checksum(f.Data)
		pend.Status = StatusUploading

	default:
		// Links, locations, and contacts carry no payload to process.
		pend.data = f.Data
		if len(f.Data) > 0 {
			pend.checksum = checksum(f.Data)
		}
		pend.Status = StatusReady
		pend.Progress = 100
	}

	p.mu.Lock()
	p.pending = append(p.pending, pend)
	p.mu.Unlock()

	if pend.Status == StatusUploading {
		step := p.cfg.DocumentStep
		if kind == model.AttachmentVideo {
			step = p.cfg.VideoStep
		}
		go p.runUpload(pend, step)
	}

	p.emit(pend)
	return pend, nil
}

// runUpload advances a staged upload until completion or cancellation.
func (p *Pipeline) runUpload(pend *Pending, step int) {
	ticker := time.NewTicker(p.cfg.UploadTick)
	defer ticker.Stop()

	for {
		select {
		case <-pend.cancel:
			return
		case <-ticker.C:
			p.mu.Lock()
			if pend.Status != StatusUploading {
				p.mu.Unlock()
				return
			}
			pend.Progress += step
			if pend.Progress >= 100 {
				pend.Progress = 100
				pend.Status = StatusReady
			}
			done := pend.Status == StatusReady
			p.mu.Unlock()

			p.emit(pend)
			if done {
				logrus.WithFields(logrus.Fields{
					"function":      "runUpload",
					"attachment_id": pend.ID,
					"name":          pend.Name,
				}).Debug("Staged upload completed")
				return
			}
		}
	}
}

func (p *Pipeline) emit(pend *Pending) {
	p.mu.Lock()
	fn := p.progress
	status := pend.Status
	progress := pend.Progress
	p.mu.Unlock()

	if fn != nil {
		fn(pend.ID, status, progress)
	}
}

// Cancel aborts one pending attachment and releases its payload.
// Sibling attachments are untouched.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	idx := -1
	for i, pend := range p.pending {
		if pend.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return ErrUnknownAttachment
	}
	pend := p.pending[idx]
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	if pend.Status == StatusUploading {
		close(pend.cancel)
	}
	pend.Status = StatusIdle
	pend.data = nil
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Cancel",
		"attachment_id": id,
	}).Info("Pending attachment cancelled")
	return nil
}

// Snapshot returns a copy of the staged attachments in order.
func (p *Pipeline) Snapshot() []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Pending, 0, len(p.pending))
	for _, pend := range p.pending {
		c := *pend
		out = append(out, &c)
	}
	return out
}

// Count returns the number of staged attachments.
func (p *Pipeline) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// HasUploading reports whether any staged upload is still running.
func (p *Pipeline) HasUploading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pend := range p.pending {
		if pend.Status == StatusUploading {
			return true
		}
	}
	return false
}

// Finalize converts every ready attachment into its persisted form
// with a freshly generated id, clears the pipeline, and returns them.
// It fails without side effects while any upload is still running.
func (p *Pipeline) Finalize() ([]model.Attachment, error) {
	p.mu.Lock()
	for _, pend := range p.pending {
		if pend.Status == StatusUploading {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: wait for uploads to finish before sending", ErrUploadsInFlight)
		}
	}

	out := make([]model.Attachment, 0, len(p.pending))
	for _, pend := range p.pending {
		if pend.Status != StatusReady {
			continue
		}
		ref := pend.ref
		if ref == "" && pend.checksum != "" {
			ref = "blake2b:" + pend.checksum
		}
		att := model.Attachment{
			ID:         "attachment_" + uuid.NewString(),
			Kind:       pend.Kind,
			Name:       pend.Name,
			Size:       pend.Size,
			MIMEType:   pend.MIMEType,
			PayloadRef: ref,
			Checksum:   pend.checksum,
			Caption:    pend.caption,
		}
		if pend.Kind == model.AttachmentImage {
			att.ThumbnailRef = ref
		}
		out = append(out, att)
	}
	p.pending = nil
	p.mu.Unlock()

	return out, nil
}

// Close cancels every staged upload and drops all pending state.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for _, pend := range p.pending {
		if pend.Status == StatusUploading {
			close(pend.cancel)
		}
		pend.data = nil
	}
	p.pending = nil
	p.mu.Unlock()
}
