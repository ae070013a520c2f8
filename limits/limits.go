// Package limits provides centralized size caps and time windows for
// the direct-messaging core. This ensures consistent validation across
// different components of the system.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxAttachmentsPerMessage caps how many attachments a single
	// message may carry. Files beyond the cap in one batch are rejected
	// individually; files within it are still accepted.
	MaxAttachmentsPerMessage = 10

	// MaxImageBytes is the target size for compressed images (2MiB).
	// The compressor reduces JPEG quality until the payload fits or the
	// quality floor is reached.
	MaxImageBytes = 2 * 1024 * 1024

	// MaxVideoBytes is the hard cap for video attachments (100MiB).
	MaxVideoBytes = 100 * 1024 * 1024

	// MaxVideoDuration is the hard cap for video length.
	MaxVideoDuration = 5 * time.Minute

	// MaxDocumentBytes is the hard cap for generic document attachments (50MiB).
	MaxDocumentBytes = 50 * 1024 * 1024

	// EditWindow is how long after creation the sender may edit a message.
	EditWindow = 15 * time.Minute

	// DeleteForEveryoneWindow is how long after creation the sender may
	// tombstone a message for all participants.
	DeleteForEveryoneWindow = 60 * time.Minute

	// ForwardLimitPerMessage is the lifetime cap on forwards of one
	// message by one user, summed across dispatches.
	ForwardLimitPerMessage = 5

	// TypingTTL is how long a typing indicator survives without renewal.
	TypingTTL = 4000 * time.Millisecond

	// OnlineThreshold is the presence heuristic: a user whose last-seen
	// timestamp is within this window counts as online.
	OnlineThreshold = 2 * time.Minute

	// MajorEditLengthDelta is the content length change beyond which an
	// edit is considered major and recipients get notified.
	MajorEditLengthDelta = 20
)

var (
	// ErrEmptyComposition indicates a submit with no content and no attachments.
	ErrEmptyComposition = errors.New("empty composition")

	// ErrTooManyAttachments indicates the per-message attachment cap was hit.
	ErrTooManyAttachments = errors.New("too many attachments")

	// ErrAttachmentTooLarge indicates an attachment exceeds its size cap.
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrVideoTooLong indicates a video exceeds the duration cap.
	ErrVideoTooLong = errors.New("video too long")
)

// ValidateVideo validates a video attachment's size and duration.
func ValidateVideo(name string, size int64, duration time.Duration) error {
	if size > MaxVideoBytes {
		return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrAttachmentTooLarge, name, size, MaxVideoBytes)
	}
	if duration > MaxVideoDuration {
		return fmt.Errorf("%w: %q runs %s, limit %s", ErrVideoTooLong, name, duration, MaxVideoDuration)
	}
	return nil
}

// ValidateDocument validates a document attachment's size.
func ValidateDocument(name string, size int64) error {
	if size > MaxDocumentBytes {
		return fmt.Errorf("%w: %q is %d bytes, limit %d", ErrAttachmentTooLarge, name, size, MaxDocumentBytes)
	}
	return nil
}
