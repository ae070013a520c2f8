package model

import "time"

// AttachmentKind classifies a message attachment.
type AttachmentKind string

const (
	AttachmentImage        AttachmentKind = "image"
	AttachmentVideo        AttachmentKind = "video"
	AttachmentDocument     AttachmentKind = "document"
	AttachmentLink         AttachmentKind = "link"
	AttachmentLocation     AttachmentKind = "location"
	AttachmentLiveLocation AttachmentKind = "live-location"
	AttachmentContact      AttachmentKind = "contact"
)

// Attachment is a finalized attachment carried by a persisted message.
// Pending (pre-send) attachments live in the attachment package; only
// attachments that passed the ingest pipeline become this type.
type Attachment struct {
	ID       string         `json:"id"`
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	MIMEType string         `json:"mimeType"`

	// PayloadRef points at the stored payload (object key, data URL, or
	// file path depending on the deployment). The core never interprets
	// it beyond equality.
	PayloadRef string `json:"payloadRef,omitempty"`

	// Checksum is a hex BLAKE2b-256 digest of the payload bytes,
	// recorded at ingest time.
	Checksum string `json:"checksum,omitempty"`

	ThumbnailRef string `json:"thumbnailRef,omitempty"`
	Caption      string `json:"caption,omitempty"`

	// ExpiresAt applies to live-location shares only.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
