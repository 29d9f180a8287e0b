package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of user action an event describes.
type Type string

const TypeEmail Type = "email"

// Provider identifies the hosted application the event was captured from.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Direction is fixed to outbound for the send detector.
type Direction string

const DirectionOutbound Direction = "outbound"

// ActivityEvent is one detected user action, normalized out of transient
// form fields. It is constructed once per detection and immutable after
// construction; ownership transfers from the detector to the dispatch
// client and then to the coordinator.
//
// ActivityType and Provider are always present. Every other field is
// best-effort and may be empty.
type ActivityEvent struct {
	ID              string    `json:"id"`
	ActivityType    Type      `json:"activityType"`
	Provider        Provider  `json:"provider"`
	Timestamp       time.Time `json:"timestamp"`
	Subject         string    `json:"subject,omitempty"`
	Recipients      []string  `json:"recipients,omitempty"`
	BodyPreview     string    `json:"bodyPreview,omitempty"`
	AttachmentCount int       `json:"attachmentCount"`
	AttachmentBytes int64     `json:"attachmentBytes"`
	Direction       Direction `json:"direction"`
	UserEmail       string    `json:"userEmail,omitempty"`

	// EmissionKg is attached from the collector reply for logging only.
	// It is never part of the outbound payload or the fingerprint.
	EmissionKg float64 `json:"-"`
}

// New returns an email event stamped at detection time.
func New(p Provider, at time.Time) *ActivityEvent {
	return &ActivityEvent{
		ID:           uuid.NewString(),
		ActivityType: TypeEmail,
		Provider:     p,
		Timestamp:    at,
		Direction:    DirectionOutbound,
	}
}

// Fingerprint is a composite key used to recognize duplicate detections
// of the same underlying action within a short window. Transient only,
// never persisted.
type Fingerprint string

// Fingerprint derives the dedupe key: provider::subject::sender::recipients.
func (e *ActivityEvent) Fingerprint() Fingerprint {
	parts := []string{
		string(e.Provider),
		e.Subject,
		e.UserEmail,
		strings.Join(e.Recipients, ","),
	}
	return Fingerprint(strings.Join(parts, "::"))
}
