// Package protocol defines the logical message envelope exchanged between
// the detector, coordinator and UI contexts, and the coordinator state
// those messages carry. Contexts never share memory; everything crosses
// this boundary as a value.
package protocol

import (
	"time"

	"carbontrail/internal/event"
)

// Source tags the originating context of an envelope.
type Source string

const (
	SourceDetector   Source = "detector"
	SourceBackground Source = "background"
	SourceUI         Source = "ui"
)

// Recognized envelope types.
const (
	TypeActivityDetected = "ACTIVITY_DETECTED"
	TypePing             = "PING"
	TypePong             = "PONG"
	TypeUpdateMode       = "UPDATE_MODE"
	TypeGetState         = "GET_STATE"
	TypeSetMode          = "SET_MODE"
	TypeSetBackendURL    = "SET_BACKEND_URL"
	TypeRefreshHealth    = "REFRESH_HEALTH"
	TypeClearStats       = "CLEAR_STATS"
	TypeStateUpdated     = "STATE_UPDATED"
)

// Mode is the capture mode toggle. Awareness surfaces notifications,
// silent captures without them. There are no transition restrictions.
type Mode string

const (
	ModeAwareness Mode = "awareness"
	ModeSilent    Mode = "silent"
)

// ParseMode resolves any stored or transmitted value to a valid mode.
// Corrupt or absent input falls back to awareness.
func ParseMode(s string) Mode {
	if Mode(s) == ModeSilent {
		return ModeSilent
	}
	return ModeAwareness
}

// SyncStatus is the coordinator's delivery status machine:
// idle -> syncing -> {success, error}, re-entrant.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// ParseSyncStatus tolerates corrupt storage the same way ParseMode does.
func ParseSyncStatus(s string) SyncStatus {
	switch SyncStatus(s) {
	case SyncSyncing, SyncSuccess, SyncError:
		return SyncStatus(s)
	default:
		return SyncIdle
	}
}

// State is the persisted, broadcast coordinator state. The coordinator
// is its only writer; everyone else receives copies.
type State struct {
	Mode                   Mode       `json:"mode"`
	BackendBaseURL         string     `json:"backendBaseUrl"`
	BackendReachable       bool       `json:"isBackendReachable"`
	LastHealthCheckAt      *time.Time `json:"lastHealthCheckAt"`
	LastSyncStatus         SyncStatus `json:"lastSyncStatus"`
	LastSyncAt             *time.Time `json:"lastSyncAt"`
	TotalActivitiesTracked int64      `json:"totalActivitiesTracked"`
}

// Envelope is the wire unit between contexts.
type Envelope struct {
	Source   Source               `json:"source"`
	Type     string               `json:"type"`
	Platform event.Provider       `json:"platform,omitempty"`
	Mode     Mode                 `json:"mode,omitempty"`
	URL      string               `json:"url,omitempty"`
	Payload  *event.ActivityEvent `json:"payload,omitempty"`
	State    *State               `json:"state,omitempty"`
}

// Ack answers ACTIVITY_DETECTED. Acknowledged means the coordinator took
// ownership of the event; Error carries a non-fatal delivery outcome.
type Ack struct {
	Acknowledged bool   `json:"acknowledged"`
	Error        string `json:"error,omitempty"`
}

// Reply answers UI commands.
type Reply struct {
	Success bool   `json:"success"`
	State   *State `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}
