package domain

import (
	"fmt"
	"strings"
	"time"
)

// PresenceStatus is the availability a participant advertises.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceInCall  PresenceStatus = "in_call"
	PresenceOffline PresenceStatus = "offline"
)

// ParsePresenceStatus validates status.
func ParsePresenceStatus(status string) (PresenceStatus, error) {
	switch s := PresenceStatus(strings.TrimSpace(status)); s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceInCall, PresenceOffline:
		return s, nil
	}
	return "", fmt.Errorf("unknown presence status %q", status)
}

// PresenceRecord is the full attribute set broadcast by one participant.
type PresenceRecord struct {
	PrincipalID string         `json:"principal_id"`
	DisplayName string         `json:"display_name"`
	Role        string         `json:"role"`
	Status      PresenceStatus `json:"status"`
	Activity    string         `json:"activity,omitempty"`
	Location    string         `json:"location,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
}

// PresenceUpdate is a partial change to the caller's own record. Nil fields are left as they are.
type PresenceUpdate struct {
	DisplayName *string
	Role        *string
	Status      *PresenceStatus
	Activity    *string
	Location    *string
}

// Apply merges u into r and returns the result.
func (u PresenceUpdate) Apply(r PresenceRecord) PresenceRecord {
	if u.DisplayName != nil {
		r.DisplayName = *u.DisplayName
	}
	if u.Role != nil {
		r.Role = *u.Role
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Activity != nil {
		r.Activity = *u.Activity
	}
	if u.Location != nil {
		r.Location = *u.Location
	}
	return r
}

// PresenceEventType is the kind of presence channel message.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is delivered by the channel provider. A sync event carries the full room state.
type PresenceEvent struct {
	Type    PresenceEventType `json:"type"`
	Room    string            `json:"room"`
	Records []PresenceRecord  `json:"records"`
}

// ConnectionState describes a room subscription.
type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDegraded     ConnectionState = "degraded"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// PresenceChannelName returns the pub/sub channel for a room.
func PresenceChannelName(room string) string {
	return "audit_presence_" + room
}
