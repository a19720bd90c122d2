package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a registered bot identity.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// TenantRegistration is one bot identity sharing the gateway's ingress.
// Registrations are created by the out-of-band registration service and
// are read-only to the gateway: we resolve them, we never mutate them.
//
// ID is the platform-issued bot identifier, not a uuid: the platform
// owns the format, the gateway treats it as opaque and only compares it.
type TenantRegistration struct {
	ID         string       `json:"id"`
	PathToken  string       `json:"path_token"`
	SecretHash string       `json:"-"`
	Status     TenantStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// EventKind is the sum type for everything the platform can deliver.
// The pipeline and the dispatcher both switch on this one type, so
// there is a single control path instead of one callback per event.
type EventKind string

const (
	KindMessage       EventKind = "message"
	KindEditedMessage EventKind = "edited_message"
	KindMemberJoined  EventKind = "member_joined"
	KindMemberLeft    EventKind = "member_left"
	KindCallback      EventKind = "callback"
)

// Valid reports whether k is a known kind. Unknown kinds are rejected
// as malformed at the ingress, not discovered at dispatch time.
func (k EventKind) Valid() bool {
	switch k {
	case KindMessage, KindEditedMessage, KindMemberJoined, KindMemberLeft, KindCallback:
		return true
	}
	return false
}

// InboundEvent is one delivery from the chat platform, already resolved
// to its owning tenant. It is created per request, flows through one
// pipeline run, and is discarded — never persisted.
//
// Payload stays opaque: the gateway routes and protects events, it does
// not interpret message bodies. Command is extracted at decode time when
// the message text starts with a command marker ("/ban"), else empty.
type InboundEvent struct {
	TenantID   string    `json:"tenant_id"`
	SubjectID  string    `json:"subject_id"`
	ActorID    string    `json:"actor_id"`
	Kind       EventKind `json:"kind"`
	Command    string    `json:"command,omitempty"`
	HasMedia   bool      `json:"has_media,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	DedupKey   string    `json:"dedup_key"`
	ReceivedAt time.Time `json:"received_at"`
}

// GroupConfig is the per-(tenant, subject) configuration the pipeline
// loads before any check runs: which modules are on, what the abuse
// thresholds are, and which actors are trusted enough to be exempt.
//
// TrustScores maps actor id → score; an actor whose score is at or
// above TrustExemption bypasses flood and rate checks entirely.
type GroupConfig struct {
	TenantID       string         `json:"tenant_id"`
	SubjectID      string         `json:"subject_id"`
	EnabledModules []string       `json:"enabled_modules"`
	Thresholds     Thresholds     `json:"thresholds"`
	TrustScores    map[string]int `json:"trust_scores,omitempty"`
	TrustExemption int            `json:"trust_exemption"`
}

// Thresholds are the per-subject abuse and admission limits. Zero
// fields mean "use the gateway default"; DefaultThresholds fills them.
type Thresholds struct {
	FloodLimit       int           `json:"flood_limit"`
	FloodWindow      time.Duration `json:"flood_window"`
	FloodMute        time.Duration `json:"flood_mute"`
	MediaFloodLimit  int           `json:"media_flood_limit"`
	MediaFloodWindow time.Duration `json:"media_flood_window"`
	MediaFloodMute   time.Duration `json:"media_flood_mute"`
	RaidLimit        int           `json:"raid_limit"`
	RaidWindow       time.Duration `json:"raid_window"`
	RaidLock         time.Duration `json:"raid_lock"`
	BucketCapacity   float64       `json:"bucket_capacity"`
	BucketRefill     float64       `json:"bucket_refill"`
}

// DefaultThresholds returns t with every zero field replaced by the
// gateway-wide default. The raid lock duration has no documented
// platform value, so it is operator-configurable with an explicit
// 10 minute fallback rather than an inferred one.
func DefaultThresholds(t Thresholds) Thresholds {
	if t.FloodLimit == 0 {
		t.FloodLimit = 5
	}
	if t.FloodWindow == 0 {
		t.FloodWindow = 5 * time.Second
	}
	if t.FloodMute == 0 {
		t.FloodMute = 5 * time.Minute
	}
	if t.MediaFloodLimit == 0 {
		t.MediaFloodLimit = 3
	}
	if t.MediaFloodWindow == 0 {
		t.MediaFloodWindow = 10 * time.Second
	}
	if t.MediaFloodMute == 0 {
		t.MediaFloodMute = 10 * time.Minute
	}
	if t.RaidLimit == 0 {
		t.RaidLimit = 10
	}
	if t.RaidWindow == 0 {
		t.RaidWindow = 60 * time.Second
	}
	if t.RaidLock == 0 {
		t.RaidLock = 10 * time.Minute
	}
	if t.BucketCapacity == 0 {
		t.BucketCapacity = 20
	}
	if t.BucketRefill == 0 {
		t.BucketRefill = 0.5
	}
	return t
}

// AbuseCategory names one of the trailing-window counters.
type AbuseCategory string

const (
	CategoryMessageFlood AbuseCategory = "message_flood"
	CategoryMediaFlood   AbuseCategory = "media_flood"
	CategoryRaid         AbuseCategory = "raid"
)

// MitigationAction is a platform-level protective effect.
type MitigationAction string

const (
	ActionWarn   MitigationAction = "warn"
	ActionMute   MitigationAction = "mute"
	ActionUnmute MitigationAction = "unmute"
	ActionKick   MitigationAction = "kick"
	ActionBan    MitigationAction = "ban"
	ActionLock   MitigationAction = "lock"
	ActionUnlock MitigationAction = "unlock"
)

// Reversal returns the action that undoes a, if one exists. Mute and
// lock reverse automatically on expiry; kick/ban/warn just expire.
func (a MitigationAction) Reversal() (MitigationAction, bool) {
	switch a {
	case ActionMute:
		return ActionUnmute, true
	case ActionLock:
		return ActionUnlock, true
	}
	return "", false
}

// MitigationRecord is one applied protective action.
//
// Invariant: at most one ACTIVE record exists per (tenant, subject,
// actor, action). Re-crossing a threshold during Cooldown is a no-op,
// never a duplicate record.
//
// ActorID is empty for subject-scoped actions (lock during a raid) and
// set for actor-scoped ones (mute during a flood).
type MitigationRecord struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    string           `json:"tenant_id"`
	SubjectID   string           `json:"subject_id"`
	ActorID     string           `json:"actor_id,omitempty"`
	Action      MitigationAction `json:"action"`
	Cause       AbuseCategory    `json:"cause"`
	TriggeredAt time.Time        `json:"triggered_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	ReversedAt  *time.Time       `json:"reversed_at,omitempty"`
}

// Active reports whether the mitigation is still in force at now.
func (m *MitigationRecord) Active(now time.Time) bool {
	if m.ReversedAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return false
	}
	return true
}

// ModuleBinding maps (tenant, match) to a handler module. Match is a
// command name ("/ban") or an event-kind name ("member_joined").
// Uniqueness of enabled (tenant, match) pairs is enforced by the
// dispatcher at registration time.
type ModuleBinding struct {
	TenantID  string    `json:"tenant_id"`
	Match     string    `json:"match"`
	ModuleID  string    `json:"module_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is the fire-and-forget observability record emitted at
// every interesting decision point: rejections, abuse triggers,
// reversals, degraded backends. Summary fields only, never payloads.
type AuditEvent struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	TenantID  string    `json:"tenant_id,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
