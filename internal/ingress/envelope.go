package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalith-99/botgate/internal/models"
)

// ErrMalformedEvent: the envelope failed validation. Non-retryable —
// the platform resending the same broken envelope won't fix it, so the
// ingress still acknowledges and just drops it.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the platform's wire format, treated as far as possible
// as opaque JSON. Only the routing fields are interpreted here.
//
// UpdateID is a json.Number because the platform has shipped it both
// as a string and as an integer.
type Envelope struct {
	UpdateID json.Number     `json:"update_id"`
	ChatID   string          `json:"chat_id"`
	UserID   string          `json:"user_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sent_at"`
}

// payloadHints is the small, optional slice of the payload the gateway
// peeks at for classification: command extraction and media detection.
// Everything else in the payload stays opaque and flows to modules
// untouched.
type payloadHints struct {
	Text  string          `json:"text"`
	Media json.RawMessage `json:"media"`
}

// DecodeEvent validates an envelope and builds the InboundEvent for
// one pipeline run. All failures wrap ErrMalformedEvent.
func DecodeEvent(tenantID string, raw []byte, receivedAt time.Time) (*models.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedEvent, err)
	}

	kind := models.EventKind(env.Kind)
	switch {
	case env.UpdateID.String() == "":
		return nil, fmt.Errorf("%w: missing update_id", ErrMalformedEvent)
	case env.ChatID == "":
		return nil, fmt.Errorf("%w: missing chat_id", ErrMalformedEvent)
	case env.UserID == "":
		return nil, fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	case !kind.Valid():
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, env.Kind)
	}

	ev := &models.InboundEvent{
		TenantID:   tenantID,
		SubjectID:  env.ChatID,
		ActorID:    env.UserID,
		Kind:       kind,
		Payload:    env.Payload,
		DedupKey:   env.UpdateID.String(),
		ReceivedAt: receivedAt,
	}

	if len(env.Payload) > 0 {
		var hints payloadHints
		// Hints are best-effort: a payload that doesn't match the
		// hint shape is still a valid opaque payload.
		if err := json.Unmarshal(env.Payload, &hints); err == nil {
			ev.Command = extractCommand(hints.Text)
			ev.HasMedia = len(hints.Media) > 0 && string(hints.Media) != "null"
		}
	}
	return ev, nil
}

// extractCommand pulls a leading "/name" out of message text. The
// "/name@botname" form the platform uses in groups is normalized to
// "/name".
func extractCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "/" {
		return ""
	}
	return strings.ToLower(cmd)
}
