package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"opsdeck.io/internal/obs"
)

// Event types recorded by the engine. The recorder is a pure sink: it is
// called by every component and depends on none of them.
const (
	EventLoginSucceeded     = "auth.login.succeeded"
	EventLoginFailed        = "auth.login.failed"
	EventAccountLocked      = "auth.account.locked"
	EventLogout             = "auth.logout"
	EventPasswordChanged    = "auth.password.changed"
	EventPasswordResetSent  = "auth.password.reset_sent"
	EventPasswordReset      = "auth.password.reset"
	EventEmailVerified      = "auth.email.verified"
	EventAPIKeyIssued       = "auth.api_key.issued"
	EventAPIKeyRevoked      = "auth.api_key.revoked"
	EventMFAVerified        = "auth.mfa.verified"
	EventMFAFailed          = "auth.mfa.failed"
	EventMFAEnabled         = "auth.mfa.enabled"
	EventMFADisabled        = "auth.mfa.disabled"
	EventMFACodeSent        = "auth.mfa.code_sent"
	EventSessionEvicted     = "auth.session.evicted"
	EventCompanySwitched    = "auth.company.switched"
	EventMembershipGranted  = "auth.membership.granted"
	EventMembershipRevoked  = "auth.membership.revoked"
	EventInviteCreated      = "auth.invite.created"
	EventInviteAccepted     = "auth.invite.accepted"
	EventTokenIssued        = "oauth.token.issued"
	EventTokenRotated       = "oauth.token.rotated"
	EventTokenReuseDetected = "oauth.token.reuse_detected"
	EventTokenRevoked       = "oauth.token.revoked"
)

// Event is one append-only security record.
type Event struct {
	ID          string            `json:"id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Type        string            `json:"type"`
	ActorUserID string            `json:"actor_user_id,omitempty"`
	CompanyID   string            `json:"company_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Recorder appends events to durable storage.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Log wraps a Recorder: the event is persisted and mirrored to the JSON log.
// A nil Recorder degrades to log-only, which keeps tests and tooling simple.
type Log struct {
	store Recorder
	now   func() time.Time
}

// New builds a Log over the given durable recorder (may be nil).
func New(store Recorder) *Log {
	return &Log{store: store, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (l *Log) WithClock(fn func() time.Time) *Log {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Record appends the event. Persistence errors are returned but the log line
// is always emitted first so an outage never hides a security event entirely.
func (l *Log) Record(ctx context.Context, e Event) error {
	if strings.TrimSpace(e.Type) == "" {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	l.emit(e)
	if l.store == nil {
		return nil
	}
	return l.store.Record(ctx, e)
}

func (l *Log) emit(e Event) {
	entry := map[string]any{
		"ts":    e.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e.Type,
	}
	if e.ActorUserID != "" {
		entry["user_id"] = e.ActorUserID
	}
	if e.CompanyID != "" {
		entry["company_id"] = e.CompanyID
	}
	if e.SessionID != "" {
		entry["session_id"] = e.SessionID
	}
	if e.IP != "" {
		entry["ip"] = e.IP
	}
	if len(e.Metadata) > 0 {
		entry["fields"] = e.Metadata
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
