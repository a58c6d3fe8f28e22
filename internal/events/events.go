package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the core. The core never stores audit records
// itself; consumers subscribe through an Emitter.
const (
	TypeSessionCreated    = "session.created"
	TypeSessionRevoked    = "session.revoked"
	TypeRefreshIssued     = "refresh_token.issued"
	TypeRefreshRotated    = "refresh_token.rotated"
	TypeRefreshReuse      = "refresh_token.reuse_detected"
	TypePATCreated        = "pat.created"
	TypePATRevoked        = "pat.revoked"
	TypeCodeIssued        = "authorization_code.issued"
	TypeCodeRedeemed      = "authorization_code.redeemed"
	TypeTokenVerifyFailed = "token.verify_failed"
)

// Event is one audit-relevant occurrence. Reason carries the internal,
// specific failure code that external responses deliberately omit.
type Event struct {
	Type        string
	At          time.Time
	UserID      int64
	SessionID   int64
	TokenID     int64
	FamilyID    string
	ClientID    string
	WorkspaceID int64
	Reason      string
}

// Emitter receives events after the triggering state change has been applied.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// ZapEmitter writes events as structured log lines.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter builds the default emitter.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.L()
	}
	return &ZapEmitter{logger: logger}
}

// Emit logs the event with non-zero fields only.
func (e *ZapEmitter) Emit(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("event", event.Type),
		zap.Time("at", event.At),
	}
	if event.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", event.UserID))
	}
	if event.SessionID != 0 {
		fields = append(fields, zap.Int64("session_id", event.SessionID))
	}
	if event.TokenID != 0 {
		fields = append(fields, zap.Int64("token_id", event.TokenID))
	}
	if event.FamilyID != "" {
		fields = append(fields, zap.String("family_id", event.FamilyID))
	}
	if event.ClientID != "" {
		fields = append(fields, zap.String("client_id", event.ClientID))
	}
	if event.WorkspaceID != 0 {
		fields = append(fields, zap.Int64("workspace_id", event.WorkspaceID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	e.logger.Info("audit", fields...)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}
