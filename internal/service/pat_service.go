package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/events"
	"github.com/moneygrid/identity/internal/repository"
	"github.com/moneygrid/identity/internal/token"
)

// CreatePATInput describes a new personal access token.
type CreatePATInput struct {
	UserID      int64
	Name        string
	Scopes      []string
	WorkspaceID *int64
	ExpiresAt   *time.Time
}

// CreatedPAT carries the one-time raw secret next to the stored record.
type CreatedPAT struct {
	Raw    string
	Record domain.PersonalAccessToken
}

// PATService manages the personal-access-token lifecycle. Tokens are
// soft-revoked and kept for audit; only the name is mutable.
type PATService struct {
	pats    repository.PATRepository
	codec   *token.Codec
	node    *snowflake.Node
	emitter events.Emitter
	logger  *zap.Logger
}

// NewPATService wires the service.
func NewPATService(pats repository.PATRepository, codec *token.Codec, node *snowflake.Node, emitter events.Emitter, logger *zap.Logger) *PATService {
	if logger == nil {
		logger = zap.L()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &PATService{pats: pats, codec: codec, node: node, emitter: emitter, logger: logger}
}

// Create mints a token and returns the raw value exactly once.
func (s *PATService) Create(ctx context.Context, in CreatePATInput) (CreatedPAT, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return CreatedPAT{}, fmt.Errorf("create pat: name is required")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return CreatedPAT{}, fmt.Errorf("create pat: expiry not in the future")
	}

	opaque, err := s.codec.Generate(token.PrefixPAT)
	if err != nil {
		return CreatedPAT{}, fmt.Errorf("create pat: %w", err)
	}
	record := domain.PersonalAccessToken{
		ID:          s.node.Generate().Int64(),
		UserID:      in.UserID,
		WorkspaceID: in.WorkspaceID,
		Name:        name,
		Scopes:      in.Scopes,
		Secret:      s.codec.Hash(opaque.Secret),
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.pats.Create(ctx, record)
	if err != nil {
		return CreatedPAT{}, fmt.Errorf("persist pat: %w", err)
	}

	opaque.ID = token.FormatID(created.ID)
	s.emitter.Emit(ctx, events.Event{Type: events.TypePATCreated, UserID: in.UserID, TokenID: created.ID})
	return CreatedPAT{Raw: opaque.String(), Record: created}, nil
}

// List returns the owner's tokens, envelopes and all, for management UIs.
func (s *PATService) List(ctx context.Context, userID int64) ([]domain.PersonalAccessToken, error) {
	tokens, err := s.pats.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pats: %w", err)
	}
	return tokens, nil
}

// Rename changes the display name, which stays unique per owner.
func (s *PATService) Rename(ctx context.Context, userID, tokenID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename pat: name is required")
	}
	if _, err := s.ownedPAT(ctx, userID, tokenID); err != nil {
		return err
	}
	if err := s.pats.Rename(ctx, tokenID, name); err != nil {
		return fmt.Errorf("rename pat: %w", err)
	}
	return nil
}

// Revoke soft-revokes the token. Idempotent.
func (s *PATService) Revoke(ctx context.Context, userID, tokenID int64) error {
	if _, err := s.ownedPAT(ctx, userID, tokenID); err != nil {
		return err
	}
	if err := s.pats.Revoke(ctx, tokenID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke pat: %w", err)
	}
	s.emitter.Emit(ctx, events.Event{Type: events.TypePATRevoked, UserID: userID, TokenID: tokenID})
	return nil
}

func (s *PATService) ownedPAT(ctx context.Context, userID, tokenID int64) (domain.PersonalAccessToken, error) {
	pat, err := s.pats.GetByID(ctx, tokenID)
	if err != nil {
		return domain.PersonalAccessToken{}, fmt.Errorf("load pat: %w", err)
	}
	if pat.UserID != userID {
		return domain.PersonalAccessToken{}, domain.ErrForbidden
	}
	return pat, nil
}
