package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/jwt"
	"github.com/moneygrid/identity/internal/repository"
)

// EnsureSigningKeys loads the persisted signing keys and mints the first one
// on an empty installation. Rotation is operational: insert a new active key,
// flip the old one inactive, restart.
func EnsureSigningKeys(ctx context.Context, keys repository.KeyRepository, node *snowflake.Node, logger *zap.Logger) ([]domain.SigningKey, error) {
	if logger == nil {
		logger = zap.L()
	}

	existing, err := keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	for _, key := range existing {
		if key.Active && key.RetiredAt == nil {
			return existing, nil
		}
	}

	fresh, err := jwt.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	fresh.ID = node.Generate().Int64()
	fresh.CreatedAt = time.Now().UTC()

	created, err := keys.Create(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	logger.Info("bootstrapped signing key", zap.String("kid", created.KID))
	return append(existing, created), nil
}
