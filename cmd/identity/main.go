package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/moneygrid/identity/internal/adapter/cache"
	"github.com/moneygrid/identity/internal/authz"
	"github.com/moneygrid/identity/internal/bootstrap"
	"github.com/moneygrid/identity/internal/config"
	"github.com/moneygrid/identity/internal/events"
	httptransport "github.com/moneygrid/identity/internal/http"
	"github.com/moneygrid/identity/internal/http/handler"
	"github.com/moneygrid/identity/internal/jwt"
	apimiddleware "github.com/moneygrid/identity/internal/middleware"
	"github.com/moneygrid/identity/internal/repository"
	"github.com/moneygrid/identity/internal/server"
	"github.com/moneygrid/identity/internal/service"
	"github.com/moneygrid/identity/internal/session"
	"github.com/moneygrid/identity/internal/telemetry"
	"github.com/moneygrid/identity/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newUserRepository,
			newSessionRepository,
			newRefreshTokenRepository,
			newPATRepository,
			newMembershipRepository,
			newClientRepository,
			newCodeRepository,
			newKeyRepository,
			newEmitter,
			newCodec,
			newKeyStore,
			newTokenGenerator,
			newSessionConfig,
			newSessionManager,
			newEngine,
			newTokenService,
			newPATService,
			newVerifier,
			newRateLimiter,
			handler.NewTokenHandler,
			handler.NewPATHandler,
			handler.NewMeHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newRefreshTokenRepository(pool *pgxpool.Pool) repository.RefreshTokenRepository {
	return repository.NewPostgresRefreshTokenRepo(pool)
}

func newPATRepository(pool *pgxpool.Pool) repository.PATRepository {
	return repository.NewPostgresPATRepo(pool)
}

func newMembershipRepository(pool *pgxpool.Pool) repository.MembershipRepository {
	return repository.NewPostgresMembershipRepo(pool)
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	return repository.NewPostgresClientRepo(pool)
}

func newCodeRepository(cfg config.Config, pool *pgxpool.Pool, client redis.UniversalClient) repository.CodeRepository {
	if cfg.CodeStore == "postgres" {
		return repository.NewPostgresCodeRepo(pool)
	}
	return cacheadapter.NewRedisCodeStore(client)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newEmitter(logger *zap.Logger) events.Emitter {
	return events.NewZapEmitter(logger)
}

func newCodec(cfg config.Config) (*token.Codec, error) {
	return token.NewCodec(cfg.TokenHashKeys, cfg.TokenHashActiveKID)
}

func newKeyStore(keys repository.KeyRepository, node *snowflake.Node, logger *zap.Logger) (*jwt.KeyStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loaded, err := bootstrap.EnsureSigningKeys(ctx, keys, node, logger)
	if err != nil {
		return nil, err
	}
	return jwt.NewKeyStore(loaded)
}

func newTokenGenerator(keys *jwt.KeyStore, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(keys, cfg.Issuer, cfg.Audience, cfg.AccessTokenTTL)
}

func newSessionConfig(cfg config.Config) session.Config {
	return session.Config{
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		SessionIdleTTL:  cfg.SessionIdleTTL,
		SessionMaxTTL:   cfg.SessionMaxTTL,
	}
}

func newSessionManager(
	sessions repository.SessionRepository,
	tokens repository.RefreshTokenRepository,
	users repository.UserRepository,
	codec *token.Codec,
	node *snowflake.Node,
	emitter events.Emitter,
	cfg session.Config,
	logger *zap.Logger,
) *session.Manager {
	return session.NewManager(sessions, tokens, users, codec, node, emitter, cfg, logger)
}

func newEngine(memberships repository.MembershipRepository, logger *zap.Logger) *authz.Engine {
	return authz.NewEngine(memberships, logger)
}

func newTokenService(
	clients repository.ClientRepository,
	codes repository.CodeRepository,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	manager *session.Manager,
	generator *jwt.Generator,
	codec *token.Codec,
	node *snowflake.Node,
	emitter events.Emitter,
	cfg session.Config,
	logger *zap.Logger,
) *service.TokenService {
	return service.NewTokenService(clients, codes, users, sessions, manager, generator, codec, node, emitter, cfg, logger)
}

func newPATService(
	pats repository.PATRepository,
	codec *token.Codec,
	node *snowflake.Node,
	emitter events.Emitter,
	logger *zap.Logger,
) *service.PATService {
	return service.NewPATService(pats, codec, node, emitter, logger)
}

func newVerifier(
	pats repository.PATRepository,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	engine *authz.Engine,
	generator *jwt.Generator,
	codec *token.Codec,
	emitter events.Emitter,
	logger *zap.Logger,
) *service.Verifier {
	return service.NewVerifier(pats, users, sessions, engine, generator, codec, emitter, nil, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
