package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/SyndewTech/Oluso-sub001/internal/adapter/cache"
	"github.com/SyndewTech/Oluso-sub001/internal/adapter/notify"
	"github.com/SyndewTech/Oluso-sub001/internal/ciba"
	"github.com/SyndewTech/Oluso-sub001/internal/config"
	"github.com/SyndewTech/Oluso-sub001/internal/device"
	"github.com/SyndewTech/Oluso-sub001/internal/domain"
	"github.com/SyndewTech/Oluso-sub001/internal/dpop"
	"github.com/SyndewTech/Oluso-sub001/internal/grant"
	oluhttp "github.com/SyndewTech/Oluso-sub001/internal/http"
	"github.com/SyndewTech/Oluso-sub001/internal/keys"
	"github.com/SyndewTech/Oluso-sub001/internal/middleware"
	"github.com/SyndewTech/Oluso-sub001/internal/repository"
	"github.com/SyndewTech/Oluso-sub001/internal/server"
	"github.com/SyndewTech/Oluso-sub001/internal/service"
	"github.com/SyndewTech/Oluso-sub001/internal/telemetry"
	"github.com/SyndewTech/Oluso-sub001/internal/token"
)

func main() {
	fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			newPool,
			newRedis,
			newSnowflakeNode,

			newStores,
			newKeyService,
			newDPoPValidator,
			newTokenService,
			newCibaService,
			newDeviceService,
			newGrantRegistry,
			newCoordinator,

			newHandler,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(registerTelemetry, registerRotationSweep, registerServer),
	).Run()
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func newPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func newRedis(lc fx.Lifecycle, cfg config.Config) redis.UniversalClient {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// stores bundles the persistence interfaces built on postgres and redis.
type stores struct {
	fx.Out

	Clients repository.ClientStore
	Users   repository.UserStore
	Codes   repository.AuthorizationCodeStore
	Refresh repository.RefreshTokenStore
	Keys    repository.SigningKeyStore
	Ciba    repository.CibaRequestStore
	Devices repository.DeviceAuthorizationStore
	State   repository.ProtocolStateStore
	Nonces  repository.NonceStore
}

func newStores(pool *pgxpool.Pool, rdb redis.UniversalClient) stores {
	return stores{
		Clients: repository.NewPostgresClientStore(pool),
		Users:   repository.NewPostgresUserStore(pool),
		Codes:   repository.NewPostgresCodeStore(pool),
		Refresh: repository.NewPostgresRefreshTokenStore(pool),
		Keys:    repository.NewPostgresSigningKeyStore(pool),
		Ciba:    repository.NewPostgresCibaStore(pool),
		Devices: repository.NewPostgresDeviceStore(pool),
		State:   cache.NewRedisStateStore(rdb),
		Nonces:  cache.NewRedisNonceStore(rdb),
	}
}

func newKeyService(cfg config.Config, store repository.SigningKeyStore, logger *zap.Logger) (*keys.Service, error) {
	masterKey, err := decodeMasterKey(cfg.KeyMasterKey)
	if err != nil {
		return nil, err
	}
	local, err := keys.NewLocalProvider(masterKey)
	if err != nil {
		return nil, err
	}
	providers := []keys.MaterialProvider{local}

	if cfg.KMSEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		providers = append(providers, keys.NewKMSProvider(kms.NewFromConfig(awsCfg)))
	}

	policy := keys.RotationPolicy{
		RotationLead:     cfg.KeyRotateLead,
		GracePeriod:      cfg.KeyGrace,
		MaxKeys:          10,
		AutoProvision:    true,
		DefaultType:      domain.KeyTypeRSA,
		DefaultAlgorithm: cfg.KeyAlgorithm,
		DefaultSize:      2048,
		DefaultTTL:       cfg.KeyTTL,
	}
	return keys.NewService(store, cfg.KeyBackend, policy, logger, providers...)
}

// decodeMasterKey accepts a 64-char hex string or 32 raw bytes.
func decodeMasterKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		if decoded, err := hex.DecodeString(raw); err == nil {
			return decoded, nil
		}
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("KEY_MASTER_KEY must be 32 bytes (raw or hex)")
}

func newDPoPValidator(nonces repository.NonceStore, logger *zap.Logger) *dpop.Validator {
	return dpop.NewValidator(nonces, logger)
}

func newTokenService(cfg config.Config, keySvc *keys.Service, refresh repository.RefreshTokenStore, node *snowflake.Node, logger *zap.Logger) *token.Service {
	return token.NewService(keySvc, refresh, node, cfg.Issuer, logger)
}

func newCibaService(cfg config.Config, store repository.CibaRequestStore, state repository.ProtocolStateStore, logger *zap.Logger) *ciba.Service {
	return ciba.NewService(store, state, notify.NewHTTPNotifier(logger), ciba.Defaults{
		RequestLifetime: cfg.CibaRequestLifetime,
		PollInterval:    cfg.CibaPollInterval,
		MaxLifetime:     cfg.CibaMaxLifetime,
	}, logger)
}

func newDeviceService(cfg config.Config, store repository.DeviceAuthorizationStore, logger *zap.Logger) *device.Service {
	return device.NewService(store, device.Defaults{
		CodeLifetime:    cfg.DeviceCodeLifetime,
		PollInterval:    cfg.DevicePollInterval,
		VerificationURI: cfg.DeviceVerificationURI,
	}, logger)
}

func newGrantRegistry(
	cfg config.Config,
	codes repository.AuthorizationCodeStore,
	refresh repository.RefreshTokenStore,
	devices repository.DeviceAuthorizationStore,
	users repository.UserStore,
	keySvc *keys.Service,
	cibaSvc *ciba.Service,
	logger *zap.Logger,
) (*grant.Registry, error) {
	return grant.NewRegistry(logger,
		grant.NewAuthorizationCodeHandler(codes, logger),
		grant.NewRefreshTokenHandler(refresh, token.NewHandle, logger),
		grant.NewClientCredentialsHandler(),
		grant.NewDeviceCodeHandler(devices, logger),
		grant.NewPasswordHandler(users, logger),
		grant.NewTokenExchangeHandler(keySvc, cfg.Issuer, logger),
		grant.NewCibaHandler(cibaSvc),
	)
}

func newCoordinator(cfg config.Config, clients repository.ClientStore, registry *grant.Registry, validator *dpop.Validator, tokens *token.Service, logger *zap.Logger) *service.Coordinator {
	return service.NewCoordinator(clients, registry, validator, tokens, service.TokenTTLDefaults{
		AccessToken:   cfg.AccessTokenTTL,
		IdentityToken: cfg.IdentityTokenTTL,
		RefreshToken:  cfg.RefreshTokenTTL,
	}, logger)
}

func newHandler(cfg config.Config, coordinator *service.Coordinator, cibaSvc *ciba.Service, deviceSvc *device.Service, keySvc *keys.Service, registry *grant.Registry, logger *zap.Logger) *oluhttp.Handler {
	return oluhttp.NewHandler(coordinator, cibaSvc, deviceSvc, keySvc, registry, cfg.Issuer, cfg.JWKSCacheMaxAge, logger)
}

func newRouter(cfg config.Config, h *oluhttp.Handler, logger *zap.Logger) *gin.Engine {
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	return oluhttp.NewRouter(h, limiter, logger, cfg.ServiceName)
}

func registerTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) error {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: provider.Shutdown,
	})
	return nil
}

// registerRotationSweep drives the periodic key lifecycle sweep: expiring
// overdue keys, provisioning successors inside the rotation lead window and
// archiving keys past their grace period.
func registerRotationSweep(lc fx.Lifecycle, keySvc *keys.Service, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := keySvc.ProcessScheduledRotations(ctx); err != nil {
							logger.Error("key rotation sweep failed", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
				errCh <- srv.Run(ctx, ":"+cfg.HTTPPort)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case err := <-errCh:
				return err
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
