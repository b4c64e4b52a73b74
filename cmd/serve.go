package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-enroll/internal/auth"
	"github.com/example/face-enroll/internal/config"
	"github.com/example/face-enroll/internal/faceservice"
	"github.com/example/face-enroll/internal/handlers"
	"github.com/example/face-enroll/internal/identity"
	"github.com/example/face-enroll/internal/repository"
	"github.com/example/face-enroll/internal/storage"
	"github.com/example/face-enroll/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrollment API gateway",
	Long: `Start the HTTP gateway used by capture clients. It proxies face
processing, resolves students against the identity provider and stores
captured images in the configured bucket.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Address to listen on (overrides HTTP_ADDR)")
}

// closers release the clients opened during startup, in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = multierr.Append(err, c[i]())
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if addr := mustGetString(cmd, "addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	var resources closers
	defer func() {
		if err := resources.close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	uc, err := buildUseCase(ctx, cfg, logger, &resources)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("enrollment gateway listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Any("storage", uc.StorageStatus()["backends"]))
	return serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
}

// buildUseCase wires the collaborators. Redis and Postgres are optional:
// without them the lookup cache and the audit log are disabled.
func buildUseCase(ctx context.Context, cfg *config.Config, logger *zap.Logger, resources *closers) (*usecase.EnrollmentUseCase, error) {
	var repo usecase.UploadLogRepository
	if cfg.Database.DSN != "" {
		db, err := initDatabase(ctx, cfg.Database, cfg.Debug)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access db handle: %w", err)
		}
		resources.add(sqlDB.Close)
		repo = repository.NewUploadLogRepository(db, logger)
	} else {
		logger.Warn("DATABASE_DSN not set, upload audit log disabled")
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := initRedis(redisCtx, cfg.Redis)
		redisCancel()
		if err != nil {
			return nil, err
		}
		resources.add(client.Close)
		cache = usecase.NewRedisCache(client, cfg.Redis.KeyPrefix)
	} else {
		logger.Warn("REDIS_ADDR not set, lookup cache disabled")
	}

	images, metadata, err := initStorage(ctx, cfg.Storage, logger, resources)
	if err != nil {
		return nil, err
	}

	face := faceservice.NewHTTPClient(cfg.FaceService.URL, cfg.FaceService.ProcessTimeout, cfg.FaceService.DetectTimeout, logger)
	lookup := identity.NewClient(cfg.Identity.TokenURL, cfg.Identity.EnrollmentURL, cfg.Identity.AuthHeader, cfg.Identity.Timeout, logger)

	return usecase.NewEnrollmentUseCase(lookup, face, images, metadata, repo, cache, logger, usecase.Options{
		LookupCacheTTL:      cfg.Identity.LookupCacheTTL,
		MaxImageBytes:       cfg.Server.MaxImageBytes,
		UploadConcurrency:   cfg.Server.UploadConcurrency,
		AllowManualFallback: cfg.Identity.AllowManualFallback,
		StorageStatus:       storageStatus(cfg.Storage),
	}), nil
}

func newHandler(cfg *config.Config, uc *usecase.EnrollmentUseCase, logger *zap.Logger) http.Handler {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handlers.RequestLogger(logger), gin.Recovery())
	router.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(router, uc, authMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", handlers.RequestIDHeader},
		ExposedHeaders: []string{handlers.RequestIDHeader},
	})
	return c.Handler(router)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := repository.Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// initStorage builds the image store chain: the configured cloud backend
// first, then the local directory when one is set.
func initStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger, resources *closers) (*storage.Chain, storage.MetadataStore, error) {
	var stores []storage.ImageStore

	switch cfg.Backend {
	case "cloudinary":
		store, err := storage.NewCloudinaryStore(cfg.CloudinaryURL, cfg.PathPrefix)
		if err != nil {
			logger.Warn("cloudinary store disabled", zap.Error(err))
		} else {
			stores = append(stores, store)
		}
	default:
		if cfg.Bucket == "" {
			logger.Warn("STORAGE_BUCKET not set, cloud storage disabled")
			break
		}
		client, err := storage.NewStorageClient(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		resources.add(client.Close)
		stores = append(stores, storage.NewGCSStore(client, cfg.Bucket, cfg.PathPrefix))
	}

	if cfg.FallbackDir != "" {
		stores = append(stores, storage.NewLocalStore(cfg.FallbackDir, cfg.PathPrefix))
	}

	var metadata storage.MetadataStore
	if cfg.Metadata {
		client, err := storage.NewFirestoreClient(ctx, cfg.ProjectID, cfg.CredentialsFile)
		if err != nil {
			logger.Warn("firestore metadata disabled", zap.Error(err))
		} else {
			resources.add(client.Close)
			metadata = storage.NewFirestoreMetadata(client)
		}
	}

	return storage.NewChain(logger, stores...), metadata, nil
}

// storageStatus reports which settings are present, never their values.
func storageStatus(cfg config.StorageConfig) map[string]any {
	return map[string]any{
		"backend":                cfg.Backend,
		"path_prefix":            cfg.PathPrefix,
		"bucket_configured":      cfg.Bucket != "",
		"project_id_configured":  cfg.ProjectID != "",
		"credentials_file_set":   cfg.CredentialsFile != "",
		"cloudinary_configured":  cfg.CloudinaryURL != "",
		"local_fallback_enabled": cfg.FallbackDir != "",
		"firestore_metadata":     cfg.Metadata,
	}
}
