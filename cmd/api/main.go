package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/sol-portal/change-request-service/internal/api/http"
	"github.com/sol-portal/change-request-service/internal/api/http/handlers"
	"github.com/sol-portal/change-request-service/internal/auth"
	"github.com/sol-portal/change-request-service/internal/config"
	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/events"
	"github.com/sol-portal/change-request-service/internal/observability"
	"github.com/sol-portal/change-request-service/internal/persistence"
	"github.com/sol-portal/change-request-service/internal/repository"
	"github.com/sol-portal/change-request-service/internal/repository/memory"
	"github.com/sol-portal/change-request-service/internal/scm/github"
	"github.com/sol-portal/change-request-service/internal/scmsync"
	"github.com/sol-portal/change-request-service/internal/service"
	"github.com/sol-portal/change-request-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()

	deps := service.WorkflowDependencies{
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	}
	var authUsers repository.UserRepository
	if pg.Enabled() {
		pool := pg.PoolHandle()
		deps.ChangeRequestRepo = repository.NewChangeRequestRepository(pool)
		deps.CommentRepo = repository.NewCommentRepository(pool)
		deps.HistoryRepo = repository.NewHistoryRepository(pool)
		deps.UserRepo = repository.NewUserRepository(pool)
		authUsers = deps.UserRepo
	} else {
		logger.Warn("running on the in-memory store; data is lost on restart and token roles are trusted")
		store := memory.NewStore()
		users, err := devUsers(cfg)
		if err != nil {
			logger.Fatal("invalid dev users", zap.Error(err))
		}
		for _, u := range users {
			store.PutUser(u)
		}
		if !anyDeveloper(users) {
			logger.Warn("no developer in AUTH_DEV_USERS; assignments will be rejected until one is configured")
		}
		deps.ChangeRequestRepo = store.ChangeRequests()
		deps.CommentRepo = store.Comments()
		deps.HistoryRepo = store.History()
		deps.UserRepo = store.Users()
		deps.Idempotency = store.Idempotency(cfg.Idempotency.TTL())
	}
	if redis.Enabled() {
		deps.Idempotency = repository.NewRedisIdempotencyStore(redis.Client, cfg.Idempotency.TTL())
	} else if deps.Idempotency == nil {
		deps.Idempotency = memory.NewStore().Idempotency(cfg.Idempotency.TTL())
	}

	requestService := service.NewChangeRequestService(deps)
	technicalService := service.NewTechnicalService(deps)
	assignmentService := service.NewAssignmentService(deps)
	commentService := service.NewCommentService(deps)

	notificationService := service.NewNotificationService(dispatcher, logger, cfg.Notification)
	worker.StartNotificationWorker(notificationService)

	var syncWorker worker.SyncWorker
	if cfg.Sync.Enabled {
		poller, err := newPoller(cfg, deps, requestService, redis, metrics, logger)
		if err != nil {
			logger.Fatal("failed to configure source-control sync", zap.Error(err))
		}
		syncWorker = poller
	}
	stopSync, err := worker.StartSyncWorker(ctx, syncWorker, logger)
	if err != nil {
		logger.Fatal("failed to start source-control sync", zap.Error(err))
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens, authUsers)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		ChangeRequests: handlers.NewChangeRequestsHandler(requestService, technicalService, assignmentService, commentService),
		Catalog:        handlers.NewCatalogHandler(assignmentService),
		Metrics:        metrics,
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	stopSync()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func newPoller(cfg *config.Config, deps service.WorkflowDependencies, requests *service.ChangeRequestService,
	redis *persistence.Redis, metrics *observability.Metrics, logger *zap.Logger) (*scmsync.Poller, error) {
	client := github.NewClient(cfg.SourceControl.GitHubToken, cfg.SourceControl.GitHubOwner, cfg.SourceControl.GitHubRepo).
		WithBaseURL(cfg.SourceControl.GitHubBaseURL)
	client.HTTPClient.Timeout = cfg.SourceControl.Timeout()

	pollerDeps := scmsync.PollerDependencies{
		Provider:     client,
		Requests:     requests,
		RequestsRepo: deps.ChangeRequestRepo,
		Users:        deps.UserRepo,
		Metrics:      metrics,
		Logger:       logger,
	}
	if redis.Enabled() {
		pollerDeps.Locker = scmsync.NewRedisLocker(redis.Client, scmsync.DefaultLockKey)
	}
	return scmsync.NewPoller(scmsync.Options{
		Interval:      cfg.Sync.Interval(),
		CycleTimeout:  cfg.Sync.CycleTimeout(),
		ActorID:       cfg.Sync.ActorID,
		BranchPattern: cfg.Sync.BranchPattern,
		LockTTL:       cfg.Sync.LockTTL(),
	}, pollerDeps)
}

// devUsers builds the in-memory user table from AUTH_DEV_USERS plus the sync actor.
func devUsers(cfg *config.Config) ([]domain.User, error) {
	var users []domain.User
	seen := make(map[string]bool)
	for _, u := range cfg.Auth.DevUsers {
		role := domain.Role(u.Role)
		if !role.Valid() || role == domain.RoleSystem {
			return nil, fmt.Errorf("user %s has unknown role %s", u.ID, u.Role)
		}
		users = append(users, domain.User{ID: u.ID, Name: u.Name, Role: role, Active: true})
		seen[u.ID] = true
	}
	if cfg.Sync.Enabled && !seen[cfg.Sync.ActorID] {
		users = append(users, domain.User{ID: cfg.Sync.ActorID, Name: "Source-control sync", Role: domain.RoleAdministrator, Active: true})
	}
	return users, nil
}

func anyDeveloper(users []domain.User) bool {
	for _, u := range users {
		if u.Role.CanDevelop() {
			return true
		}
	}
	return false
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
