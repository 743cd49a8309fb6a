package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parrotdial/parrot-voice-dashboard/internal/cache"
	"github.com/parrotdial/parrot-voice-dashboard/internal/config"
	"github.com/parrotdial/parrot-voice-dashboard/internal/event"
	"github.com/parrotdial/parrot-voice-dashboard/internal/reconciler"
	"github.com/parrotdial/parrot-voice-dashboard/internal/repository"
	"github.com/parrotdial/parrot-voice-dashboard/internal/session"
	"github.com/parrotdial/parrot-voice-dashboard/internal/telephony"
	"github.com/parrotdial/parrot-voice-dashboard/internal/voicebridge"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/pubsub"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/redis"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config         *config.Config
	repoManager    repository.RepositoryManager
	redisSvc       redis.ServiceInterface
	sessionManager *session.Manager
	agentCache     *cache.AgentCache
	bus            event.EventBus
	service        *reconciler.Service
	signer         *telephony.TokenSigner
	metrics        *pubsub.PubSubService
	limiter        *rate.Limiter
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	repoManager, err := repository.NewRepositoryManager()
	if err != nil {
		logger.Base().Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	// Redis backs the active-call registry, agent config cache and webhook
	// dedup. The dashboard still works without it, minus the active view.
	var redisSvc redis.ServiceInterface
	svc, err := redis.NewService(&redis.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err != nil {
		logger.Base().Warn("failed to initialize redis service, running without call registry", zap.Error(err))
	} else {
		redisSvc = svc
	}

	var sessionManager *session.Manager
	if redisSvc != nil {
		sessionManager = session.NewManager(redisSvc, cfg.InstanceID)
		logger.Base().Info("call registry initialized", zap.String("instance_id", cfg.InstanceID))
	}

	agentCache := cache.NewAgentCache(repoManager.VoiceAgents(), redisSvc)

	gateway := telephony.NewTwilioGateway(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicBaseURL)
	issuer := voicebridge.NewBridge(cfg.VoiceAPIBaseURL, cfg.VoiceAPIKey)
	signer := telephony.NewTokenSigner(cfg.WebhookTokenSecret, 24*time.Hour)
	bus := event.NewEventBus()

	service := reconciler.NewService(
		repoManager, gateway, issuer, signer, agentCache, bus,
		cfg.DefaultCallerID, cfg.AnswerWebhookTimeout,
	)

	var metrics *pubsub.PubSubService
	if cfg.PubSubProjectID != "" && cfg.PubSubTopic != "" {
		metrics, err = pubsub.NewPubSubService(context.Background(), &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopic,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize pubsub, metrics export disabled", zap.Error(err))
			metrics = nil
		}
	}

	hm := &HandlerManager{
		config:         cfg,
		repoManager:    repoManager,
		redisSvc:       redisSvc,
		sessionManager: sessionManager,
		agentCache:     agentCache,
		bus:            bus,
		service:        service,
		signer:         signer,
		metrics:        metrics,
		limiter:        rate.NewLimiter(rate.Limit(cfg.InitiateRateLimit), cfg.InitiateRateBurst),
	}
	hm.subscribeLifecycleEvents()

	return hm, nil
}

// subscribeLifecycleEvents wires the call registry and the metrics exporter
// to the reconciler's event stream.
func (hm *HandlerManager) subscribeLifecycleEvents() {
	if hm.sessionManager != nil {
		hm.bus.Subscribe(event.CallStatusChanged, func(ev *event.CallEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			record := ev.Record
			if record.Status.IsTerminal() {
				if err := hm.sessionManager.Unregister(ctx, record.ID); err != nil {
					logger.Base().Warn("failed to unregister call", zap.String("call_id", record.ID), zap.Error(err))
				}
				return
			}
			if err := hm.sessionManager.Register(ctx, session.ActiveCall{
				CallID:        record.ID,
				VoiceAgentID:  record.VoiceAgentID,
				ContactNumber: record.ContactNumber,
				Status:        string(record.Status),
				StartTime:     record.CreatedAt,
			}); err != nil {
				logger.Base().Warn("failed to register call", zap.String("call_id", record.ID), zap.Error(err))
			}
		})

		// Any instance can receive the hangup request; the broadcast lets the
		// rest converge. Hangup is idempotent on terminal records.
		hm.sessionManager.SubscribeToHangup(context.Background(), func(callID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := hm.service.Hangup(ctx, callID); err != nil {
				logger.Base().Warn("broadcast hangup failed", zap.String("call_id", callID), zap.Error(err))
			}
		})
	}

	if hm.metrics != nil {
		hm.bus.Subscribe(event.CallTerminated, func(ev *event.CallEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			record := ev.Record
			if err := hm.metrics.PublishCallMetricsEvent(ctx, pubsub.CallMetricsEvent{
				CallID:        record.ID,
				VoiceAgentID:  record.VoiceAgentID,
				ContactNumber: record.ContactNumber,
				Status:        string(record.Status),
				FailureReason: record.FailureReason,
				StartAt:       record.StartedAt,
				EndAt:         record.EndedAt,
				DurationSecs:  record.DurationSecs,
			}); err != nil {
				logger.Base().Warn("failed to export call metrics", zap.String("call_id", record.ID), zap.Error(err))
			}
		})
	}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	hm.SetupAPIRoutes(router)
	hm.SetupWebhookRoutes(router)

	router.HandleFunc("/health", hm.handleHealth).Methods("GET")

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up the JSON API routes and middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)

	callHandler := NewCallHandler(hm.service, hm.repoManager.CallRecords(), hm.sessionManager, hm.limiter)
	callHandler.SetupCallRoutes(apiRouter)

	agentHandler := NewAgentHandler(hm.repoManager.VoiceAgents(), hm.agentCache)
	agentHandler.SetupAgentRoutes(apiRouter)

	contactHandler := NewContactHandler(hm.repoManager.Contacts())
	contactHandler.SetupContactRoutes(apiRouter)

	router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods("OPTIONS")

	logger.Base().Info("api routes registered")
}

// SetupWebhookRoutes sets up provider callback routes on the root router,
// outside the JSON validation middleware
func (hm *HandlerManager) SetupWebhookRoutes(router *mux.Router) {
	webhookHandler := NewWebhookHandler(hm.service, hm.signer, hm.redisSvc)
	webhookHandler.SetupWebhookRoutes(router)

	logger.Base().Info("voice webhook routes registered")
}

// Close releases shared resources on shutdown.
func (hm *HandlerManager) Close() {
	hm.bus.Close()
	if hm.metrics != nil {
		hm.metrics.Close()
	}
	if err := hm.repoManager.Close(); err != nil {
		logger.Base().Warn("failed to close database", zap.Error(err))
	}
}

// GetService returns the call reconciler service
func (hm *HandlerManager) GetService() *reconciler.Service {
	return hm.service
}

// GetRepoManager returns the repository manager
func (hm *HandlerManager) GetRepoManager() repository.RepositoryManager {
	return hm.repoManager
}

func (hm *HandlerManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := hm.repoManager.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// handleCORS handles CORS preflight requests for API routes
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}
