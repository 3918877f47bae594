// Package httpapi exposes the platform's HTTP surface: the event
// endpoints that trigger notifications, the FCM token registry, mirror
// status reads, the operator live view, and the websocket entry point.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/entities"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/sentry"
	"github.com/notifyhub/notifyhub/internal/socket"
	"github.com/notifyhub/notifyhub/internal/store"
	"github.com/notifyhub/notifyhub/internal/telemetry"
	"github.com/notifyhub/notifyhub/internal/tokens"
)

// Deps carries everything the API serves from.
type Deps struct {
	Config       config.Config
	Logger       *telemetry.Logger
	DB           *store.DB
	Substrate    queue.Substrate
	Topology     *queue.Topology
	Orchestrator *notification.Orchestrator
	Entities     *entities.Store
	Tokens       *tokens.Registry
	Pushes       notification.PushRepository
	Tracker      *telemetry.Tracker
	Hub          *socket.Hub
	Replay       *notification.ReplayService
}

// Server is the instance HTTP server.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the router and server.
func NewServer(deps Deps) *Server {
	if !deps.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sentry.GinMiddleware())
	r.Use(otelgin.Middleware("notifyhub"))
	r.Use(traceMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.Config.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", telemetry.TraceIDHeader},
		ExposeHeaders:    []string{telemetry.TraceIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{deps: deps}
	s.routes(r)

	s.http = &http.Server{
		Addr:         deps.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  deps.Config.RequestTimeout,
		WriteTimeout: 0, // websocket sessions outlive any write timeout
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

func (s *Server) routes(r *gin.Engine) {
	limiter := newRateLimiter(s.deps.Config.RateLimitWindow, s.deps.Config.RateLimitMax)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapF(s.deps.Hub.ServeWS))

	api := r.Group("/", limiter.middleware())

	// Business events. Each write persists the entity, then fans the
	// notification out; notification failures never fail the write.
	api.POST("/signups", s.handleCreateSignup)
	api.POST("/logins", s.handleCreateLogin)
	api.POST("/reset-passwords", s.handleCreateResetPassword)
	api.POST("/purchases", s.handleCreatePurchase)
	api.POST("/friend-requests", s.handleCreateFriendRequest)

	// Mirror status reads.
	api.GET("/signups/:id/welcome-email-status", s.mirrorStatus("signups", "welcome_email"))
	api.GET("/logins/:id/login-alert-email-status", s.mirrorStatus("logins", "login_alert_email"))
	api.GET("/logins/:id/login-in-app-notification-status", s.mirrorStatus("logins", "login_in_app_notification"))
	api.GET("/reset-passwords/:id/reset-email-status", s.mirrorStatus("reset_passwords", "reset_email"))
	api.GET("/purchases/:id/purchase-push-notification-status", s.mirrorStatus("purchases", "purchase_push_notification"))
	api.GET("/friend-requests/:id/friend-request-in-app-notification-status", s.mirrorStatus("friend_requests", "friend_request_in_app_notification"))

	// FCM token registry.
	api.POST("/fcm-tokens", s.handleRegisterToken)
	api.POST("/fcm-tokens/refresh", s.handleRefreshToken)
	api.DELETE("/fcm-tokens", s.handleRemoveToken)
	api.GET("/fcm-tokens/user/:userId", s.handleListUserTokens)
	api.GET("/fcm-tokens/statistics", s.handleTokenStatistics)
	api.POST("/fcm-tokens/mark-stale", s.handleMarkStaleTokens)
	api.POST("/fcm-tokens/cleanup", s.handleCleanupTokens)

	// Push notification tracking.
	api.GET("/push-notifications/purchase/:purchaseId/status", s.handlePushStatusByPurchase)
	api.PATCH("/push-notifications/:id/delivery-status", s.handlePushDeliveryStatus)
	api.POST("/push-notifications/:id/clicked", s.handlePushClicked)

	// Operator live view.
	live := api.Group("/live-view")
	live.GET("/status", s.handleLiveStatus)
	live.GET("/requests", s.handleLiveRequests)
	live.GET("/requests/:traceId", s.handleLiveRequest)
	live.GET("/queues", s.handleLiveQueues)
	live.GET("/connections", s.handleLiveConnections)
	live.POST("/simulate", s.handleSimulate)
	live.POST("/broadcast", s.handleBroadcast)
	live.POST("/queues/:name/replay", s.handleQueueReplay)
	live.POST("/queues/:name/pause", s.handleQueuePause)
	live.POST("/queues/:name/resume", s.handleQueueResume)
	live.POST("/queues/:name/clean", s.handleQueueClean)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.deps.Logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes socket sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Shutdown()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.DB.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, envelope{Success: false, Error: gin.H{
			"type":    "database",
			"message": "database unreachable",
		}})
		return
	}
	respondOK(c, gin.H{
		"status":   "ok",
		"instance": s.deps.Config.InstanceID,
	})
}
