package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/grading"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "takes_admin_subject"
	schedulerSecretHeader  = "X-Scheduler-Secret"
	twilioSignatureHeader  = "X-Twilio-Signature"
)

var (
	errMissingTakes           = errors.New("take service dependency required")
	errMissingConversations   = errors.New("conversation engine dependency required")
	errMissingScheduler       = errors.New("scheduler dependency required")
	errMissingGrader          = errors.New("grading engine dependency required")
	errMissingAdminAuthorizer = errors.New("admin authorizer dependency required")
	errMissingSchedulerSecret = errors.New("scheduler secret dependency required")
)

// TakeService records takes and reads tallies.
type TakeService interface {
	Submit(ctx context.Context, request takes.SubmitRequest) (takes.SubmitResult, error)
	Tally(ctx context.Context, propID string) (takes.Tally, error)
	LatestForPack(ctx context.Context, identity, packID string) ([]takes.Take, error)
}

// InboundHandler applies inbound SMS to conversations.
type InboundHandler interface {
	HandleInbound(ctx context.Context, message conversations.InboundMessage) conversations.InboundResult
}

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
}

// Grader applies prop outcomes.
type Grader interface {
	GradeProps(ctx context.Context, updates []grading.GradeUpdate) grading.Report
}

// AdminAuthorizer validates operator requests.
type AdminAuthorizer interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

// SecretVerifier checks the scheduler shared secret.
type SecretVerifier interface {
	Verify(presented string) error
}

// SignatureValidator checks a webhook signature over the URL and form parameters.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// Dependencies wires the HTTP surface to the services.
type Dependencies struct {
	Takes           TakeService
	Conversations   InboundHandler
	Scheduler       Ticker
	Grader          Grader
	AdminAuthorizer AdminAuthorizer
	SchedulerSecret SecretVerifier
	// Limiter throttles web take submissions per client IP when set.
	Limiter ratelimit.Limiter
	// SignatureValidator rejects unsigned SMS webhooks when set.
	SignatureValidator SignatureValidator
	WebhookURL         string
	Realtime           *RealtimeDispatcher
	AllowedOrigins     []string
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Takes == nil:
		return nil, errMissingTakes
	case deps.Conversations == nil:
		return nil, errMissingConversations
	case deps.Scheduler == nil:
		return nil, errMissingScheduler
	case deps.Grader == nil:
		return nil, errMissingGrader
	case deps.AdminAuthorizer == nil:
		return nil, errMissingAdminAuthorizer
	case deps.SchedulerSecret == nil:
		return nil, errMissingSchedulerSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		takes:           deps.Takes,
		conversations:   deps.Conversations,
		scheduler:       deps.Scheduler,
		grader:          deps.Grader,
		admin:           deps.AdminAuthorizer,
		schedulerSecret: deps.SchedulerSecret,
		limiter:         deps.Limiter,
		signatures:      deps.SignatureValidator,
		webhookURL:      deps.WebhookURL,
		realtime:        realtime,
		logger:          logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/takes", handler.rateLimit, handler.handleSubmitTake)
	router.GET("/props/:id/tally", handler.handleTally)
	router.GET("/props/:id/stream", handler.handleTallyStream)
	router.GET("/packs/:id/takes", handler.handlePackTakes)
	router.POST("/sms/inbound", handler.handleInboundSMS)
	router.POST("/scheduler/tick", handler.handleSchedulerTick)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/grade", handler.handleGrade)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", schedulerSecretHeader},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	takes           TakeService
	conversations   InboundHandler
	scheduler       Ticker
	grader          Grader
	admin           AdminAuthorizer
	schedulerSecret SecretVerifier
	limiter         ratelimit.Limiter
	signatures      SignatureValidator
	webhookURL      string
	realtime        *RealtimeDispatcher
	logger          *zap.Logger
}

// rateLimit lets requests through when the limiter is unavailable.
func (h *httpHandler) rateLimit(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	allowed, err := h.limiter.Allow(c.Request.Context(), c.ClientIP())
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.Error(err))
		c.Next()
		return
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate_limited"})
		return
	}
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.admin.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("admin token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) handleSchedulerTick(c *gin.Context) {
	if err := h.schedulerSecret.Verify(c.GetHeader(schedulerSecretHeader)); err != nil {
		h.logger.Warn("scheduler tick rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	result, err := h.scheduler.Tick(c.Request.Context())
	if err != nil {
		h.logger.Error("scheduler tick failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tick_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"openedCount": result.OpenedCount, "liveCount": result.LiveCount})
}

// errorCode prefers the dotted code of service errors.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return err.Error()
}
