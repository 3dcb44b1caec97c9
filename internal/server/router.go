package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/auth"
	"github.com/hitzeman/RunNote/internal/oauth"
	"github.com/hitzeman/RunNote/internal/synchronizer"
	"github.com/hitzeman/RunNote/internal/users"
	"github.com/hitzeman/RunNote/internal/webhook"
	"go.uber.org/zap"
)

const athleteIDContextKey = "runnote_athlete_id"

const defaultSyncWindowWeeks = 4

var (
	errMissingFlow       = errors.New("authorization flow dependency required")
	errMissingGateway    = errors.New("webhook gateway dependency required")
	errMissingReconciler = errors.New("reconciler dependency required")
	errMissingActivities = errors.New("activity store dependency required")
	errMissingUsers      = errors.New("user service dependency required")
	errMissingSessions   = errors.New("session manager dependency required")
)

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Flow       *oauth.FlowController
	Webhooks   *webhook.Gateway
	Reconciler *synchronizer.Reconciler
	Activities *activities.Store
	Users      *users.Service
	Sessions   *auth.SessionManager
	BaseURL    string
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router serving the OAuth flow, the webhook
// endpoint pair, and the session-protected JSON API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Flow == nil {
		return nil, errMissingFlow
	}
	if deps.Webhooks == nil {
		return nil, errMissingGateway
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Activities == nil {
		return nil, errMissingActivities
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{deps.BaseURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		flow:       deps.Flow,
		webhooks:   deps.Webhooks,
		reconciler: deps.Reconciler,
		activities: deps.Activities,
		users:      deps.Users,
		sessions:   deps.Sessions,
		baseURL:    strings.TrimSuffix(deps.BaseURL, "/"),
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/auth/strava", handler.handleAuthBegin)
	router.GET("/auth/strava/callback", handler.handleAuthCallback)
	router.GET("/webhooks/strava", handler.handleWebhookVerify)
	router.POST("/webhooks/strava", handler.handleWebhookEvent)

	api := router.Group("/api")
	api.Use(handler.authorizeSession)
	api.POST("/sync", handler.handleSync)
	api.GET("/activities", handler.handleActivitiesList)

	return router, nil
}

type httpHandler struct {
	flow       *oauth.FlowController
	webhooks   *webhook.Gateway
	reconciler *synchronizer.Reconciler
	activities *activities.Store
	users      *users.Service
	sessions   *auth.SessionManager
	baseURL    string
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleAuthBegin(c *gin.Context) {
	target, err := h.flow.BeginAuthorization(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to begin authorization", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization_unavailable"})
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *httpHandler) handleAuthCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	deniedReason := c.Query("error")

	result, err := h.flow.CompleteAuthorization(c.Request.Context(), code, state, deniedReason)
	if err != nil {
		c.Redirect(http.StatusFound, h.connectRedirect(callbackOutcome(err)))
		return
	}

	if _, err := h.users.EnsureUser(c.Request.Context(), result.AthleteID, result.AthleteName); err != nil {
		h.logger.Error("failed to persist local account", zap.Error(err))
		c.Redirect(http.StatusFound, h.connectRedirect("failed"))
		return
	}

	token, expiresAt, err := h.sessions.Issue(result.AthleteID)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		c.Redirect(http.StatusFound, h.connectRedirect("failed"))
		return
	}

	c.SetCookie(
		h.sessions.CookieName(),
		token,
		int(time.Until(expiresAt).Seconds()),
		"/",
		"",
		strings.HasPrefix(h.baseURL, "https://"),
		true,
	)
	c.Redirect(http.StatusFound, h.connectRedirect("ok"))
}

// callbackOutcome maps flow errors onto the query value the frontend shows
// the athlete. All of them mean "restart the flow".
func callbackOutcome(err error) string {
	switch {
	case errors.Is(err, oauth.ErrAccessDenied):
		return "denied"
	case errors.Is(err, oauth.ErrExpiredState):
		return "expired"
	case errors.Is(err, oauth.ErrInvalidState), errors.Is(err, oauth.ErrMissingParameters):
		return "invalid"
	default:
		return "failed"
	}
}

func (h *httpHandler) connectRedirect(outcome string) string {
	return h.baseURL + "/?connect=" + url.QueryEscape(outcome)
}

func (h *httpHandler) handleWebhookVerify(c *gin.Context) {
	challenge, ok := h.webhooks.VerifySubscription(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hub.challenge": challenge})
}

// handleWebhookEvent always acknowledges. A non-200 here makes the platform
// redeliver, turning one transient internal fault into a retry storm, so
// processing failures are logged and swallowed.
func (h *httpHandler) handleWebhookEvent(c *gin.Context) {
	var event webhook.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		h.logger.Warn("undecodable webhook delivery", zap.Error(err))
		c.Status(http.StatusOK)
		return
	}

	if err := h.webhooks.ProcessEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("webhook event processing failed",
			zap.Int64("owner_id", event.OwnerID),
			zap.Int64("object_id", event.ObjectID),
			zap.Error(err))
	}
	c.Status(http.StatusOK)
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	athleteID, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSession) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session rejected", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(athleteIDContextKey, athleteID)
	c.Next()
}

type syncRequestPayload struct {
	Weeks int `json:"weeks"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	athleteID := c.GetInt64(athleteIDContextKey)
	if athleteID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	request := syncRequestPayload{Weeks: defaultSyncWindowWeeks}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	if request.Weeks <= 0 {
		request.Weeks = defaultSyncWindowWeeks
	}

	summary, err := h.reconciler.Sync(c.Request.Context(), athleteID, request.Weeks)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		h.logger.Error("sync failed", zap.Int64("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type activityPayload struct {
	RemoteID         int64   `json:"remote_id"`
	Name             string  `json:"name"`
	SportType        string  `json:"sport_type"`
	StartedAt        string  `json:"started_at"`
	DistanceMeters   float64 `json:"distance_m"`
	MovingSeconds    int64   `json:"moving_s"`
	ElapsedSeconds   int64   `json:"elapsed_s"`
	AverageSpeed     float64 `json:"avg_speed"`
	MaxSpeed         float64 `json:"max_speed"`
	AverageHeartrate float64 `json:"avg_heartrate"`
	MaxHeartrate     float64 `json:"max_heartrate"`
}

func (h *httpHandler) handleActivitiesList(c *gin.Context) {
	athleteID := c.GetInt64(athleteIDContextKey)
	if athleteID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	records, err := h.activities.ListByAthlete(c.Request.Context(), athleteID, limit)
	if err != nil {
		h.logger.Error("failed to list activities", zap.Int64("athlete_id", athleteID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]activityPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, activityPayload{
			RemoteID:         record.RemoteID,
			Name:             record.Name,
			SportType:        record.SportType,
			StartedAt:        record.StartedAt.UTC().Format(time.RFC3339),
			DistanceMeters:   record.DistanceMeters,
			MovingSeconds:    record.MovingSeconds,
			ElapsedSeconds:   record.ElapsedSeconds,
			AverageSpeed:     record.AverageSpeed,
			MaxSpeed:         record.MaxSpeed,
			AverageHeartrate: record.AverageHeartrate,
			MaxHeartrate:     record.MaxHeartrate,
		})
	}
	c.JSON(http.StatusOK, gin.H{"activities": payload})
}
