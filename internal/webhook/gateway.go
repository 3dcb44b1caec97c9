package webhook

import (
	"context"
	"errors"

	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/strava"
	"github.com/hitzeman/RunNote/internal/users"
	"go.uber.org/zap"
)

const (
	objectTypeActivity = "activity"
	aspectCreate       = "create"
	aspectUpdate       = "update"
)

var (
	errMissingVerifyToken = errors.New("webhook: verify token required")
	errMissingUsers       = errors.New("webhook: user service required")
	errMissingRefresher   = errors.New("webhook: token refresher required")
	errMissingPlatform    = errors.New("webhook: platform client required")
	errMissingActivities  = errors.New("webhook: activity store required")
)

// Event is a push notification from the platform announcing a remote change.
type Event struct {
	ObjectType string `json:"object_type"`
	AspectType string `json:"aspect_type"`
	OwnerID    int64  `json:"owner_id"`
	ObjectID   int64  `json:"object_id"`
}

// ActivityFetcher is the slice of the platform client the gateway needs.
type ActivityFetcher interface {
	GetActivity(ctx context.Context, accessToken string, activityID int64) (strava.Activity, error)
}

// GatewayConfig describes the dependencies of the event ingestion gateway.
type GatewayConfig struct {
	VerifyToken string
	Users       *users.Service
	Refresher   *credentials.Refresher
	Platform    ActivityFetcher
	Activities  *activities.Store
	Logger      *zap.Logger
}

// Gateway handles subscription verification and event delivery for the
// platform's push channel.
type Gateway struct {
	verifyToken string
	users       *users.Service
	refresher   *credentials.Refresher
	platform    ActivityFetcher
	activities  *activities.Store
	logger      *zap.Logger
}

// NewGateway constructs the gateway with validated configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.VerifyToken == "" {
		return nil, errMissingVerifyToken
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Refresher == nil {
		return nil, errMissingRefresher
	}
	if cfg.Platform == nil {
		return nil, errMissingPlatform
	}
	if cfg.Activities == nil {
		return nil, errMissingActivities
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		verifyToken: cfg.VerifyToken,
		users:       cfg.Users,
		refresher:   cfg.Refresher,
		platform:    cfg.Platform,
		activities:  cfg.Activities,
		logger:      logger,
	}, nil
}

// VerifySubscription echoes the challenge back when the presented token
// matches the configured shared secret.
func (g *Gateway) VerifySubscription(mode, verifyToken, challenge string) (string, bool) {
	if mode != "subscribe" || verifyToken != g.verifyToken {
		g.logger.Warn("webhook subscription verification rejected", zap.String("mode", mode))
		return "", false
	}
	return challenge, true
}

// ProcessEvent performs the incremental sync a delivery asks for. Deletions,
// non-activity objects, and unknown owners are acknowledged without work.
// The HTTP boundary acknowledges deliveries regardless of the error returned
// here; a failure status would only trigger a platform redelivery storm.
func (g *Gateway) ProcessEvent(ctx context.Context, event Event) error {
	if event.ObjectType != objectTypeActivity {
		g.logger.Debug("ignoring non-activity event", zap.String("object_type", event.ObjectType))
		return nil
	}
	if event.AspectType != aspectCreate && event.AspectType != aspectUpdate {
		g.logger.Debug("ignoring event aspect", zap.String("aspect_type", event.AspectType))
		return nil
	}

	if _, err := g.users.Lookup(ctx, event.OwnerID); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			// Never connected, or disconnected since. Not an error.
			g.logger.Info("event for unconnected athlete ignored", zap.Int64("owner_id", event.OwnerID))
			return nil
		}
		return err
	}

	var fetched strava.Activity
	err := g.refresher.Do(ctx, event.OwnerID, func(accessToken string) error {
		var fetchErr error
		fetched, fetchErr = g.platform.GetActivity(ctx, accessToken, event.ObjectID)
		return fetchErr
	})
	if err != nil {
		return err
	}

	if !fetched.IsRun() {
		g.logger.Debug("discarding non-run activity",
			zap.Int64("activity_id", fetched.ID),
			zap.String("sport_type", fetched.SportType))
		return nil
	}

	if err := g.activities.Upsert(ctx, activities.FromRemote(event.OwnerID, fetched)); err != nil {
		return err
	}

	g.logger.Info("activity synced from webhook",
		zap.Int64("athlete_id", event.OwnerID),
		zap.Int64("activity_id", fetched.ID))
	return nil
}
