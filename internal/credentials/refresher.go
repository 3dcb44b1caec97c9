package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitzeman/RunNote/internal/strava"
	"go.uber.org/zap"
)

// ErrTokenRefreshFailed indicates the platform refused or failed a token
// refresh. Callers treat it as fatal for the current operation; there is no
// internal retry.
var ErrTokenRefreshFailed = errors.New("credentials: token refresh failed")

var (
	errMissingStore    = errors.New("credentials: store required")
	errMissingPlatform = errors.New("credentials: platform client required")
)

// defaultExpiryMargin absorbs clock skew and in-flight latency so a token
// does not expire mid-call.
const defaultExpiryMargin = 60 * time.Second

// TokenRefreshClient is the slice of the platform client the refresher needs.
type TokenRefreshClient interface {
	Refresh(ctx context.Context, refreshToken string) (strava.TokenGrant, error)
}

// RefresherConfig describes the dependencies of the token refresher.
type RefresherConfig struct {
	Store        *Store
	Platform     TokenRefreshClient
	ExpiryMargin time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Refresher keeps credentials valid: proactively before use, and reactively
// with a single bounded retry when the platform rejects a token mid-call.
type Refresher struct {
	store    *Store
	platform TokenRefreshClient
	margin   time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// NewRefresher constructs a Refresher with validated configuration.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Platform == nil {
		return nil, errMissingPlatform
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		store:    cfg.Store,
		platform: cfg.Platform,
		margin:   margin,
		clock:    clock,
		logger:   logger,
	}, nil
}

// EnsureValid returns the credential unchanged while it has more than the
// safety margin remaining, and otherwise refreshes it first.
func (r *Refresher) EnsureValid(ctx context.Context, credential Credential) (Credential, error) {
	if credential.ExpiresAt.Sub(r.clock()) > r.margin {
		return credential, nil
	}
	return r.refresh(ctx, credential)
}

func (r *Refresher) refresh(ctx context.Context, credential Credential) (Credential, error) {
	grant, err := r.platform.Refresh(ctx, credential.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	// Strava rotates the refresh token; the old one is invalid from here on,
	// so all three fields are replaced in one write.
	credential.AccessToken = grant.AccessToken
	credential.RefreshToken = grant.RefreshToken
	credential.ExpiresAt = grant.ExpiresAt
	if err := r.store.Upsert(ctx, credential); err != nil {
		return Credential{}, fmt.Errorf("%w: persisting refreshed tokens: %v", ErrTokenRefreshFailed, err)
	}

	r.logger.Info("credential refreshed",
		zap.Int64("athlete_id", credential.AthleteID),
		zap.Time("expires_at", credential.ExpiresAt))
	return credential, nil
}

// Do loads the athlete's credential, ensures it is valid, and runs call with
// the access token. When the platform answers unauthorized despite the
// proactive check, it refreshes once and retries that single call; a second
// rejection surfaces as-is. The iteration cap makes the termination
// guarantee explicit.
func (r *Refresher) Do(ctx context.Context, athleteID int64, call func(accessToken string) error) error {
	credential, err := r.store.Get(ctx, athleteID)
	if err != nil {
		return err
	}
	credential, err = r.EnsureValid(ctx, credential)
	if err != nil {
		return err
	}

	const maxAttempts = 2
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = call(credential.AccessToken)
		if err == nil || !errors.Is(err, strava.ErrUnauthorized) || attempt == maxAttempts {
			return err
		}
		r.logger.Warn("access token rejected mid-call, refreshing once",
			zap.Int64("athlete_id", athleteID))
		credential, err = r.refresh(ctx, credential)
		if err != nil {
			return err
		}
	}
	return err
}
