package synchronizer

import (
	"context"
	"errors"
	"time"

	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/strava"
	"github.com/hitzeman/RunNote/internal/users"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 10
)

var (
	errMissingUsers      = errors.New("synchronizer: user service required")
	errMissingRefresher  = errors.New("synchronizer: token refresher required")
	errMissingPlatform   = errors.New("synchronizer: platform client required")
	errMissingActivities = errors.New("synchronizer: activity store required")
)

// ListingClient is the slice of the platform client the reconciler needs.
type ListingClient interface {
	ListActivities(ctx context.Context, accessToken string, after time.Time, page, perPage int) ([]strava.Activity, error)
	GetActivity(ctx context.Context, accessToken string, activityID int64) (strava.Activity, error)
}

// Summary reports the outcome of one reconciliation pass. Partial success is
// the expected shape; per-item failures land in Failed instead of aborting.
type Summary struct {
	TotalFetched int `json:"total_fetched"`
	RunsFound    int `json:"runs_found"`
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
}

// ReconcilerConfig describes the dependencies of the bulk reconciler.
type ReconcilerConfig struct {
	Users      *users.Service
	Refresher  *credentials.Refresher
	Platform   ListingClient
	Activities *activities.Store
	PageSize   int
	MaxPages   int
	ItemDelay  time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Reconciler pull-synchronizes historical activities across a time window by
// paging through the remote listing.
type Reconciler struct {
	users      *users.Service
	refresher  *credentials.Refresher
	platform   ListingClient
	activities *activities.Store
	pageSize   int
	maxPages   int
	itemDelay  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewReconciler constructs the reconciler with validated configuration.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
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
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	// Zero is a valid delay; the config layer owns the production default.
	itemDelay := cfg.ItemDelay
	if itemDelay < 0 {
		itemDelay = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		users:      cfg.Users,
		refresher:  cfg.Refresher,
		platform:   cfg.Platform,
		activities: cfg.Activities,
		pageSize:   pageSize,
		maxPages:   maxPages,
		itemDelay:  itemDelay,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Sync pages through the athlete's listing back to now minus windowWeeks,
// keeps the runs, and re-fetches and upserts each one sequentially. The loop
// is deliberately throttled rather than parallel; the platform rate limit is
// the ceiling, not throughput. Re-running over an overlapping window is safe
// because upserts key on the remote id.
func (r *Reconciler) Sync(ctx context.Context, athleteID int64, windowWeeks int) (Summary, error) {
	summary := Summary{}

	if _, err := r.users.Lookup(ctx, athleteID); err != nil {
		return summary, err
	}

	if windowWeeks <= 0 {
		windowWeeks = 1
	}
	after := r.clock().UTC().Add(-time.Duration(windowWeeks) * 7 * 24 * time.Hour)

	var listed []strava.Activity
	for page := 1; ; page++ {
		if page > r.maxPages {
			r.logger.Warn("page ceiling reached, truncating listing",
				zap.Int64("athlete_id", athleteID),
				zap.Int("max_pages", r.maxPages))
			break
		}

		var batch []strava.Activity
		err := r.refresher.Do(ctx, athleteID, func(accessToken string) error {
			var listErr error
			batch, listErr = r.platform.ListActivities(ctx, accessToken, after, page, r.pageSize)
			return listErr
		})
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			break
		}
		listed = append(listed, batch...)
	}
	summary.TotalFetched = len(listed)

	runs := make([]strava.Activity, 0, len(listed))
	for _, item := range listed {
		if item.IsRun() {
			runs = append(runs, item)
		}
	}
	summary.RunsFound = len(runs)

	for index, run := range runs {
		if index > 0 && r.itemDelay > 0 {
			time.Sleep(r.itemDelay)
		}

		var detail strava.Activity
		err := r.refresher.Do(ctx, athleteID, func(accessToken string) error {
			var fetchErr error
			detail, fetchErr = r.platform.GetActivity(ctx, accessToken, run.ID)
			return fetchErr
		})
		if err != nil {
			summary.Failed++
			r.logger.Warn("activity detail fetch failed, skipping",
				zap.Int64("activity_id", run.ID), zap.Error(err))
			continue
		}

		if err := r.activities.Upsert(ctx, activities.FromRemote(athleteID, detail)); err != nil {
			summary.Failed++
			r.logger.Warn("activity upsert failed, skipping",
				zap.Int64("activity_id", run.ID), zap.Error(err))
			continue
		}
		summary.Synced++
	}

	r.logger.Info("reconciliation finished",
		zap.Int64("athlete_id", athleteID),
		zap.Int("total_fetched", summary.TotalFetched),
		zap.Int("runs_found", summary.RunsFound),
		zap.Int("synced", summary.Synced),
		zap.Int("failed", summary.Failed))
	return summary, nil
}
