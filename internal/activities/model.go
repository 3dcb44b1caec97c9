package activities

import (
	"time"

	"github.com/hitzeman/RunNote/internal/strava"
)

// Activity is the normalized local record of one remote workout. The remote
// id is the idempotency key: re-synchronizing the same id overwrites the
// derived fields instead of adding a row.
type Activity struct {
	RemoteID         int64     `gorm:"column:remote_id;primaryKey"`
	AthleteID        int64     `gorm:"column:athlete_id;not null;index:idx_activities_athlete_start,priority:1"`
	Name             string    `gorm:"column:name;size:320;not null"`
	SportType        string    `gorm:"column:sport_type;size:64;not null"`
	StartedAt        time.Time `gorm:"column:started_at;index:idx_activities_athlete_start,priority:2"`
	DistanceMeters   float64   `gorm:"column:distance_m;not null;default:0"`
	MovingSeconds    int64     `gorm:"column:moving_s;not null;default:0"`
	ElapsedSeconds   int64     `gorm:"column:elapsed_s;not null;default:0"`
	AverageSpeed     float64   `gorm:"column:avg_speed;not null;default:0"`
	MaxSpeed         float64   `gorm:"column:max_speed;not null;default:0"`
	AverageHeartrate float64   `gorm:"column:avg_heartrate;not null;default:0"`
	MaxHeartrate     float64   `gorm:"column:max_heartrate;not null;default:0"`
	RawJSON          string    `gorm:"column:raw_json;type:text;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing synced activities.
func (Activity) TableName() string {
	return "activities"
}

// FromRemote maps a validated remote activity onto the local record shape.
func FromRemote(athleteID int64, src strava.Activity) Activity {
	return Activity{
		RemoteID:         src.ID,
		AthleteID:        athleteID,
		Name:             src.Name,
		SportType:        src.SportType,
		StartedAt:        src.StartDate,
		DistanceMeters:   src.DistanceMeters,
		MovingSeconds:    src.MovingSeconds,
		ElapsedSeconds:   src.ElapsedSeconds,
		AverageSpeed:     src.AverageSpeed,
		MaxSpeed:         src.MaxSpeed,
		AverageHeartrate: src.AverageHeartrate,
		MaxHeartrate:     src.MaxHeartrate,
		RawJSON:          string(src.Raw),
	}
}
