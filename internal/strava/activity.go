package strava

import (
	"encoding/json"
	"fmt"
	"time"
)

// SportTypeRun is the only category this service records.
const SportTypeRun = "Run"

// Activity is the validated shape of one remote activity. Raw holds the
// untransformed source record for downstream storage.
type Activity struct {
	ID               int64
	Name             string
	SportType        string
	StartDate        time.Time
	DistanceMeters   float64
	MovingSeconds    int64
	ElapsedSeconds   int64
	AverageSpeed     float64
	MaxSpeed         float64
	AverageHeartrate float64
	MaxHeartrate     float64
	Raw              json.RawMessage
}

// IsRun reports whether the activity belongs to the running category.
func (a Activity) IsRun() bool {
	return a.SportType == SportTypeRun
}

type activityPayload struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	SportType        string  `json:"sport_type"`
	StartDate        string  `json:"start_date"`
	Distance         float64 `json:"distance"`
	MovingTime       int64   `json:"moving_time"`
	ElapsedTime      int64   `json:"elapsed_time"`
	AverageSpeed     float64 `json:"average_speed"`
	MaxSpeed         float64 `json:"max_speed"`
	AverageHeartrate float64 `json:"average_heartrate"`
	MaxHeartrate     float64 `json:"max_heartrate"`
}

// parseActivity validates a raw activity document at the ingestion boundary.
// Missing or malformed required fields fail as a remote fetch error rather
// than letting untyped data travel inward.
func parseActivity(raw []byte) (Activity, error) {
	var payload activityPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Activity{}, fmt.Errorf("%w: %v", ErrRemoteFetch, err)
	}
	if payload.ID <= 0 {
		return Activity{}, fmt.Errorf("%w: activity missing id", ErrRemoteFetch)
	}

	// Strava renamed "type" to "sport_type"; older records only carry the
	// legacy field.
	sportType := payload.SportType
	if sportType == "" {
		sportType = payload.Type
	}
	if sportType == "" {
		return Activity{}, fmt.Errorf("%w: activity %d missing sport type", ErrRemoteFetch, payload.ID)
	}

	startDate := time.Time{}
	if payload.StartDate != "" {
		parsed, err := time.Parse(time.RFC3339, payload.StartDate)
		if err != nil {
			return Activity{}, fmt.Errorf("%w: activity %d start date: %v", ErrRemoteFetch, payload.ID, err)
		}
		startDate = parsed.UTC()
	}

	return Activity{
		ID:               payload.ID,
		Name:             payload.Name,
		SportType:        sportType,
		StartDate:        startDate,
		DistanceMeters:   payload.Distance,
		MovingSeconds:    payload.MovingTime,
		ElapsedSeconds:   payload.ElapsedTime,
		AverageSpeed:     payload.AverageSpeed,
		MaxSpeed:         payload.MaxSpeed,
		AverageHeartrate: payload.AverageHeartrate,
		MaxHeartrate:     payload.MaxHeartrate,
		Raw:              append(json.RawMessage(nil), raw...),
	}, nil
}
