package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityStatus is the validation outcome of a submitted run.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityValidated ActivityStatus = "validated"
	ActivityRejected  ActivityStatus = "rejected"
)

// GPSPoint is one fix of a recorded track. Timestamp is Unix milliseconds.
type GPSPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Altitude  float64 `json:"altitude,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

// ActivityRecord is a submitted physical-activity session. Distance is in
// kilometres, Duration in seconds.
type ActivityRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Distance         float64         `json:"distance"`
	Duration         float64         `json:"duration"`
	Pace             float64         `json:"pace"`
	StartTime        int64           `json:"startTime,omitempty"`
	EndTime          int64           `json:"endTime,omitempty"`
	Points           []GPSPoint      `json:"gpsPoints,omitempty"`
	Status           ActivityStatus  `json:"status"`
	TKEarned         decimal.Decimal `json:"tkEarned"`
	ValidationErrors []string        `json:"validationErrors"`
	TrackKey         string          `json:"trackKey,omitempty"`
	ChainMirrorState MirrorState     `json:"chainMirrorState"`
	CreatedAt        time.Time       `json:"createdAt"`
}
