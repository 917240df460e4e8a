package fall

import (
	"time"

	"github.com/google/uuid"
)

type State int

const (
	Normal State = iota
	FreeFallDetected
	ImpactDetected
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case FreeFallDetected:
		return "free_fall"
	case ImpactDetected:
		return "impact"
	default:
		return "unknown"
	}
}

// Reason explains why a transition happened.
type Reason string

const (
	ReasonFreeFall           Reason = "free_fall"
	ReasonImpact             Reason = "impact"
	ReasonConfirmed          Reason = "confirmed"
	ReasonImpactWindowExpiry Reason = "impact_window_expired"
	ReasonStationaryExpiry   Reason = "stationary_window_expired"
	ReasonReset              Reason = "reset"
)

// Transition describes one state change of the Machine.
type Transition struct {
	From    State
	To      State
	Reason  Reason
	At      time.Time
	Episode uuid.UUID
}

// Event is the single egress signal: a confirmed fall.
type Event struct {
	ID               uuid.UUID `json:"id"`
	FreeFallAt       time.Time `json:"free_fall_at"`
	ImpactAt         time.Time `json:"impact_at"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
	PeakAcceleration float32   `json:"peak_acceleration"`
	Variance         float32   `json:"variance"`
	PitchDelta       float32   `json:"pitch_delta_deg"`
}
