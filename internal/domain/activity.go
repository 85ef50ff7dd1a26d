// Package domain defines activity records, the plausibility rules applied to
// them, and the submission states shared by the pipeline and its recorders.
package domain

import "math"

// Plausibility bounds applied by Validate.
const (
	MinSteps           = 100
	MinDurationMinutes = 5
	MinStepRate        = 20
	MaxStepRate        = 200
)

// Rejection reason codes reported by Validate.
const (
	ReasonTooFewSteps     = "too few steps"
	ReasonTooShort        = "activity too short"
	ReasonStepRateTooLow  = "step rate too low"
	ReasonStepRateTooHigh = "step rate too high"
)

// ActivityRecord is a single physical activity claimed by a user.
type ActivityRecord struct {
	Steps           int    `json:"steps"`
	DurationMinutes int    `json:"duration_minutes"`
	DistanceMeters  int    `json:"distance_meters"`
	ActivityType    string `json:"activity_type"`
}

// Verdict is the outcome of Validate.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Validate applies the plausibility rules in order and reports the first one
// that fails. Distance and activity type are informational and never affect
// the verdict.
//
// The step rate is compared without division (steps against bound*duration)
// so integer truncation cannot shift a boundary. A duration too large for
// bound*duration to fit in an int64 is already past that bound.
func Validate(r ActivityRecord) Verdict {
	if r.Steps < MinSteps {
		return reject(ReasonTooFewSteps)
	}
	// Also guards the rate checks below against a zero or negative duration.
	if r.DurationMinutes < MinDurationMinutes {
		return reject(ReasonTooShort)
	}

	steps := int64(r.Steps)
	duration := int64(r.DurationMinutes)
	if duration > math.MaxInt64/MinStepRate || steps < MinStepRate*duration {
		return reject(ReasonStepRateTooLow)
	}
	if duration <= math.MaxInt64/MaxStepRate && steps > MaxStepRate*duration {
		return reject(ReasonStepRateTooHigh)
	}
	return Verdict{Accepted: true}
}

func reject(reason string) Verdict {
	return Verdict{Accepted: false, Reason: reason}
}

// ActivityStats holds display metrics derived from a record.
type ActivityStats struct {
	StepsPerMinute  float64 `json:"steps_per_minute"`
	AverageSpeedKmh float64 `json:"average_speed_kmh"`
	MetersPerStep   float64 `json:"meters_per_step"`
}

// Derive computes informational metrics. A zero duration or step count yields
// zero for the affected metric instead of dividing by zero.
func Derive(r ActivityRecord) ActivityStats {
	var stats ActivityStats
	if r.DurationMinutes > 0 {
		stats.StepsPerMinute = float64(r.Steps) / float64(r.DurationMinutes)
		stats.AverageSpeedKmh = (float64(r.DistanceMeters) / 1000) / (float64(r.DurationMinutes) / 60)
	}
	if r.Steps > 0 {
		stats.MetersPerStep = float64(r.DistanceMeters) / float64(r.Steps)
	}
	return stats
}
