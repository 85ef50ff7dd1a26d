package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateThresholds(t *testing.T) {
	cases := []struct {
		name   string
		record ActivityRecord
		want   Verdict
	}{
		{
			name:   "too few steps",
			record: ActivityRecord{Steps: 50, DurationMinutes: 10, DistanceMeters: 100, ActivityType: "Walking"},
			want:   Verdict{Reason: ReasonTooFewSteps},
		},
		{
			name:   "typical walk",
			record: ActivityRecord{Steps: 2500, DurationMinutes: 25, DistanceMeters: 1800, ActivityType: "Walking"},
			want:   Verdict{Accepted: true},
		},
		{
			name:   "implausible cadence",
			record: ActivityRecord{Steps: 9000, DurationMinutes: 10, DistanceMeters: 5000, ActivityType: "Running"},
			want:   Verdict{Reason: ReasonStepRateTooHigh},
		},
		{
			name:   "too short",
			record: ActivityRecord{Steps: 400, DurationMinutes: 4},
			want:   Verdict{Reason: ReasonTooShort},
		},
		{
			name:   "zero duration is caught before the rate check",
			record: ActivityRecord{Steps: 400, DurationMinutes: 0},
			want:   Verdict{Reason: ReasonTooShort},
		},
		{
			name:   "negative duration",
			record: ActivityRecord{Steps: 400, DurationMinutes: -3},
			want:   Verdict{Reason: ReasonTooShort},
		},
		{
			name:   "slow cadence",
			record: ActivityRecord{Steps: 150, DurationMinutes: 60},
			want:   Verdict{Reason: ReasonStepRateTooLow},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Validate(tc.record))
		})
	}
}

func TestValidateBoundariesAreInclusive(t *testing.T) {
	// Rates of exactly 20 and 200 are accepted.
	require.True(t, Validate(ActivityRecord{Steps: 100, DurationMinutes: 5}).Accepted)
	require.True(t, Validate(ActivityRecord{Steps: 1000, DurationMinutes: 5}).Accepted)
	require.True(t, Validate(ActivityRecord{Steps: 140, DurationMinutes: 7}).Accepted)

	// 200.2, 19.86 and 200.14 steps/min fall outside.
	require.Equal(t, ReasonStepRateTooHigh, Validate(ActivityRecord{Steps: 1001, DurationMinutes: 5}).Reason)
	require.Equal(t, ReasonStepRateTooLow, Validate(ActivityRecord{Steps: 139, DurationMinutes: 7}).Reason)
	require.Equal(t, ReasonStepRateTooHigh, Validate(ActivityRecord{Steps: 1401, DurationMinutes: 7}).Reason)
}

func TestValidateHugeDurationsAreTooSlow(t *testing.T) {
	// bound*duration no longer fits in an int64 here; the rate is far below 20.
	limit := math.MaxInt64 / MinStepRate
	for _, duration := range []int{limit - 1, limit, limit + 1, math.MaxInt64 / 10, math.MaxInt64} {
		verdict := Validate(ActivityRecord{Steps: 100, DurationMinutes: duration})
		require.Equal(t, Verdict{Reason: ReasonStepRateTooLow}, verdict, "duration=%d", duration)

		verdict = Validate(ActivityRecord{Steps: 1000, DurationMinutes: duration})
		require.Equal(t, ReasonStepRateTooLow, verdict.Reason, "duration=%d", duration)
	}

	// Steps at the int64 ceiling against a duration where only the upper bound overflows.
	duration := math.MaxInt64/MaxStepRate + 1
	require.True(t, Validate(ActivityRecord{Steps: math.MaxInt64, DurationMinutes: duration}).Accepted)
}

func TestValidateAcceptsEveryRecordWithinBounds(t *testing.T) {
	for duration := MinDurationMinutes; duration <= 120; duration++ {
		for steps := MinSteps; steps <= 200*120; steps += 37 {
			record := ActivityRecord{Steps: steps, DurationMinutes: duration}
			inBounds := steps >= MinStepRate*duration && steps <= MaxStepRate*duration
			require.Equal(t, inBounds, Validate(record).Accepted, "steps=%d duration=%d", steps, duration)
		}
	}
}

func TestValidateReportsOnlyFirstFailingRule(t *testing.T) {
	// Violates the step minimum, the duration minimum and the rate bounds at once.
	verdict := Validate(ActivityRecord{Steps: 10, DurationMinutes: 1})
	require.Equal(t, ReasonTooFewSteps, verdict.Reason)

	// Duration and rate both fail; duration wins.
	verdict = Validate(ActivityRecord{Steps: 5000, DurationMinutes: 2})
	require.Equal(t, ReasonTooShort, verdict.Reason)
}

func TestValidateIgnoresDistanceAndType(t *testing.T) {
	base := ActivityRecord{Steps: 2500, DurationMinutes: 25}
	for _, variant := range []ActivityRecord{
		{Steps: base.Steps, DurationMinutes: base.DurationMinutes, DistanceMeters: 0},
		{Steps: base.Steps, DurationMinutes: base.DurationMinutes, DistanceMeters: 1},
		{Steps: base.Steps, DurationMinutes: base.DurationMinutes, DistanceMeters: 1_000_000, ActivityType: "Teleport"},
	} {
		require.True(t, Validate(variant).Accepted)
	}
}

func TestDerive(t *testing.T) {
	stats := Derive(ActivityRecord{Steps: 2500, DurationMinutes: 25, DistanceMeters: 1800})
	require.InDelta(t, 100.0, stats.StepsPerMinute, 0.0001)
	require.InDelta(t, 4.32, stats.AverageSpeedKmh, 0.0001)
	require.InDelta(t, 0.72, stats.MetersPerStep, 0.0001)

	require.Equal(t, ActivityStats{}, Derive(ActivityRecord{}))
}
