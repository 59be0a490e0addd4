// Package srs implements the spaced-repetition interval math: an SM-2
// style scheduler adapted to a 1-5 quality rating instead of binary
// pass/fail. It is pure; persistence and idempotence live in the engine.
package srs

import (
	"fmt"
	"math"
	"time"
)

// Card states. A lapsed card re-enters learning on its next review.
const (
	StateNew      = "new"
	StateLearning = "learning"
	StateReview   = "review"
	StateLapsed   = "lapsed"
)

const (
	MinQuality  = 1
	MaxQuality  = 5
	passQuality = 3
)

// Params tunes the scheduler. The constants are a calibration surface, not
// a reverse-engineered requirement; defaults follow classic SM-2.
type Params struct {
	InitialIntervalDays int
	StartingEase        float64
	MinEase             float64
	MaxEase             float64
	EaseBonus           float64
	EasePenaltyStep     float64
	LapseEaseDrop       float64
}

// DefaultParams returns the baseline tuning.
func DefaultParams() Params {
	return Params{
		InitialIntervalDays: 1,
		StartingEase:        2.5,
		MinEase:             1.3,
		MaxEase:             2.5,
		EaseBonus:           0.1,
		EasePenaltyStep:     0.08,
		LapseEaseDrop:       0.2,
	}
}

// State is the scheduling state of one card.
type State struct {
	Phase        string
	IntervalDays int
	Ease         float64
	Reps         int
	Lapses       int
	LastReviewed time.Time
	NextDue      time.Time
}

// NewState returns the state of a never-reviewed card.
func NewState(p Params) State {
	return State{Phase: StateNew, Ease: p.StartingEase}
}

// Apply folds one review outcome into the card state. Due dates are
// calendar days anchored at UTC midnight, not wall-clock offsets, so a
// card's due day does not drift with the hour of review.
func Apply(p Params, s State, quality int, at time.Time) (State, error) {
	if quality < MinQuality || quality > MaxQuality {
		return s, fmt.Errorf("quality %d out of range [%d,%d]", quality, MinQuality, MaxQuality)
	}
	next := s
	if quality < passQuality {
		if s.Phase == StateReview {
			next.Lapses++
			next.Phase = StateLapsed
		} else {
			next.Phase = StateLearning
		}
		next.IntervalDays = 1
		next.Ease = math.Max(p.MinEase, s.Ease-p.LapseEaseDrop)
	} else {
		switch s.Phase {
		case StateNew, StateLearning, StateLapsed:
			next.IntervalDays = maxInt(1, p.InitialIntervalDays)
		default:
			next.IntervalDays = maxInt(1, int(math.Round(float64(s.IntervalDays)*s.Ease)))
		}
		next.Phase = StateReview
		next.Ease = clamp(s.Ease+p.EaseBonus-float64(MaxQuality-quality)*p.EasePenaltyStep, p.MinEase, p.MaxEase)
	}
	next.Reps = s.Reps + 1
	next.LastReviewed = at.UTC()
	next.NextDue = DayStart(at).AddDate(0, 0, next.IntervalDays)
	return next, nil
}

// DayStart truncates t to UTC midnight.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
