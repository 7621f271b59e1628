package realtime

import "github.com/iliyamo/course-booking/internal/model"

// Level is the categorical fill state of a session.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelUrgent
	LevelFull
)

// Thresholds in percent full.
const (
	lowThreshold    = 75.0
	urgentThreshold = 90.0
)

// LevelOf classifies a snapshot.  Full means no spot is left; rounding can
// push percentage_full to 100 while one spot remains.
func LevelOf(snap model.AvailabilitySnapshot) Level {
	switch {
	case snap.AvailableSpots <= 0:
		return LevelFull
	case snap.PercentageFull >= urgentThreshold:
		return LevelUrgent
	case snap.PercentageFull >= lowThreshold:
		return LevelLow
	}
	return LevelNone
}

// EventType is the message type announcing the level, or "" for LevelNone.
func (l Level) EventType() string {
	switch l {
	case LevelLow:
		return TypeLow
	case LevelUrgent:
		return TypeUrgent
	case LevelFull:
		return TypeFull
	}
	return ""
}

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelUrgent:
		return "urgent"
	case LevelFull:
		return "full"
	}
	return "none"
}

// crossed returns the event to emit when moving from prev to next.  Only a
// rise emits; falling back (after a cancellation) re-arms the lower levels.
func crossed(prev, next Level) string {
	if next > prev {
		return next.EventType()
	}
	return ""
}
