package constraint

import (
	"time"

	"github.com/courseloop/courseloop/store"
)

// Availability is the full set of per-screen capability flags, derived in one
// place from phase, progress, and constraints instead of being tracked as
// separate mutable booleans.
type Availability struct {
	CanStart    bool `json:"canStart"`
	CanSubmit   bool `json:"canSubmit"`
	CanHint     bool `json:"canHint"`
	CanComplete bool `json:"canComplete"`

	AttemptsRemaining int           `json:"attemptsRemaining"`
	HintsRemaining    int           `json:"hintsRemaining"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

// Derive computes the availability flags for screen at the given instant.
// Rate limiting is excluded: it depends on live limiter state, not on
// anything persisted with the screen.
func Derive(screen *store.ScreenState, now time.Time) Availability {
	a := Availability{
		AttemptsRemaining: -1,
		HintsRemaining:    -1,
	}

	// A blocked screen is restartable; restarting is how the learner gets
	// back to hinting and completion after exhausting the attempt budget.
	a.CanStart = screen.Phase == store.ScreenUnlocked || screen.Phase == store.ScreenBlocked
	if screen.Phase != store.ScreenActive {
		return a
	}

	if max := screen.Constraints.MaxAttempts; max > 0 {
		a.AttemptsRemaining = max - screen.Progress.Attempts
		if a.AttemptsRemaining < 0 {
			a.AttemptsRemaining = 0
		}
	}
	if max := screen.Constraints.MaxHints; max > 0 {
		a.HintsRemaining = max - screen.Progress.HintsUsed
		if a.HintsRemaining < 0 {
			a.HintsRemaining = 0
		}
	}
	if err := checkCooldown(screen, now); err != nil {
		cooldown := screen.Constraints.CooldownSeconds
		elapsed := now.Unix() - screen.Progress.LastAttemptAt
		a.CooldownRemaining = time.Duration(int64(cooldown)-elapsed) * time.Second
	}

	a.CanSubmit = a.AttemptsRemaining != 0 && a.CooldownRemaining == 0
	a.CanHint = a.HintsRemaining != 0
	a.CanComplete = checkMinTime(screen, now) == nil
	return a
}
