package constraint

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/courseloop/courseloop/internal/errors"
	"github.com/courseloop/courseloop/store"
)

// Action is a proposed operation against a screen.
type Action string

const (
	ActionStart    Action = "start"
	ActionSubmit   Action = "submit"
	ActionHint     Action = "hint"
	ActionComplete Action = "complete"
)

// Engine evaluates screen constraints before any generation work begins.
// Checks run in fixed precedence and the first failure wins. Evaluation has
// no side effect on failure; the rate token is consumed only when every
// check passes.
type Engine struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// now is replaceable in tests.
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (e *Engine) limiter(key string, perMinute int) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lim, ok := e.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	e.limiters[key] = lim
	return lim
}

// Evaluate checks whether action may proceed on screen. It returns nil when
// allowed, or a *errors.TeachingError naming the first violated constraint.
func (e *Engine) Evaluate(screen *store.ScreenState, action Action) error {
	now := e.now()

	if err := checkPhase(screen, action); err != nil {
		return err
	}

	var lim *rate.Limiter
	if limited(action) && screen.Constraints.RateLimitPerMinute > 0 {
		key := fmt.Sprintf("%s/%s", screen.SessionID, screen.ID)
		lim = e.limiter(key, screen.Constraints.RateLimitPerMinute)
		r := lim.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		if delay > 0 {
			return errors.RateLimitExceeded(delay)
		}
	}

	if action == ActionSubmit {
		if err := checkCooldown(screen, now); err != nil {
			return err
		}
		if max := screen.Constraints.MaxAttempts; max > 0 && screen.Progress.Attempts >= max {
			return errors.MaxAttemptsReached(max)
		}
	}

	if action == ActionHint {
		if max := screen.Constraints.MaxHints; max > 0 && screen.Progress.HintsUsed >= max {
			return errors.NoHintsRemaining(max)
		}
	}

	if action == ActionComplete {
		if err := checkMinTime(screen, now); err != nil {
			return err
		}
	}

	if lim != nil {
		lim.AllowN(now, 1)
	}
	return nil
}

func limited(action Action) bool {
	return action == ActionSubmit || action == ActionHint
}

func checkPhase(screen *store.ScreenState, action Action) error {
	switch action {
	case ActionStart:
		switch screen.Phase {
		case store.ScreenUnlocked:
			return nil
		case store.ScreenActive:
			return errors.AlreadyActive(screen.ID)
		case store.ScreenLocked:
			return errors.ScreenLocked(screen.ID)
		default:
			return errors.ScreenNotActive(screen.ID)
		}
	case ActionSubmit, ActionHint, ActionComplete:
		if screen.Phase != store.ScreenActive {
			if screen.Phase == store.ScreenLocked {
				return errors.ScreenLocked(screen.ID)
			}
			return errors.ScreenNotActive(screen.ID)
		}
		return nil
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown action %q", action))
	}
}

func checkCooldown(screen *store.ScreenState, now time.Time) error {
	cooldown := screen.Constraints.CooldownSeconds
	if cooldown <= 0 || screen.Progress.LastAttemptAt == 0 {
		return nil
	}
	elapsed := now.Unix() - screen.Progress.LastAttemptAt
	if elapsed < int64(cooldown) {
		remaining := time.Duration(int64(cooldown)-elapsed) * time.Second
		return errors.CooldownActive(remaining)
	}
	return nil
}

func checkMinTime(screen *store.ScreenState, now time.Time) error {
	min := screen.Constraints.MinTimeSeconds
	if min <= 0 {
		return nil
	}
	spent := screen.Progress.TimeSpentSeconds
	if screen.Progress.ActivatedAt > 0 {
		if live := now.Unix() - screen.Progress.ActivatedAt; live > spent {
			spent = live
		}
	}
	if spent < int64(min) {
		remaining := time.Duration(int64(min)-spent) * time.Second
		return errors.MinTimeNotMet(remaining)
	}
	return nil
}
