package store

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Profile snapshots are immutable per session, so they cache hard.
	profileCache *cache.Cache
	profileGroup singleflight.Group
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		profileCache: cache.New(cache.Config{
			DefaultTTL:      10 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			MaxItems:        1000,
		}),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.profileCache.Close()
	return s.driver.Close()
}

func (s *Store) CreateTeachingSession(ctx context.Context, create *TeachingSession) (*TeachingSession, error) {
	return s.driver.CreateTeachingSession(ctx, create)
}

func (s *Store) CreateSessionPlan(ctx context.Context, session *TeachingSession, screens []*ScreenState) error {
	return s.driver.CreateSessionPlan(ctx, session, screens)
}

func (s *Store) ListTeachingSessions(ctx context.Context, find *FindTeachingSession) ([]*TeachingSession, error) {
	return s.driver.ListTeachingSessions(ctx, find)
}

// GetTeachingSession returns the session or nil when it does not exist.
func (s *Store) GetTeachingSession(ctx context.Context, id string) (*TeachingSession, error) {
	list, err := s.driver.ListTeachingSessions(ctx, &FindTeachingSession{ID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateTeachingSession(ctx context.Context, update *UpdateTeachingSession) (*TeachingSession, error) {
	return s.driver.UpdateTeachingSession(ctx, update)
}

func (s *Store) DeleteTeachingSession(ctx context.Context, delete *DeleteTeachingSession) error {
	return s.driver.DeleteTeachingSession(ctx, delete)
}

func (s *Store) CleanupAbandonedSessions(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.CleanupAbandonedSessions(ctx, beforeTs)
}

func (s *Store) CreateScreenState(ctx context.Context, create *ScreenState) (*ScreenState, error) {
	return s.driver.CreateScreenState(ctx, create)
}

func (s *Store) ListScreenStates(ctx context.Context, find *FindScreenState) ([]*ScreenState, error) {
	return s.driver.ListScreenStates(ctx, find)
}

// GetScreenState returns the screen or nil when it does not exist.
func (s *Store) GetScreenState(ctx context.Context, id string) (*ScreenState, error) {
	list, err := s.driver.ListScreenStates(ctx, &FindScreenState{ID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateScreenState(ctx context.Context, update *UpdateScreenState) (*ScreenState, error) {
	return s.driver.UpdateScreenState(ctx, update)
}

func (s *Store) CreateInteraction(ctx context.Context, create *Interaction) (*Interaction, error) {
	return s.driver.CreateInteraction(ctx, create)
}

func (s *Store) ListInteractions(ctx context.Context, find *FindInteraction) ([]*Interaction, error) {
	return s.driver.ListInteractions(ctx, find)
}

func (s *Store) UpdateInteraction(ctx context.Context, update *UpdateInteraction) (*Interaction, error) {
	return s.driver.UpdateInteraction(ctx, update)
}

func (s *Store) CommitInteraction(ctx context.Context, commit *InteractionCommit) error {
	return s.driver.CommitInteraction(ctx, commit)
}

// GetLearnerMemory returns the learner's memory, or a fresh empty memory when
// none has been persisted yet.
func (s *Store) GetLearnerMemory(ctx context.Context, learnerID string) (*LearnerMemory, error) {
	memory, err := s.driver.GetLearnerMemory(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	if memory == nil {
		memory = NewLearnerMemory(learnerID)
	}
	return memory, nil
}

func (s *Store) UpsertLearnerMemory(ctx context.Context, memory *LearnerMemory) (*LearnerMemory, error) {
	return s.driver.UpsertLearnerMemory(ctx, memory)
}

func (s *Store) CreateInstructorProfile(ctx context.Context, create *InstructorProfile) (*InstructorProfile, error) {
	return s.driver.CreateInstructorProfile(ctx, create)
}

func (s *Store) UpdateInstructorProfile(ctx context.Context, update *UpdateInstructorProfile) (*InstructorProfile, error) {
	p, err := s.driver.UpdateInstructorProfile(ctx, update)
	if err != nil {
		return nil, err
	}
	s.profileCache.Delete(profileCacheKey(update.ID))
	return p, nil
}

// GetInstructorProfile returns the profile or nil when it does not exist.
// Loads are deduplicated and cached; the cache is only used for session
// creation, never to refresh an active session's identity.
func (s *Store) GetInstructorProfile(ctx context.Context, id string) (*InstructorProfile, error) {
	key := profileCacheKey(id)
	if v, ok := s.profileCache.Get(key); ok {
		return v.(*InstructorProfile), nil
	}

	v, err, _ := s.profileGroup.Do(key, func() (any, error) {
		list, err := s.driver.ListInstructorProfiles(ctx, &FindInstructorProfile{ID: &id, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return (*InstructorProfile)(nil), nil
		}
		s.profileCache.Set(key, list[0])
		return list[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstructorProfile), nil
}

func profileCacheKey(id string) string {
	return "instructor_profile:" + id
}
