package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/plugin/ai"
	"github.com/courseloop/courseloop/internal/errors"
	"github.com/courseloop/courseloop/server/service/teaching"
	"github.com/courseloop/courseloop/store"
	"github.com/courseloop/courseloop/store/db"
)

var (
	instanceProfile *profile.Profile

	retentionDays int

	rootCmd = &cobra.Command{
		Use:   "courseloop",
		Short: "courseloop is a session-scoped AI tutoring service",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			instanceProfile = &profile.Profile{
				Mode:   viper.GetString("mode"),
				Data:   viper.GetString("data"),
				Driver: viper.GetString("driver"),
				DSN:    viper.GetString("dsn"),
			}
			instanceProfile.FromEnv()
			return instanceProfile.Validate()
		},
	}

	demoCmd = &cobra.Command{
		Use:   "demo [text]",
		Short: "Submit one answer against a seeded demo lesson and stream the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if !instanceProfile.IsAIEnabled() {
				return fmt.Errorf("no LLM endpoint configured: set COURSELOOP_AI_API_KEY")
			}
			generator, err := ai.NewGenerator(&ai.Config{
				BaseURL: instanceProfile.AIBaseURL,
				APIKey:  instanceProfile.AIAPIKey,
				Model:   instanceProfile.AIModel,
			})
			if err != nil {
				return err
			}

			svc := teaching.NewService(st, generator, instanceProfile)
			session, screenID, err := seedDemoLesson(ctx, st, svc)
			if err != nil {
				return err
			}
			if _, err := svc.StartScreen(ctx, session.ID, screenID); err != nil {
				return fmt.Errorf("cannot start screen (%s): %w",
					errors.GetCodeFromError(err, errors.ErrCodeConstraintViolation), err)
			}

			events, err := svc.SubmitInteraction(ctx, session.ID, screenID, "", strings.Join(args, " "))
			if err != nil {
				return err
			}
			for e := range events {
				switch e.Type {
				case teaching.EventChunk:
					fmt.Print(e.Chunk)
				case teaching.EventValidated:
					if len(e.Violations) > 0 {
						fmt.Printf("\n[validated with violations: %s]\n", strings.Join(e.Violations, ", "))
					}
				case teaching.EventCommitted:
					fmt.Println("\n[committed]")
				case teaching.EventFallback:
					code := errors.GetCodeFromError(e.Err, errors.ErrCodeValidationRejected)
					fmt.Printf("%s\n[fallback %s: %s]\n", e.Text, code, strings.Join(e.Violations, ", "))
				case teaching.EventError:
					return e.Err
				}
			}
			return nil
		},
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List teaching sessions and their screen progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			sessions, err := st.ListTeachingSessions(ctx, &store.FindTeachingSession{})
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  learner=%s  instructor=%s  state=%s\n", s.ID, s.LearnerID, s.ProfileID, s.State)
				screens, err := st.ListScreenStates(ctx, &store.FindScreenState{SessionID: &s.ID})
				if err != nil {
					return err
				}
				for _, sc := range screens {
					fmt.Printf("  %-24s %-10s %-10s attempts=%d hints=%d time=%ds\n",
						sc.ID, sc.Type, sc.Phase,
						sc.Progress.Attempts, sc.Progress.HintsUsed, sc.Progress.TimeSpentSeconds)
				}
			}
			return nil
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove abandoned sessions past the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
			n, err := st.CleanupAbandonedSessions(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d abandoned sessions\n", n)
			return nil
		},
	}
)

func openStore(ctx context.Context) (*store.Store, func(), error) {
	driver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(driver, instanceProfile)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// seedDemoLesson creates the demo instructor on first use and a fresh
// single-screen session for each run.
func seedDemoLesson(ctx context.Context, st *store.Store, svc *teaching.TeachingService) (*store.TeachingSession, string, error) {
	const profileID = "demo-instructor"
	existing, err := st.GetInstructorProfile(ctx, profileID)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		now := time.Now().Unix()
		if _, err := st.CreateInstructorProfile(ctx, &store.InstructorProfile{
			ID:                  profileID,
			DisplayName:         "Demo Instructor",
			Style:               "socratic",
			Tone:                "warm",
			Persona:             "You are a patient programming instructor. Guide the learner with questions instead of answers.",
			RequireVerification: true,
			CreatedTs:           now,
			UpdatedTs:           now,
		}); err != nil {
			return nil, "", err
		}
	}

	session, err := svc.CreateSession(ctx, "demo-learner", profileID, []*teaching.ScreenBlueprint{{
		Type:      store.ScreenTypePractice,
		Topic:     "Recursion basics",
		Objective: "Identify the base case of a recursive function",
		Concepts:  []string{"recursion", "base case"},
	}})
	if err != nil {
		return nil, "", err
	}

	screens, err := st.ListScreenStates(ctx, &store.FindScreenState{SessionID: &session.ID, Limit: 1})
	if err != nil {
		return nil, "", err
	}
	if len(screens) == 0 {
		return nil, "", fmt.Errorf("demo session %s has no screens", session.ID)
	}
	return session, screens[0].ID, nil
}

func init() {
	rootCmd.PersistentFlags().String("mode", "demo", `mode of the server: "prod", "dev" or "demo"`)
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", `database driver: "sqlite" or "postgres"`)
	rootCmd.PersistentFlags().String("dsn", "", "database connection string")
	_ = viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode"))
	_ = viper.BindPFlag("data", rootCmd.PersistentFlags().Lookup("data"))
	_ = viper.BindPFlag("driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.SetEnvPrefix("courseloop")
	viper.AutomaticEnv()

	cleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 30, "remove abandoned sessions older than this many days")
	rootCmd.AddCommand(demoCmd, sessionsCmd, cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
