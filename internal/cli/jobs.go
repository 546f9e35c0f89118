package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meditrack-server/internal/access"
	"meditrack-server/internal/adherence"
	"meditrack-server/internal/database"
	"meditrack-server/internal/models"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			if err := a.openDB(); err != nil {
				return err
			}
			if err := database.Migrate(a.db.WithContext(cmd.Context())); err != nil {
				return err
			}
			a.log.Info().Str("driver", a.cfg.Database.Driver).Msg("schema migrated")
			return nil
		},
	}
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the admin account named by SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			seed := a.cfg.Seed
			if seed.AdminEmail == "" {
				return fmt.Errorf("SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD must be set")
			}
			if err := a.openDB(); err != nil {
				return err
			}
			created, err := database.SeedAdmin(cmd.Context(), a.db, seed.AdminEmail, seed.AdminPassword)
			if err != nil {
				return err
			}
			if created {
				a.log.Info().Str("email", seed.AdminEmail).Msg("admin account created")
			} else {
				a.log.Info().Str("email", seed.AdminEmail).Msg("admin account already exists")
			}
			return nil
		},
	}
}

func newDispatchCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the reminder dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			defer a.close()

			if err := a.services(ctx); err != nil {
				return err
			}
			w := a.worker()
			if !once {
				return w.Run(ctx)
			}
			res, err := w.Tick(ctx)
			a.log.Info().
				Int("generated", res.Generated).
				Int("sent", res.Sent).
				Int("delivered", res.Delivered).
				Int("failed", res.Failed).
				Int("held", res.Held).
				Int("missed", res.Missed).
				Int("escalated", res.Escalated).
				Int("dead_lettered", res.DeadLettered).
				Msg("dispatch pass finished")
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var periods []string
	var asOf string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Recompute materialized adherence stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			defer a.close()

			parsed := make([]models.PeriodType, 0, len(periods))
			for _, p := range periods {
				pt, err := models.ParsePeriodType(p)
				if err != nil {
					return err
				}
				parsed = append(parsed, pt)
			}
			if err := a.services(ctx); err != nil {
				return err
			}

			day := a.adherence.Today()
			if asOf != "" {
				d, err := adherence.ParseDate(asOf)
				if err != nil {
					return err
				}
				day = d
			}
			for _, p := range parsed {
				start := time.Now()
				n, err := a.adherence.Materialize(ctx, access.System, p, day)
				if err != nil {
					return fmt.Errorf("materialize %s stats: %w", p, err)
				}
				a.log.Info().Str("period", string(p)).Int("rows", n).Dur("took", time.Since(start)).Msg("stats recomputed")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&periods, "period", []string{"daily", "weekly", "monthly"}, "periods to recompute")
	cmd.Flags().StringVar(&asOf, "as-of", "", "day inside the periods to recompute, YYYY-MM-DD (default today)")
	return cmd
}
