package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meditrack-server/internal/database"
	"meditrack-server/internal/routes"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var withDispatcher, autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			defer a.close()

			if err := a.services(ctx); err != nil {
				return err
			}
			if autoMigrate {
				if err := database.Migrate(a.db); err != nil {
					return err
				}
			}
			if a.cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := &http.Server{
				Addr: ":" + a.cfg.Port,
				Handler: routes.NewRouter(routes.Deps{
					DB:        a.db,
					Cfg:       a.cfg,
					Logger:    a.log,
					Adherence: a.adherence,
					Reminders: a.reminders,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info().Str("addr", srv.Addr).Msg("server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.log.Info().Msg("shutting down server")
				return srv.Shutdown(shutdownCtx)
			})
			if withDispatcher {
				w := a.worker()
				g.Go(func() error { return w.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withDispatcher, "dispatcher", false, "also run the reminder dispatcher in this process")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "migrate the schema before serving")
	return cmd
}
