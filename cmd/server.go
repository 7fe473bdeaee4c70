package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/court-scheduler/internal/auth"
	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/config"
	"github.com/example/court-scheduler/internal/courtsite"
	"github.com/example/court-scheduler/internal/crypto"
	"github.com/example/court-scheduler/internal/identity"
	"github.com/example/court-scheduler/internal/logger"
	"github.com/example/court-scheduler/internal/scheduler"
	"github.com/example/court-scheduler/internal/store"
	"github.com/example/court-scheduler/internal/web"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the API + scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logger.New()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			aead, err := crypto.New(cfg.CredEncKey)
			if err != nil {
				return err
			}

			authStore := auth.NewStore(db, cfg.CookieHashKey, cfg.CookieBlockKey)

			sched := &scheduler.Scheduler{
				Store: db,
				Locks: identity.NewRegistry(),
				Factory: func(email, password string) (*booking.Orchestrator, error) {
					client, err := courtsite.New(cfg.PlatformBaseURL, courtsite.Credentials{Email: email, Password: password})
					if err != nil {
						return nil, err
					}
					return &booking.Orchestrator{
						Oracle:  client,
						Backend: client,
						Log:     logger.Component(log, "booking"),
					}, nil
				},
				AEAD:          aead,
				Log:           logger.Component(log, "scheduler"),
				Workers:       cfg.Workers,
				WatchInterval: cfg.WatcherInterval,
			}
			sched.Start(ctx)
			defer sched.Stop()

			if err := sched.RecoverOnStartup(ctx); err != nil {
				return err
			}

			ws := &web.Server{
				Auth: authStore,
				Svc:  &scheduler.Service{Sched: sched},
				Log:  logger.Component(log, "web"),
			}
			log.Info("listening", "addr", cfg.ListenAddr)
			return web.Start(ctx, cfg.ListenAddr, ws.Routes())
		},
	}
}
