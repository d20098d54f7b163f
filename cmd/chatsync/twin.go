package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chatsync/chatsync/sdk/golang/internal/twin"
)

var (
	twinAddr   string
	twinSeed   string
	twinToken  string
	twinSelf   string
	twinLegacy bool
)

func init() {
	twinCmd.Flags().StringVar(&twinAddr, "addr", ":8080", "listen address")
	twinCmd.Flags().StringVar(&twinSeed, "seed", "", "YAML seed file")
	twinCmd.Flags().StringVar(&twinToken, "token", "", "require this bearer token")
	twinCmd.Flags().StringVar(&twinSelf, "self", "", "the account's own number")
	twinCmd.Flags().BoolVar(&twinLegacy, "legacy", false, "emit legacy event names")
	rootCmd.AddCommand(twinCmd)
}

var twinCmd = &cobra.Command{
	Use:   "twin",
	Short: "Run an in-memory backend for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(logLevel, "")

		var seed *twin.Seed
		if twinSeed != "" {
			var err error
			if seed, err = twin.LoadSeed(twinSeed); err != nil {
				return err
			}
			if twinSelf == "" {
				twinSelf = seed.Self
			}
		}

		srv := twin.New(twin.Config{
			Token:  twinToken,
			Self:   twinSelf,
			Legacy: twinLegacy,
			Log:    log,
		})
		if seed != nil {
			srv.Store().Apply(seed)
			log.Info().Int("conversations", len(seed.Conversations)).Msg("seed loaded")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		httpSrv := &http.Server{Addr: twinAddr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		log.Info().Str("addr", twinAddr).Msg("twin listening")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "twin server")
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
