package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatsync "github.com/chatsync/chatsync/sdk/golang"
)

var (
	watchConversation string
	watchMetricsAddr  string
)

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "open this conversation and print its messages")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the live stream and print changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			e.log.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		opts := []chatsync.Option{
			chatsync.WithLogger(e.log),
			chatsync.WithMetrics(metrics),
			chatsync.WithNotifier(printNotifier{w: cmd.ErrOrStderr()}),
		}
		conn := chatsync.NewConnectionManager(&chatsync.ConnectionConfig{
			URL:       e.client.BaseURL(),
			Namespace: e.cfg.Default.Namespace,
			Token:     e.cfg.Auth.Token,
		}, opts...)
		sess := chatsync.NewSession(e.client, conn, chatsync.SessionConfig{Self: e.cfg.Identity.Self}, opts...)
		defer sess.Stop()

		out := cmd.OutOrStdout()
		conn.OnStateChange(func(s chatsync.ConnState) {
			fmt.Fprintf(out, "* %s\n", s)
		})
		sess.Normalizer().OnNewMessage(func(ev chatsync.NewMessage) {
			printMessage(out, ev.Message)
		})
		sess.Normalizer().OnStatusUpdate(func(ev chatsync.StatusUpdate) {
			fmt.Fprintf(out, "  %s is now %s\n", ev.MessageID, ev.Status)
		})

		if err := sess.Start(ctx); err != nil {
			e.log.Warn().Err(err).Msg("conversation list unavailable")
		} else {
			printConversations(out, sess.Conversations())
		}

		if watchConversation != "" {
			msgs, err := sess.OpenConversation(ctx, chatsync.NormalizeIdentity(watchConversation))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
		}

		// SIGUSR1 sends the session to the background, SIGUSR2 brings it back.
		go sess.Lifecycle().Run(ctx, foregroundSignals(ctx), nil)

		<-ctx.Done()
		return nil
	},
}

func foregroundSignals(ctx context.Context) <-chan bool {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	out := make(chan bool)
	go func() {
		defer signal.Stop(sigs)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				select {
				case out <- sig == syscall.SIGUSR2:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// printNotifier writes local notifications to the terminal.
type printNotifier struct {
	w io.Writer
}

func (p printNotifier) Notify(_ context.Context, n chatsync.Notification) error {
	_, err := fmt.Fprintf(p.w, "[%s] %s: %s\n", time.Now().Format(time.Kitchen), n.Title, n.Body)
	return err
}
