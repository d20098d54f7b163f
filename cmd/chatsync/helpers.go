package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	chatsync "github.com/chatsync/chatsync/sdk/golang"
)

const requestTimeout = 15 * time.Second

// env bundles what every network command needs.
type env struct {
	cfg    *Config
	log    zerolog.Logger
	client *chatsync.Client
}

// setup loads the effective config and builds an authenticated client.
func setup() (*env, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token configured; run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}
	log := newLogger(logLevel, cfg.Default.LogLevel)

	opts := []chatsync.ClientOption{
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithClientLogger(log),
		chatsync.WithClientNormalizer(chatsync.NewNormalizer(cfg.Identity.Self, chatsync.WithLogger(log))),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return &env{cfg: cfg, log: log, client: chatsync.NewClient(opts...)}, nil
}

func printConversations(w io.Writer, convs []chatsync.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}
	for _, c := range convs {
		when := "-"
		if c.LastMessageTime != nil {
			when = c.LastMessageTime.Local().Format(time.DateTime)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(*c.LastMessage, 40)
		}
		fmt.Fprintf(w, "%-16s %-20s %3d  %s  %s\n", c.ID, truncate(c.Name, 20), c.UnreadCount, when, preview)
	}
}

func printMessage(w io.Writer, m chatsync.Message) {
	arrow := "<-"
	if m.Direction == chatsync.Outbound {
		arrow = "->"
	}
	status := ""
	if m.Status != chatsync.StatusNone {
		status = " [" + string(m.Status) + "]"
	}
	fmt.Fprintf(w, "%s %s %s%s\n", m.Timestamp.Local().Format(time.DateTime), arrow, m.Text(), status)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
