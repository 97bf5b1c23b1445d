package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/chatwidget-go/internal/backend"
	"github.com/comigor/chatwidget-go/internal/config"
	"github.com/comigor/chatwidget-go/internal/history"
	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/session"
	"github.com/comigor/chatwidget-go/internal/storage"
	"github.com/comigor/chatwidget-go/internal/turn"
	"github.com/comigor/chatwidget-go/internal/voice"
	"github.com/comigor/chatwidget-go/internal/widget"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Terminal chat widget for the chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to config file (overrides CONFIG_PATH)")
	rootCmd.PersistentFlags().String("endpoint", "", "chat endpoint URL")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "chat",
			Short: "Start an interactive conversation",
			RunE:  runChat,
		},
		&cobra.Command{
			Use:   "history",
			Short: "Print the stored conversation",
			RunE:  runHistory,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear the stored conversation and start a new session",
			RunE:  runClear,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds everything a subcommand needs.
type app struct {
	cfg     *config.Config
	db      *storage.SQLiteStore
	session *session.Identity
	history *history.Store
	logFile *os.File
}

func setup(cmd *cobra.Command) (*app, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		os.Setenv("CONFIG_PATH", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Widget.Endpoint = endpoint
	}

	a := &app{cfg: cfg}
	// stdout belongs to the conversation; logs only go to a file.
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logger.Setup(cfg.Log.Level, cfg.Log.Format, f)
	} else {
		logger.Discard()
	}

	a.db = storage.NewSQLiteStore(cfg.Widget.DBPath)
	a.session = session.New(a.db)
	a.history = history.New(a.db, a.session)
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		logger.L.Warn("failed to close store", "error", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) conversation(listener func(widget.State)) (*widget.Conversation, *voice.Announcer) {
	w := a.cfg.Widget
	announcer := voice.NewAnnouncer(voice.NewCommandSpeaker(w.Voice.Command, w.Voice.Args), w.Voice.Enabled)
	conv := widget.New(a.history, a.session, backend.NewClient(w.Endpoint, 0), announcer, widget.Options{
		ResponseDelay:  w.ResponseDelay,
		RequestTimeout: w.RequestTimeout,
		MaxImages:      w.MaxImages,
		UserAvatar:     w.UserAvatar,
		BotAvatar:      w.BotAvatar,
		Listener:       listener,
	})
	return conv, announcer
}

func runChat(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	r := newREPL(cmd.InOrStdin(), cmd.OutOrStdout())
	conv, announcer := a.conversation(r.onState)
	defer announcer.Close()
	r.conv = conv

	logger.L.Info("chat started", "session_id", conv.SessionID(), "endpoint", a.cfg.Widget.Endpoint)
	return r.run(cmd.Context())
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	turns := a.history.Snapshot()
	if len(turns) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}
	fmt.Fprintf(out, "Session %s\n", a.session.ID())
	for _, t := range turns {
		printTurn(out, t)
	}
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.history.Clear(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation cleared. New session %s\n", a.session.ID())
	return nil
}

func senderLabel(t turn.Turn) string {
	if t.IsUser() {
		return "you"
	}
	return "bot"
}
