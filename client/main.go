package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/puyokura/cmpprelay/history"
)

type globalOptions struct {
	server   string
	user     string
	password string
	logFile  string

	retryDelay time.Duration
	retries    int
}

func (o *globalOptions) secret() (string, error) {
	if o.password != "" {
		return o.password, nil
	}
	if pw := os.Getenv("CMPP_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", errors.New("password required: use --password or CMPP_PASSWORD")
}

func (o *globalOptions) logger() (*slog.Logger, func(), error) {
	if o.logFile == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { f.Close() }, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "client",
		Short:         "Terminal client for the cmpprelay chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", "localhost", "server address (host[:port] or URL)")
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", os.Getenv("USER"), "username")
	root.PersistentFlags().StringVarP(&opts.password, "password", "p", "", "password (default $CMPP_PASSWORD)")
	root.PersistentFlags().StringVar(&opts.logFile, "log", "", "write debug logs to this file")
	root.PersistentFlags().DurationVar(&opts.retryDelay, "retry-delay", time.Second, "pause between relay reconnect attempts")
	root.PersistentFlags().IntVar(&opts.retries, "retries", 5, "consecutive failed relay dials before giving up")

	root.AddCommand(
		newRegisterCmd(opts),
		newChatsCmd(opts),
		newHistoryCmd(opts),
		newChatCmd(opts),
	)
	return root
}

func newRegisterCmd(opts *globalOptions) *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			apiBase, _, err := endpoints(opts.server)
			if err != nil {
				return err
			}
			password, err := opts.secret()
			if err != nil {
				return err
			}
			acct, err := history.NewClient(apiBase).Register(cmd.Context(), opts.user, password, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", acct.Username, acct.DisplayName)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "name shown to other users")
	return cmd
}

func newChatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List your chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := opts.logger()
			if err != nil {
				return err
			}
			defer closeLog()
			n, err := Dial(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			chats, err := n.API.Chats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range chats {
				last := "no messages"
				if c.LastMessage != nil {
					last = fmt.Sprintf("%s: %s", c.LastMessage.Sender.Username, c.LastMessage.Content)
				}
				fmt.Fprintf(out, "%-20s %3d unread  %-14s %s\n", c.Name, c.UnreadCount, humanize.Time(c.UpdatedAt), last)
			}
			return nil
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := opts.logger()
			if err != nil {
				return err
			}
			defer closeLog()
			ctx := cmd.Context()
			n, err := Dial(ctx, opts, logger)
			if err != nil {
				return err
			}
			chat, err := n.DirectChat(ctx, args[0])
			if err != nil {
				return err
			}
			view := history.NewView(n.API, chat.ID, n.Self, history.ViewOptions{Logger: logger})
			defer view.Close()
			for view.HasMore() && (limit <= 0 || len(view.Messages()) < limit) {
				if _, err := view.LoadOlder(ctx); err != nil {
					return err
				}
			}
			msgs := view.Messages()
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "%s  %-15s %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Sender.Username, m.Content)
			}
			fmt.Fprintf(out, "%s messages\n", humanize.Comma(int64(len(msgs))))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print only the newest n messages")
	return cmd
}

func newChatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open an interactive conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.logFile == "" {
				opts.logFile = "client.log"
			}
			logger, closeLog, err := opts.logger()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx := cmd.Context()
			n, err := Dial(ctx, opts, logger)
			if err != nil {
				return err
			}
			peer := strings.TrimSpace(args[0])
			chat, err := n.DirectChat(ctx, peer)
			if err != nil {
				return err
			}
			view := history.NewView(n.API, chat.ID, n.Self, history.ViewOptions{Logger: logger})
			defer view.Close()

			if err := n.Session.Connect(ctx); err != nil {
				return err
			}
			defer n.Session.Disconnect()

			p := tea.NewProgram(initialModel(n, view, peer), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err = p.Run()
			return err
		},
	}
}

func main() {
	_ = godotenv.Load(".env")
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
