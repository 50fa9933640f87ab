package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/botdesk/internal/convsync"
	"github.com/ashureev/botdesk/internal/domain"
)

// run wires an app for a one-shot command and closes it afterwards.
func run(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, flags, nil, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newLoginCommand(flags *globalFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("BOTDESK_PASSWORD")
			}
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				id, err := a.session.Login(ctx, email, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", id.DisplayName())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or BOTDESK_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand(flags *globalFlags) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log into it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("BOTDESK_PASSWORD")
			}
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				id, err := a.session.Register(ctx, email, password, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered and logged in as %s\n", id.DisplayName())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or BOTDESK_PASSWORD)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(_ context.Context, a *app) error {
				a.session.Logout()
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}

func newWhoamiCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				id, err := a.requireSession(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", id.DisplayName(), id.Email)
				return nil
			})
		},
	}
}

func newBotsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "bots",
		Short: "List bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(ctx); err != nil {
					return err
				}
				bots, err := a.api.ListBots(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tUSERNAME\tSTATUS\tCONVERSATIONS")
				for _, b := range bots {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", b.ID, b.Name, b.Username, botStatus(b), b.ConversationsCount)
				}
				return w.Flush()
			})
		},
	}
}

func botStatus(b domain.Bot) string {
	if b.IsActive {
		return "active"
	}
	return "paused"
}

func newToggleBotCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-bot <id>",
		Short: "Pause or resume a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(ctx); err != nil {
					return err
				}
				bot, err := a.api.ToggleBot(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bot %s is now %s\n", bot.Name, botStatus(bot))
				return nil
			})
		},
	}
}

func newAddBotCommand(flags *globalFlags) *cobra.Command {
	var nb domain.NewBot
	cmd := &cobra.Command{
		Use:   "add-bot",
		Short: "Register a new bot token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(ctx); err != nil {
					return err
				}
				bot, err := a.api.CreateBot(ctx, nb)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added bot %s (id %d)\n", bot.Name, bot.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&nb.Token, "token", "", "bot token issued by the messaging platform")
	cmd.Flags().StringVar(&nb.Name, "name", "", "bot name")
	cmd.Flags().StringVar(&nb.BusinessDescription, "description", "", "business description used by the assistant")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newConversationsCommand(flags *globalFlags) *cobra.Command {
	var botID int64
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(ctx); err != nil {
					return err
				}
				convs, err := a.api.ListConversations(ctx, botID)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPEER\tMODE\tLAST MESSAGE")
				for _, c := range convs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.PeerDisplayName, c.ModeLabel(), preview(c.LastMessage))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&botID, "bot", 0, "only conversations of this bot")
	return cmd
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 48 {
		return string(r[:47]) + "…"
	}
	return s
}

func printMessage(w io.Writer, m domain.Message) {
	fmt.Fprintf(w, "[%s] %-8s %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role.Label(), m.Content)
}

// openConversation restores the session and opens conversation arg.
func openConversation(ctx context.Context, a *app, arg string) (*convsync.Engine, error) {
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	if _, err := a.requireSession(ctx); err != nil {
		return nil, err
	}
	return convsync.Open(ctx, a.api, id, a.logger)
}

func newWatchCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Follow a conversation until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(cmd, flags, func(_ context.Context, a *app) error {
				e, err := openConversation(ctx, a, args[0])
				if err != nil {
					return err
				}
				defer e.Close()

				out := cmd.OutOrStdout()
				snap := e.Snapshot()
				fmt.Fprintf(out, "%s (%s)\n", snap.Conversation.PeerDisplayName, snap.Conversation.ModeLabel())

				seen := make(map[int64]bool)
				mode := snap.Conversation.IsAIControlled
				for _, m := range snap.Messages {
					seen[m.ID] = true
					printMessage(out, m)
				}

				for {
					select {
					case <-ctx.Done():
						return nil
					case _, ok := <-e.Updates():
						if !ok {
							return nil
						}
					}
					snap := e.Snapshot()
					for _, m := range snap.Messages {
						if !seen[m.ID] {
							seen[m.ID] = true
							printMessage(out, m)
						}
					}
					if snap.Conversation.IsAIControlled != mode {
						mode = snap.Conversation.IsAIControlled
						fmt.Fprintf(out, "-- switched to %s\n", snap.Conversation.ModeLabel())
					}
				}
			})
		},
	}
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message as the operator",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				e, err := openConversation(ctx, a, args[0])
				if err != nil {
					return err
				}
				defer e.Close()

				if err := e.Send(ctx, strings.Join(args[1:], " ")); err != nil {
					return err
				}
				msgs := e.Snapshot().Messages
				if len(msgs) > 0 {
					printMessage(cmd.OutOrStdout(), msgs[len(msgs)-1])
				}
				return nil
			})
		},
	}
}

func newControlCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "control <conversation-id>",
		Short: "Hand a conversation between the AI and you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app) error {
				e, err := openConversation(ctx, a, args[0])
				if err != nil {
					return err
				}
				defer e.Close()

				if _, err := e.ToggleControl(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d is now in %s\n", e.ID(), e.Snapshot().Conversation.ModeLabel())
				return nil
			})
		},
	}
}
