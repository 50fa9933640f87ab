package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "botdesk",
		Short:         "Operator client for the bot business backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.apiURL, "api-url", "", "backend base URL (overrides BOTDESK_API_URL)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "credential database path (overrides BOTDESK_DB_PATH)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides BOTDESK_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&flags.ephemeral, "ephemeral", false, "keep the credential in memory only")

	root.AddCommand(
		newServeCommand(flags),
		newLoginCommand(flags),
		newRegisterCommand(flags),
		newLogoutCommand(flags),
		newWhoamiCommand(flags),
		newBotsCommand(flags),
		newToggleBotCommand(flags),
		newAddBotCommand(flags),
		newConversationsCommand(flags),
		newWatchCommand(flags),
		newSendCommand(flags),
		newControlCommand(flags),
	)
	return root
}
