package cli

import (
	"github.com/spf13/cobra"

	"github.com/harun/remi/internal/daemon"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with remi on the console",
	Long: `Start an interactive console session. Memory and backends behave
exactly as under serve; the scheduler and Telegram are not started.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	return runDaemon(cmd.Context(), daemon.Options{Console: true})
}
