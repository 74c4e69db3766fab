package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ZeQ61/message/cmd/server/internal/serve"
	"github.com/ZeQ61/message/cmd/server/internal/token"
	"github.com/ZeQ61/message/cmd/server/internal/version"
)

func NewChatServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chat-server",
		Short:   "Real-time chat delivery server",
		Example: "chat-server serve --port :8080",
	}

	cmd.AddCommand(
		serve.NewServeCommand(),
		token.NewTokenCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatServerCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
