// Package main is the entry point for the MCP search bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ykq007/mcp-tavily-bridge/cmd/bridge/app"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
