package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/maxdollinger/gcearch/internal/cli/action"
	"github.com/maxdollinger/gcearch/internal/cli/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := cmd.NewApp(
		cmd.NewBuildCommand(cmd.AppName, action.Build),
		cmd.NewStageCommand(cmd.AppName, action.Stage),
		cmd.NewConfigureCommand(cmd.AppName, action.Configure),
		cmd.NewHistoryCommand(cmd.AppName, action.History),
	)

	if err := application.RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}
