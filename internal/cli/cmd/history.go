package cmd

import (
	"github.com/urfave/cli/v2"
)

type HistoryFlags struct {
	StateDir string
	Limit    int
}

var HistoryArgs HistoryFlags

func NewHistoryCommand(appName string, action func(*cli.Context) error) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List recent builds",
		UsageText: usageText(appName, "history [OPTIONS]"),
		Action:    action,
		Flags: []cli.Flag{
			stateDirFlag(&HistoryArgs.StateDir),
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "Number of builds to show",
				Value:       20,
				Destination: &HistoryArgs.Limit,
			},
		},
	}
}
