package action

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/maxdollinger/gcearch/internal/cli/cmd"
	"github.com/maxdollinger/gcearch/internal/db"
	"github.com/maxdollinger/gcearch/internal/db/models"
)

// History prints the most recent builds.
func History(ctx *cli.Context) error {
	args := &cmd.HistoryArgs
	if args.StateDir == "" {
		return fmt.Errorf("no state directory configured")
	}

	conn, err := db.Open(ctx.Context, filepath.Join(args.StateDir, "builds.db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	builds, err := models.ListBuilds(ctx.Context, conn, args.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tCREATED\tOUTPUT")
	for _, b := range builds {
		output := ""
		switch {
		case b.OutputPath != nil:
			output = *b.OutputPath
		case b.Error != nil:
			output = *b.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.ImageName, b.Status, b.CreatedAt.Format(time.DateTime), output)
	}
	return w.Flush()
}
