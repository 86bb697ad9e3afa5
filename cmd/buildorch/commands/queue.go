package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/store"
)

// QueueCmd implements the 'queue' command.
type QueueCmd struct {
	JSON bool `help:"Print JSON instead of a table"`
}

// QueueReport is the durable admission state as printed by 'queue'.
type QueueReport struct {
	Active []build.Request `json:"active"`
	Queued []build.Request `json:"queued"`
}

func (q *QueueCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	report, err := readQueue(ctx, st)
	if err != nil {
		return err
	}
	if q.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printQueue(os.Stdout, report)
}

func readQueue(ctx context.Context, st store.Store) (QueueReport, error) {
	active, err := st.ActiveRequests(ctx)
	if err != nil {
		return QueueReport{}, err
	}
	queued, err := st.QueuedRequests(ctx)
	if err != nil {
		return QueueReport{}, err
	}
	if active == nil {
		active = []build.Request{}
	}
	if queued == nil {
		queued = []build.Request{}
	}
	return QueueReport{Active: active, Queued: queued}, nil
}

func printQueue(w io.Writer, r QueueReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tPOSITION\tBUILD\tPROJECT\tOWNER\tNUMBER")
	for _, req := range r.Active {
		fmt.Fprintf(tw, "active\t-\t%s\t%s\t%s\t%d\n", req.BuildID, req.ProjectID, req.OwnerID, req.BuildNumber)
	}
	for i, req := range r.Queued {
		fmt.Fprintf(tw, "queued\t%d\t%s\t%s\t%s\t%d\n", i+1, req.BuildID, req.ProjectID, req.OwnerID, req.BuildNumber)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d active, %d queued\n", len(r.Active), len(r.Queued))
	return err
}
