package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

// DevicesCmd lists every device the daemon has ever seen, current status.
type DevicesCmd struct{}

type deviceRow struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Path       string `json:"path"`
	VID        string `json:"vid"`
	PID        string `json:"pid"`
	Status     string `json:"status"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

func (c *DevicesCmd) Run(cctx *Context) error {
	raw, err := cctx.Client().Devices(context.Background())
	if err != nil {
		return err
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var rows []deviceRow
	if err := json.Unmarshal(buf, &rows); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tKIND\tSTATUS\tPATH\tVID:PID\t")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s:%s\t\n", row.ID, row.Kind, row.Status, row.Path, row.VID, row.PID)
	}
	return w.Flush()
}
