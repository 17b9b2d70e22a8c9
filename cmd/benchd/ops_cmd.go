package main

import (
	"context"
	"fmt"
)

// OpsCmd groups operation-queue management subcommands.
type OpsCmd struct {
	Cancel OpsCancelCmd `cmd:"" help:"cancel every queued/active op for a device"`
}

type OpsCancelCmd struct {
	DeviceID string `arg:"" help:"device id or kind whose queue to cancel"`
	Reason   string `default:"cli-cancel" help:"reason recorded against cancelled ops"`
}

func (c *OpsCancelCmd) Run(cctx *Context) error {
	n, err := cctx.Client().CancelOps(context.Background(), c.DeviceID, c.Reason)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %d op(s)\n", n)
	return nil
}
