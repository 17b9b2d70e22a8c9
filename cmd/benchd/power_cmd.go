package main

import (
	"context"
	"fmt"
)

// PowerCmd drives the host-power relay wired through the keyboard
// peripheral. These power commands are not gated on the host power sense.
type PowerCmd struct {
	State string `arg:"" enum:"on,off" help:"power state to request"`
}

func (c *PowerCmd) Run(cctx *Context) error {
	on := c.State == "on"
	if err := cctx.Client().SetPower(context.Background(), on); err != nil {
		return err
	}
	fmt.Printf("power %s requested\n", c.State)
	return nil
}
