package main

import (
	"context"
	"fmt"
)

// KeysCmd sends a single key action to the keyboard device's op queue.
type KeysCmd struct {
	DeviceID string `arg:"" help:"keyboard device id, e.g. the kind \"keyboard\""`
	Action   string `arg:"" enum:"press,hold,release" help:"key action"`
	Key      string `arg:"" help:"stable key identifier, e.g. KeyA, KeyEnter"`
}

func (c *KeysCmd) Run(cctx *Context) error {
	opID, err := cctx.Client().PressKeyEvent(context.Background(), c.DeviceID, c.Key, "", c.Action, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("enqueued op %s\n", opID)
	return nil
}
