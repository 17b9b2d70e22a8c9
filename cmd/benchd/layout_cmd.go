package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/astigmatism/benchd/internal/layouts"
)

// LayoutCmd groups layout profile store subcommands (spec.md §6.4). Unlike
// every other subcommand, these talk directly to layouts.json under the app
// base directory rather than through the control socket: the store is a
// plain local file, not daemon-owned state, so there is nothing to dial.
type LayoutCmd struct {
	Ls     LayoutLsCmd     `cmd:"" help:"list layout profiles"`
	Show   LayoutShowCmd   `cmd:"" help:"print one profile's layout JSON"`
	Create LayoutCreateCmd `cmd:"" help:"create a profile from a layout JSON file"`
	Update LayoutUpdateCmd `cmd:"" help:"update a profile's name and/or layout JSON"`
	Rm     LayoutRmCmd     `cmd:"" help:"delete a profile"`
	Export LayoutExportCmd `cmd:"" help:"write a profile out as a JSON file"`
	Import LayoutImportCmd `cmd:"" help:"import a profile from a JSON file"`
}

func (c *Context) layouts() *layouts.Manager {
	return layouts.NewManager(c.AppBaseDir)
}

type LayoutLsCmd struct{}

func (c *LayoutLsCmd) Run(cctx *Context) error {
	store, err := cctx.layouts().List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tUPDATED\t")
	for _, p := range store.Items {
		def := ""
		if p.ID == store.DefaultID {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", p.ID, p.Name, def, p.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return w.Flush()
}

type LayoutShowCmd struct {
	ID string `arg:""`
}

func (c *LayoutShowCmd) Run(cctx *Context) error {
	p, ok, err := cctx.layouts().Get(c.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("layout profile %q not found", c.ID)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

type LayoutCreateCmd struct {
	Name string `arg:""`
	File string `arg:"" type:"existingfile" help:"path to a layout JSON file"`
}

func (c *LayoutCreateCmd) Run(cctx *Context) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	p, err := cctx.layouts().Create(c.Name, raw)
	if err != nil {
		return err
	}
	fmt.Printf("created profile %s (%s)\n", p.ID, p.Name)
	return nil
}

type LayoutUpdateCmd struct {
	ID   string `arg:""`
	Name string `help:"new name (leave empty to keep current)"`
	File string `help:"path to a replacement layout JSON file (leave empty to keep current)" type:"existingfile"`
}

func (c *LayoutUpdateCmd) Run(cctx *Context) error {
	var raw []byte
	if c.File != "" {
		b, err := os.ReadFile(c.File)
		if err != nil {
			return err
		}
		raw = b
	}
	p, err := cctx.layouts().Update(c.ID, c.Name, raw)
	if err != nil {
		return err
	}
	fmt.Printf("updated profile %s (%s)\n", p.ID, p.Name)
	return nil
}

type LayoutRmCmd struct {
	ID string `arg:""`
}

func (c *LayoutRmCmd) Run(cctx *Context) error {
	if err := cctx.layouts().Delete(c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted profile %s\n", c.ID)
	return nil
}

type LayoutExportCmd struct {
	ID   string `arg:""`
	File string `arg:""`
}

func (c *LayoutExportCmd) Run(cctx *Context) error {
	raw, err := cctx.layouts().Export(c.ID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.File, raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("exported profile %s to %s\n", c.ID, c.File)
	return nil
}

type LayoutImportCmd struct {
	File string `arg:"" type:"existingfile"`
}

func (c *LayoutImportCmd) Run(cctx *Context) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	res, err := layouts.Import(cctx.layouts(), raw)
	if err != nil {
		return err
	}
	fmt.Printf("imported (%s): %v, default %s\n", res.Mode, res.Created, res.DefaultID)
	return nil
}
