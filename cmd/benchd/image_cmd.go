package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// ImageCmd groups CF-card filesystem and imaging subcommands (spec.md §4.5
// read/write-as-image operations, gated against the FS watchdog).
type ImageCmd struct {
	Ls     ImageLsCmd     `cmd:"" help:"list a directory under the imager root"`
	Mkdir  ImageMkdirCmd  `cmd:"" help:"create a directory under the imager root"`
	Rename ImageRenameCmd `cmd:"" help:"rename an entry under the imager root"`
	Move   ImageMoveCmd   `cmd:"" help:"move an entry under the imager root"`
	Rm     ImageRmCmd     `cmd:"" help:"delete an entry under the imager root"`
	Read   ImageReadCmd   `cmd:"" help:"image the CF card's contents to a file under the imager root"`
	Write  ImageWriteCmd  `cmd:"" help:"write an image file under the imager root to the CF card"`
}

type ImageLsCmd struct {
	DeviceID string `arg:""`
	Rel      string `arg:"" optional:"" default:"" help:"relative path (default: root)"`
}

func (c *ImageLsCmd) Run(cctx *Context) error {
	snap, err := cctx.Client().ImageList(context.Background(), c.DeviceID, c.Rel)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSIZE\tMODIFIED\t")
	for _, e := range snap.Entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t\n", e.Name, e.Kind, e.SizeBytes, e.ModifiedAtISO)
	}
	return w.Flush()
}

type ImageMkdirCmd struct {
	DeviceID string `arg:""`
	Rel      string `arg:""`
}

func (c *ImageMkdirCmd) Run(cctx *Context) error {
	return cctx.Client().ImageMkdir(context.Background(), c.DeviceID, c.Rel)
}

type ImageRenameCmd struct {
	DeviceID string `arg:""`
	FromRel  string `arg:""`
	ToRel    string `arg:""`
}

func (c *ImageRenameCmd) Run(cctx *Context) error {
	return cctx.Client().ImageRename(context.Background(), c.DeviceID, c.FromRel, c.ToRel)
}

type ImageMoveCmd struct {
	DeviceID   string `arg:""`
	NameRel    string `arg:""`
	DestDirRel string `arg:""`
}

func (c *ImageMoveCmd) Run(cctx *Context) error {
	return cctx.Client().ImageMove(context.Background(), c.DeviceID, c.NameRel, c.DestDirRel)
}

type ImageRmCmd struct {
	DeviceID string `arg:""`
	Rel      string `arg:""`
}

func (c *ImageRmCmd) Run(cctx *Context) error {
	return cctx.Client().ImageDelete(context.Background(), c.DeviceID, c.Rel)
}

type ImageReadCmd struct {
	DeviceID   string `arg:"" help:"cf_reader device id"`
	DevicePath string `arg:"" help:"block device path to read from, e.g. /dev/sdb"`
	DestDir    string `arg:"" help:"destination directory under the imager root"`
	DestName   string `arg:"" help:"destination image file name"`
}

func (c *ImageReadCmd) Run(cctx *Context) error {
	opID, err := cctx.Client().ImageRead(context.Background(), c.DeviceID, c.DevicePath, c.DestDir, c.DestName)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued op %s\n", opID)
	return nil
}

type ImageWriteCmd struct {
	DeviceID   string `arg:"" help:"cf_reader device id"`
	CWD        string `arg:"" help:"directory under the imager root containing the image"`
	ImageName  string `arg:"" help:"image file name"`
	DevicePath string `arg:"" help:"block device path to write to, e.g. /dev/sdb"`
}

func (c *ImageWriteCmd) Run(cctx *Context) error {
	opID, err := cctx.Client().ImageWrite(context.Background(), c.DeviceID, c.CWD, c.ImageName, c.DevicePath)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued op %s\n", opID)
	return nil
}
