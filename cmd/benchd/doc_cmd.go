package main

import (
	"os"

	"github.com/alecthomas/kong"
)

// DocCmd prints complete command help formatted as markdown, for pasting
// into operator documentation. It drives kong's own help machinery with
// MarkdownHelpPrinter rather than the default text formatter.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	var cli CLI
	parser, err := kong.New(&cli, kong.Description(description))
	if err != nil {
		return err
	}
	kctx, err := kong.Trace(parser, []string{"--help"})
	if err != nil {
		return err
	}
	kctx.Stdout = os.Stdout
	return MarkdownHelpPrinter(kong.HelpOptions{}, kctx)
}
