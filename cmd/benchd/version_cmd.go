package main

import (
	"context"
	"fmt"

	"github.com/astigmatism/benchd/version"
)

// VersionCmd prints this binary's build version. When a daemon is
// reachable its version is printed alongside, the way DaemonCmd's status
// check surfaces a CLI/daemon mismatch before it causes a confusing error.
type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	info := version.Get()
	fmt.Printf("benchd %s\n", orEmpty(info.GitCommit, "(unknown commit)"))
	fmt.Printf("  repo:       %s\n", info.GitRepo)
	fmt.Printf("  branch:     %s\n", info.GitBranch)
	fmt.Printf("  built:      %s\n", info.BuildTime)
	if info.BuildInfo != nil {
		fmt.Printf("  go version: %s\n", info.BuildInfo.GoVersion)
	}

	daemonInfo, err := cctx.Client().Version(context.Background())
	if err != nil {
		fmt.Println("daemon:     not running")
		return nil
	}
	fmt.Printf("daemon:     %s\n", orEmpty(daemonInfo.GitCommit, "(unknown commit)"))
	if !info.Equal(daemonInfo) {
		fmt.Println("warning: CLI and daemon versions differ; restart the daemon")
	}
	return nil
}

func orEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
