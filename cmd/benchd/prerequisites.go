package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/astigmatism/benchd/internal/config"
)

type diagnosticCheck struct {
	ID          string
	Description string
	Run         func(context.Context, string) error
}

var diagnosticChecks = []diagnosticCheck{
	{
		ID:          "supported-os",
		Description: "running on a platform with a serial port backend",
		Run: func(ctx context.Context, appBaseDir string) error {
			switch runtime.GOOS {
			case "linux", "darwin":
				return nil
			default:
				return fmt.Errorf("benchd has no serial port backend for %s", runtime.GOOS)
			}
		},
	},
	{
		ID:          "config-loads",
		Description: "environment configuration is complete and well-formed",
		Run: func(ctx context.Context, appBaseDir string) error {
			_, err := config.Load()
			return err
		},
	},
	{
		ID:          "imager-root",
		Description: "imager root directory exists and is a directory",
		Run: func(ctx context.Context, appBaseDir string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			info, err := os.Stat(cfg.Imager.Root)
			if err != nil {
				return fmt.Errorf("imager root %q: %w", cfg.Imager.Root, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("imager root %q is not a directory", cfg.Imager.Root)
			}
			return nil
		},
	},
	{
		ID:          "imager-scripts",
		Description: "read/write imaging scripts exist and are executable",
		Run: func(ctx context.Context, appBaseDir string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, path := range []string{cfg.Imager.ReadScript, cfg.Imager.WriteScript} {
				if path == "" {
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("imaging script %q: %w", path, err)
				}
				if info.Mode()&0o111 == 0 {
					return fmt.Errorf("imaging script %q is not executable", path)
				}
			}
			return nil
		},
	},
	{
		ID:          "app-base-dir-writable",
		Description: "app base directory exists and is writable",
		Run: func(ctx context.Context, appBaseDir string) error {
			probe := appBaseDir + "/.write-probe"
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				return fmt.Errorf("app base dir %q is not writable: %w", appBaseDir, err)
			}
			return os.Remove(probe)
		},
	},
}

// runPrerequisites runs every diagnostic check, logging each, and returns a
// joined error naming every failure rather than bailing at the first one —
// an operator debugging a dead daemon wants the whole picture at once.
func runPrerequisites(ctx context.Context, appBaseDir string) error {
	var errs []error
	for _, check := range diagnosticChecks {
		if err := check.Run(ctx, appBaseDir); err != nil {
			slog.ErrorContext(ctx, "prerequisite check failed", "id", check.ID, "description", check.Description, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", check.Description, err))
			continue
		}
		slog.InfoContext(ctx, "prerequisite check passed", "id", check.ID)
	}
	return errors.Join(errs...)
}
