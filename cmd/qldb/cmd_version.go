package main

import (
	"context"
	"fmt"

	"github.com/ochairo/qldb/internal/domain/services"
	"github.com/ochairo/qldb/internal/ui"
)

func runVersion(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("version", `Usage: qldb version [options]

Show the qldb version and the engine it uses. With --install, download a
released engine into the configured install directory when none works.

Examples:
  qldb version --check
  qldb version --install
  qldb version --install --engine-version 2.19.3 --force
`, &g)
	check := fs.Bool("check", false, "Compare the engine with the latest release")
	installEngine := fs.Bool("install", false, "Install the engine if it is missing")
	engineVersion := fs.String("engine-version", services.LatestRelease, "Engine release to install")
	force := fs.Bool("force", false, "Reinstall even when an engine works")

	if err := parse(fs, args); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "qldb %s (%s)\n", version, commit)

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.close()

	if *installEngine {
		handle, installed, err := a.manager.InstallEngine(ctx, *engineVersion, *force)
		if err != nil {
			return err
		}
		if installed {
			ui.Successf("Installed engine %s", handle.VersionString())
		} else {
			ui.Infof("Engine %s already works (use --force to reinstall)", handle.VersionString())
		}
	}

	handle, err := a.manager.Engine(ctx)
	if err != nil {
		ui.Warningf("engine unavailable: %v", err)
	} else {
		fmt.Fprintf(stdout, "engine %s at %s\n", handle.VersionString(), handle.Path)
	}

	if !*check {
		return nil
	}
	update, err := a.manager.CheckEngineUpdate(ctx)
	if err != nil {
		return err
	}
	if update.IsOutdated() {
		ui.Warning(update.Message())
	} else {
		ui.Info(update.Message())
	}
	return nil
}
