// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// colors holds the styled print functions used across commands. They are
// swapped for no-op passthroughs when output isn't a color-capable
// terminal, NO_COLOR is set, or --no-color is passed.
var (
	ok      = color.New(color.FgGreen).SprintFunc()
	warn    = color.New(color.FgYellow).SprintFunc()
	bad     = color.New(color.FgRed, color.Bold).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	colorOn bool
)

// initColors enables or disables ANSI styling. Disabled when noColor is
// set, NO_COLOR is present in the environment, or stdout is not a TTY.
func initColors(noColor bool) {
	colorOn = !noColor && os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())
	color.NoColor = !colorOn
}

// statusGlyph renders a colored ok/bad mark for boolean health fields.
func statusGlyph(healthy bool) string {
	if healthy {
		return ok("OK")
	}
	return bad("FAIL")
}

func printErr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, bad("error: ")+format+"\n", args...)
}

func fatal(format string, args ...interface{}) {
	printErr(format, args...)
	os.Exit(1)
}
