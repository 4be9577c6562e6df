// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command blockvaultctl is a minimal operator-facing demonstration of
// the dedup core: create a repository, ingest a file against it, and
// reconstruct a previously ingested file from its recipe. Everything
// else a real backup tool needs around this (working-directory
// scanning, session/commit orchestration, a real CLI surface) is out
// of scope for the core (spec.md §1) and is not attempted here.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var cli struct {
	Init    InitCmd    `cmd:"" help:"Create a new repository directory."`
	Ingest  IngestCmd  `cmd:"" help:"Ingest a file into a repository, printing the resulting recipe as JSON."`
	Extract ExtractCmd `cmd:"" help:"Reconstruct a file from a repository and a recipe."`
	Recipes RecipesCmd `cmd:"" help:"List recipes stored in a repository."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("blockvaultctl"),
		kong.Description("Content-addressed deduplication repository toolkit."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "blockvaultctl:", err)
		os.Exit(1)
	}
}
