// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blockvault/blockvault/lib/recipe"
)

// ingestReadBufSize bounds how much of the input file is read into
// memory per Feed call; it has no bearing on the recipe produced
// (spec.md §4.4), only on how often Feed is invoked.
const ingestReadBufSize = 1 << 20

// IngestCmd streams a file through one ingest, committing its newly
// discovered blocks into the repository and printing the resulting
// recipe as JSON (spec.md §6's wire form) to stdout. The recipe is also
// saved under the repository's recipes directory so a later Extract
// can find it by name.
type IngestCmd struct {
	Repo string `arg:"" type:"path" help:"Repository directory."`
	File string `arg:"" type:"existingfile" help:"File to ingest."`
	Name string `help:"Recipe name to save as (defaults to the input file's base name)."`
}

func (c *IngestCmd) Run() error {
	opened, err := openRepository(c.Repo)
	if err != nil {
		return err
	}
	defer opened.Close()

	f, err := os.Open(c.File)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.File, err)
	}
	defer f.Close()

	ctl, err := opened.repo.NewIngest()
	if err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}

	buf := make([]byte, ingestReadBufSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if feedErr := ctl.Feed(buf[:n]); feedErr != nil {
				ctl.Abort()
				return fmt.Errorf("feed: %w", feedErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			ctl.Abort()
			return fmt.Errorf("read %s: %w", c.File, err)
		}
	}

	rec, err := ctl.Commit(context.Background())
	if err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}

	name := c.Name
	if name == "" {
		name = filepath.Base(c.File)
	}
	if err := saveRecipe(c.Repo, name, rec); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func saveRecipe(repoDir, name string, rec recipe.Recipe) error {
	path := filepath.Join(recipesPath(repoDir), name+".json")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save recipe %s: %w", name, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func loadRecipe(repoDir, name string) (recipe.Recipe, error) {
	path := filepath.Join(recipesPath(repoDir), name+".json")
	f, err := os.Open(path)
	if err != nil {
		return recipe.Recipe{}, fmt.Errorf("load recipe %s: %w", name, err)
	}
	defer f.Close()
	var rec recipe.Recipe
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return recipe.Recipe{}, fmt.Errorf("decode recipe %s: %w", name, err)
	}
	return rec, nil
}
