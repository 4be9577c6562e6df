// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// RecipesCmd lists the recipes saved in a repository's recipes
// directory, with each one's reconstructed size and piece count.
type RecipesCmd struct {
	Repo string `arg:"" type:"path" help:"Repository directory."`
}

func (c *RecipesCmd) Run() error {
	entries, err := os.ReadDir(recipesPath(c.Repo))
	if err != nil {
		return fmt.Errorf("list recipes: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)

	for _, name := range names {
		rec, err := loadRecipe(c.Repo, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\t%d pieces\t%s\n", name, rec.Size, len(rec.Pieces), rec.MD5Sum)
	}
	return nil
}
