// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandTildeNoTilde(t *testing.T) {
	got, err := ExpandTilde("relative/path")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.FromSlash("relative/path"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpandTildeHome(t *testing.T) {
	home, err := getHomeDir()
	if err != nil {
		t.Skip("no home directory in this environment")
	}
	got, err := ExpandTilde("~")
	if err != nil {
		t.Fatal(err)
	}
	if got != home {
		t.Errorf("got %q, want %q", got, home)
	}
}

func TestExpandTildeSubpath(t *testing.T) {
	home, err := getHomeDir()
	if err != nil {
		t.Skip("no home directory in this environment")
	}
	got, err := ExpandTilde("~" + string(PathSeparator) + "repo")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "repo"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGetHomeDirRespectsHOME(t *testing.T) {
	if os.Getenv("HOME") == "" {
		t.Skip("HOME not set in this environment")
	}
	home, err := getHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if home == "" {
		t.Error("getHomeDir returned empty string with no error")
	}
}
