// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fs holds the repository path-resolution helpers used by
// lib/blobstore's disk-backed store. Everything else the
// teacher's fs package provided (the full virtual filesystem interface,
// watch support, Unicode folding) has no role in a byte-addressable blob
// store and was dropped; see DESIGN.md.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PathSeparator is the OS path separator, kept as its own name (rather
// than using os.PathSeparator directly everywhere) so call sites read
// the same way the teacher's codebase does.
const PathSeparator = os.PathSeparator

var errNoHome = errors.New("no home directory found - set $HOME (or the platform equivalent)")

// ExpandTilde resolves a leading "~" or "~/..." in path to the current
// user's home directory. Paths without a leading tilde are returned
// unchanged (after platform-native separator conversion).
func ExpandTilde(path string) (string, error) {
	if path == "~" {
		return getHomeDir()
	}

	path = filepath.FromSlash(path)
	if !strings.HasPrefix(path, fmt.Sprintf("~%c", PathSeparator)) {
		return path, nil
	}

	home, err := getHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

func getHomeDir() (string, error) {
	var home string

	switch runtime.GOOS {
	case "windows":
		home = filepath.Join(os.Getenv("HomeDrive"), os.Getenv("HomePath"))
		if home == "" {
			home = os.Getenv("UserProfile")
		}
	default:
		home = os.Getenv("HOME")
	}

	if home == "" {
		return "", errNoHome
	}

	return home, nil
}
