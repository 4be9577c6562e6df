// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package stronghash

import "testing"

func TestSumEmpty(t *testing.T) {
	if got := Sum(nil); got != Empty {
		t.Errorf("Sum(nil) = %q, want %q", got, Empty)
	}
	if got := Sum([]byte{}); got != Empty {
		t.Errorf("Sum([]byte{}) = %q, want %q", got, Empty)
	}
}

func TestSumKnown(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"aaa", "47bce5c74f589f4867dbd57e9ca9f808"},
		{"abc", "900150983cd24fb0d6963f7d28e17f72"},
	}
	for _, tc := range cases {
		if got := Sum([]byte(tc.in)); got != tc.want {
			t.Errorf("Sum(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHasherMatchesSum(t *testing.T) {
	h := New()
	h.Write([]byte("aa"))
	h.Write([]byte("a"))
	if got, want := h.SumHex(), Sum([]byte("aaa")); got != want {
		t.Errorf("incremental hasher = %q, want %q", got, want)
	}
}
