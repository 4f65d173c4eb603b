// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race
// +build race

package flowmux

// sanity check the package defaults
func init() {
	if err := DefaultSettings().Validate(); err != nil {
		panic(err)
	}
	if MinRank > MaxRank {
		panic("MinRank > MaxRank")
	}
	if validRank(staticRank) {
		panic("staticRank inside the caller rank band")
	}
	if remapRank(MaxRank, true) >= remapRank(staticRank, false) {
		panic("static band overlaps the caller rank band")
	}
	if ConnectionID != 0 {
		panic("ConnectionID must be the zero StreamID")
	}
}
