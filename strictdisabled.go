// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build !flowmuxdebug
// +build !flowmuxdebug

package flowmux

// strictMode promotes broken internal invariants to panics.
const strictMode = false
