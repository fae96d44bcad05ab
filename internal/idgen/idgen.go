// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idgen centralizes id generation so callers never hand-roll one
// scheme per component. MemoryEntry ids use the short, URL-safe shortid
// alphabet; checkpoint and task ids use UUIDs since they're persisted
// alongside external systems that already expect UUID-shaped keys.
package idgen

import (
	"sync"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

var (
	mu  sync.Mutex
	gen *shortid.Shortid
)

func init() {
	sid, err := shortid.New(1, shortid.DefaultABC, 0xBEEF)
	if err != nil {
		// shortid.New only fails on a malformed alphabet/worker id, neither of
		// which applies to the defaults above.
		panic("idgen: failed to initialize shortid generator: " + err.Error())
	}
	gen = sid
}

// EntryID returns a new globally-unique, short, URL-safe identifier suitable
// for MemoryEntry.id.
func EntryID() string {
	mu.Lock()
	defer mu.Unlock()
	id, err := gen.Generate()
	if err != nil {
		// Generation only fails under internal clock/worker overflow; fall
		// back to a UUID rather than ever returning an empty id.
		return uuid.NewString()
	}
	return id
}

// TaskID returns a new UUID for a long-running task.
func TaskID() string { return uuid.NewString() }

// CheckpointID returns a new UUID for a checkpoint.
func CheckpointID() string { return uuid.NewString() }
