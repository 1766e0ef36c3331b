// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/registry"
)

type workKey struct {
	method   *metadata.Method
	methodID int
}

// worklist is the FIFO of methods waiting to be decoded. A (method,
// method id) pair is accepted once for the whole run, so an async worker
// reached twice from the same method is decoded once.
type worklist struct {
	queue      []registry.CollectedMethod
	head       int
	seen       map[workKey]bool
	duplicates int
}

func newWorklist() *worklist {
	return &worklist{seen: make(map[workKey]bool)}
}

// push appends the items not seen before and returns how many were added.
func (w *worklist) push(items ...registry.CollectedMethod) int {
	added := 0
	for _, it := range items {
		if it.Method == nil {
			continue
		}
		key := workKey{method: it.Method, methodID: it.MethodID}
		if w.seen[key] {
			w.duplicates++
			continue
		}
		w.seen[key] = true
		w.queue = append(w.queue, it)
		added++
	}
	return added
}

func (w *worklist) pop() (registry.CollectedMethod, bool) {
	if w.head >= len(w.queue) {
		return registry.CollectedMethod{}, false
	}
	it := w.queue[w.head]
	w.queue[w.head] = registry.CollectedMethod{}
	w.head++
	return it, true
}

func (w *worklist) len() int { return len(w.queue) - w.head }
