//
// Copyright (C) 2023 Andrew Grigorev.
//
// Authors:
// Andrew Grigorev <andrew@ei-grad.ru>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extensions keeps the registry of user post-processing hooks.
// Extensions are compiled in and register themselves by name; configuration
// resolves names to instances at startup, so there is no runtime dynamic
// loading.
package extensions

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ei-grad/nginx2es/core/parser"
)

// Constructor builds a fresh extension instance.
type Constructor func() parser.Extension

var (
	mu           sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register adds a named extension constructor to the registry.  It is meant
// to be called from the implementation's init.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	constructors[name] = c
}

// Names returns the registered extension names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	return names
}

// Lookup resolves names to extension instances, in the given order.  An
// unknown name is a configuration error.
func Lookup(names ...string) ([]parser.Extension, error) {
	mu.RLock()
	defer mu.RUnlock()
	exts := make([]parser.Extension, 0, len(names))
	for _, name := range names {
		c, ok := constructors[name]
		if !ok {
			return nil, errors.Errorf("extension %q is not registered", name)
		}
		exts = append(exts, c())
	}
	return exts, nil
}
