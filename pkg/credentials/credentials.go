// Copyright 2025 Kadir Pekel
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

// Package credentials resolves named secret references. Secrets pass
// through to consumers only; they are never journaled or logged.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("credential not found")

// Source selects where a reference's value lives.
type Source string

const (
	SourceEnv    Source = "env"
	SourceStatic Source = "static"
	SourceFile   Source = "file"
)

// Reference is one named credential, typically declared in config.
type Reference struct {
	Name   string `yaml:"name" json:"name"`
	Source Source `yaml:"source" json:"source"`
	// Key is the env var name, the literal value, or the file path,
	// depending on Source.
	Key string `yaml:"key" json:"key"`
}

// Resolver maps credential names to secret values.
type Resolver struct {
	mu   sync.RWMutex
	refs map[string]Reference
}

func NewResolver(refs []Reference) (*Resolver, error) {
	r := &Resolver{refs: make(map[string]Reference, len(refs))}
	for _, ref := range refs {
		if ref.Name == "" {
			return nil, fmt.Errorf("credential reference requires a name")
		}
		switch ref.Source {
		case SourceEnv, SourceStatic, SourceFile:
		default:
			return nil, fmt.Errorf("credential %q: unknown source %q", ref.Name, ref.Source)
		}
		if _, dup := r.refs[ref.Name]; dup {
			return nil, fmt.Errorf("credential %q: duplicate name", ref.Name)
		}
		r.refs[ref.Name] = ref
	}
	return r, nil
}

// Resolve returns the secret for a named reference.
func (r *Resolver) Resolve(name string) (string, error) {
	r.mu.RLock()
	ref, ok := r.refs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	switch ref.Source {
	case SourceEnv:
		value, ok := os.LookupEnv(ref.Key)
		if !ok {
			return "", fmt.Errorf("%w: %s (env %s unset)", ErrNotFound, name, ref.Key)
		}
		return value, nil
	case SourceStatic:
		return ref.Key, nil
	case SourceFile:
		data, err := os.ReadFile(ref.Key)
		if err != nil {
			return "", fmt.Errorf("reading credential %s: %w", name, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Register adds or replaces a reference at runtime.
func (r *Resolver) Register(ref Reference) {
	r.mu.Lock()
	r.refs[ref.Name] = ref
	r.mu.Unlock()
}
