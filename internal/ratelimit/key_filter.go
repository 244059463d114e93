/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"

	"github.com/vasayxtx/go-glob"
)

// KeyFilter reports whether the request with the given key should bypass rate limiting.
type KeyFilter func(key string) (bypass bool)

// NewKeyFilter compiles glob patterns of keys into a KeyFilter.
// With excluded keys, matching keys bypass rate limiting. With included keys, only matching keys are limited.
// It returns nil filter if both lists are empty.
func NewKeyFilter(excludedKeys, includedKeys []string) (KeyFilter, error) {
	if len(excludedKeys) == 0 && len(includedKeys) == 0 {
		return nil, nil
	}
	if len(excludedKeys) != 0 && len(includedKeys) != 0 {
		return nil, fmt.Errorf("excluded and included keys cannot be used together")
	}

	keys, exclude := excludedKeys, true
	if len(includedKeys) != 0 {
		keys, exclude = includedKeys, false
	}
	compiledKeys := make([]func(s string) bool, 0, len(keys))
	for _, key := range keys {
		compiledKeys = append(compiledKeys, glob.Compile(key))
	}

	return func(key string) bool {
		keyFound := false
		for i := range compiledKeys {
			if compiledKeys[i](key) {
				keyFound = true
				break
			}
		}
		return keyFound == exclude
	}, nil
}
