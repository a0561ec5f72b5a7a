/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package store defines the persistence contract for access tokens,
// refresh tokens, and per-subject claims records, together with the
// process-wide store registry and the default local implementation.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/param"
)

type (
	// AccessTokenRecord is a stored access token keyed by its opaque value.
	AccessTokenRecord struct {
		Token     string
		Issuer    string
		TokenType string
		Metadata  map[string]interface{}
		UpdatedAt int64
	}

	// RefreshTokenRecord is a stored refresh token keyed by its opaque value.
	RefreshTokenRecord struct {
		Token     string
		Issuer    string
		Metadata  map[string]interface{}
		UpdatedAt int64
	}

	// ClaimsRecord is the (issuer, subject)-keyed pair of the latest ID token
	// and the latest userinfo claims.  Either half may be absent; UpdatedAt
	// tracks the claims half only and is zero when claims were never written.
	ClaimsRecord struct {
		IDToken   string
		Claims    map[string]interface{}
		UpdatedAt int64
	}

	// Store is the persistence contract consumed by the token and claims
	// managers.  Getters may return stale entries; callers are expected to
	// re-check validity.  "Not present" is a nil record (or empty string)
	// with a nil error.  Writing one half of a claims record preserves the
	// other half.
	Store interface {
		GetAccessToken(at string) (*AccessTokenRecord, error)
		GetAccessTokensForSubject(iss, sub string) ([]AccessTokenRecord, error)
		GetAccessTokensClientCredentials(iss, clientID string) ([]AccessTokenRecord, error)
		PutAccessToken(at, tokenType string, metadata map[string]interface{}, iss string) (map[string]interface{}, error)
		DeleteAccessToken(at string) error

		GetRefreshToken(rt string) (*RefreshTokenRecord, error)
		GetRefreshTokensForSubject(iss, sub string) ([]RefreshTokenRecord, error)
		GetRefreshTokensClientCredentials(iss, clientID string) ([]RefreshTokenRecord, error)
		PutRefreshToken(rt string, metadata map[string]interface{}, iss string) (map[string]interface{}, error)
		DeleteRefreshToken(rt string) error

		GetClaims(iss, sub string) (claims map[string]interface{}, updatedAt int64, err error)
		PutClaims(iss, sub string, claims map[string]interface{}) error
		GetIDToken(iss, sub string) (string, error)
		PutIDToken(iss, sub, idToken string) error
	}

	// Lifecycled is implemented by store backends that need a supervised
	// start/stop (the local store opens its database and runs an eviction
	// sweeper).
	Lifecycled interface {
		Start(ctx context.Context) error
		Stop() error
	}

	// Backend constructs a store implementation.  Registered backends are
	// selected by the Custodian.StoreBackend parameter at Initialize time.
	Backend func() (Store, error)
)

var (
	backends     = make(map[string]Backend)
	backendMutex sync.Mutex

	active      Store
	activeMutex sync.Mutex
)

// RegisterBackend makes a store constructor selectable via the
// Custodian.StoreBackend parameter.
func RegisterBackend(name string, backend Backend) {
	backendMutex.Lock()
	defer backendMutex.Unlock()
	backends[name] = backend
}

// Initialize constructs the configured store backend and starts its
// lifecycle.  It must be called once at process startup, before any manager
// operation.
func Initialize(ctx context.Context) error {
	config.InitConfig()

	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active != nil {
		return nil
	}

	name := param.Custodian_StoreBackend.GetString()
	backendMutex.Lock()
	backend, ok := backends[name]
	backendMutex.Unlock()
	if !ok {
		return errors.Errorf("unknown store backend %q", name)
	}

	impl, err := backend()
	if err != nil {
		return errors.Wrapf(err, "failed to construct store backend %q", name)
	}
	if lifecycled, ok := impl.(Lifecycled); ok {
		if err := lifecycled.Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start store backend %q", name)
		}
	}
	active = impl
	return nil
}

// Get returns the process-wide store.  Initialize must have been called.
func Get() (Store, error) {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active == nil {
		return nil, errors.New("token store is not initialized; call store.Initialize first")
	}
	return active, nil
}

// Shutdown stops the active store, flushing its durable tables.
func Shutdown() error {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active == nil {
		return nil
	}
	var err error
	if lifecycled, ok := active.(Lifecycled); ok {
		err = lifecycled.Stop()
	}
	active = nil
	return err
}

// SetActive installs a store directly, bypassing the backend registry.
// Intended for tests and for embedders providing their own implementation.
func SetActive(s Store) {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	active = s
}

// NumberToInt64 coerces the numeric representations a metadata claim may
// arrive in (JSON decoding yields float64 or json.Number; introspection
// callers may hand in native ints) down to an int64 epoch value.
func NumberToInt64(val interface{}) (result int64, ok bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// MetadataExp pulls the exp claim out of token metadata, if present.
func MetadataExp(metadata map[string]interface{}) (int64, bool) {
	val, present := metadata["exp"]
	if !present {
		return 0, false
	}
	return NumberToInt64(val)
}
