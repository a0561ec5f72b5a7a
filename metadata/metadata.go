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

// Package metadata resolves authorization-server metadata documents and
// signing keysets.  Discovery documents are cached per issuer for a short
// lifetime; JWKS fetches go through a jwk.Cache that refreshes in the
// background.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/param"
)

var (
	discoveryCache     *ttlcache.Cache[string, map[string]interface{}]
	onceDiscoveryCache sync.Once

	jwksCache      *jwk.Cache
	jwksRegistered map[string]bool
	jwksMutex      sync.Mutex
)

func getDiscoveryCache() *ttlcache.Cache[string, map[string]interface{}] {
	onceDiscoveryCache.Do(func() {
		config.InitConfig()
		discoveryCache = ttlcache.New[string, map[string]interface{}](
			ttlcache.WithTTL[string, map[string]interface{}](param.Metadata_DiscoveryCacheLifetime.GetDuration()),
			ttlcache.WithDisableTouchOnHit[string, map[string]interface{}](),
		)
		go discoveryCache.Start()
	})
	return discoveryCache
}

// Get fetches the issuer's OpenID Connect discovery document, returning the
// raw metadata mapping.  Results are cached for Metadata.DiscoveryCacheLifetime.
func Get(iss string) (map[string]interface{}, error) {
	cache := getDiscoveryCache()
	if item := cache.Get(iss); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}

	wellKnownUrl := strings.TrimSuffix(iss, "/") + "/.well-known/openid-configuration"
	client := &http.Client{Transport: config.GetTransport()}
	resp, err := client.Get(wellKnownUrl)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch metadata document from %s", wellKnownUrl)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata document")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("metadata document fetch from %s returned status %d", wellKnownUrl, resp.StatusCode)
	}

	doc := map[string]interface{}{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode metadata document")
	}

	cache.Set(iss, doc, ttlcache.DefaultTTL)
	return doc, nil
}

// Merged resolves the issuer's metadata and overlays the caller-supplied
// values, which take precedence on conflict.  A failed discovery fetch is
// not fatal; the caller-supplied metadata is used alone.
func Merged(iss string, override map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}

	remote, err := Get(iss)
	if err != nil {
		log.Debugln("Falling back to caller-supplied server metadata; discovery failed:", err)
	}
	for key, val := range remote {
		merged[key] = val
	}
	for key, val := range override {
		merged[key] = val
	}
	return merged
}

// Keyset returns the issuer's signing keyset, located via the jwks_uri
// metadata field and fetched through a background-refreshing cache.
func Keyset(ctx context.Context, iss string) (jwk.Set, error) {
	doc, err := Get(iss)
	if err != nil {
		return nil, err
	}
	jwksUri, _ := doc["jwks_uri"].(string)
	if jwksUri == "" {
		return nil, &error_codes.MissingServerMetadata{Field: "jwks_uri"}
	}

	jwksMutex.Lock()
	if jwksCache == nil {
		jwksCache = jwk.NewCache(context.Background())
		jwksRegistered = make(map[string]bool)
	}
	if !jwksRegistered[jwksUri] {
		client := &http.Client{Transport: config.GetTransport()}
		refresh := param.Metadata_JwksRefreshInterval.GetDuration()
		if refresh <= 0 {
			refresh = 15 * time.Minute
		}
		if err := jwksCache.Register(jwksUri, jwk.WithRefreshInterval(refresh), jwk.WithHTTPClient(client)); err != nil {
			jwksMutex.Unlock()
			return nil, errors.Wrap(err, "failed to register issuer JWKS for caching")
		}
		jwksRegistered[jwksUri] = true
	}
	jwksMutex.Unlock()

	keyset, err := jwksCache.Get(ctx, jwksUri)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch issuer JWKS from %s", jwksUri)
	}
	return keyset, nil
}
