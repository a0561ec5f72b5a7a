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

package custodian

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/store"
)

// mockIssuer is an httptest-backed authorization server with a discovery
// document, a JWKS endpoint, and per-test handlers for the RFC endpoints.
type mockIssuer struct {
	t      *testing.T
	server *httptest.Server
	mux    *http.ServeMux

	// signingKey is the issuer's private key; its public half is served at
	// the JWKS endpoint.
	signingKey jwk.Key
}

func setupTestStore(t *testing.T) *store.LocalStore {
	config.InitConfig()
	dbPath := filepath.Join(t.TempDir(), "custodian.sqlite3")

	ls := store.NewLocalStore(dbPath)
	require.NoError(t, ls.Start(context.Background()))
	store.SetActive(ls)
	t.Cleanup(func() {
		store.SetActive(nil)
		require.NoError(t, ls.Stop())
	})
	return ls
}

func generateTestKey(t *testing.T) jwk.Key {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
	return key
}

func newMockIssuer(t *testing.T) *mockIssuer {
	config.InitConfig()

	issuer := &mockIssuer{
		t:          t,
		mux:        http.NewServeMux(),
		signingKey: generateTestKey(t),
	}
	issuer.server = httptest.NewServer(issuer.mux)
	t.Cleanup(issuer.server.Close)

	issuer.mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]interface{}{
			"issuer":                       issuer.server.URL,
			"jwks_uri":                     issuer.server.URL + "/jwks",
			"token_endpoint":               issuer.server.URL + "/token",
			"introspection_endpoint":       issuer.server.URL + "/introspect",
			"revocation_endpoint":          issuer.server.URL + "/revoke",
			"userinfo_endpoint":            issuer.server.URL + "/userinfo",
			"userinfo_signed_response_alg": "RS256",
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	})
	issuer.mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		publicKey, err := jwk.PublicKeyOf(issuer.signingKey)
		require.NoError(t, err)
		keyset := jwk.NewSet()
		require.NoError(t, keyset.AddKey(publicKey))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(keyset))
	})
	return issuer
}

func (m *mockIssuer) url() string {
	return m.server.URL
}

// signIDToken mints an ID token for the given subject, signed with the
// issuer's key.  Extra claims are folded in on top of the standard set.
func (m *mockIssuer) signIDToken(sub string, aud string, iat time.Time, extra map[string]interface{}) string {
	builder := jwt.NewBuilder().
		Issuer(m.server.URL).
		Subject(sub).
		Audience([]string{aud}).
		IssuedAt(iat).
		Expiration(iat.Add(time.Hour))
	for key, val := range extra {
		builder = builder.Claim(key, val)
	}
	token, err := builder.Build()
	require.NoError(m.t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, m.signingKey))
	require.NoError(m.t, err)
	return string(signed)
}

// signPayload wraps an arbitrary JSON payload in a compact JWS signed with
// the issuer's key, as a userinfo endpoint in JWT mode would.
func (m *mockIssuer) signPayload(payload map[string]interface{}) []byte {
	raw, err := json.Marshal(payload)
	require.NoError(m.t, err)

	signed, err := jws.Sign(raw, jws.WithKey(jwa.RS256, m.signingKey))
	require.NoError(m.t, err)
	return signed
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		ClientID:     "test-client",
		ClientSecret: "hunter2",
	}
}

// testOptions disables the behaviors that need extra endpoints so each test
// opts into exactly what it mocks.
func testOptions() config.Options {
	opts := config.DefaultOptions()
	opts.AutoIntrospect = false
	opts.RevokeOnDelete = false
	return opts
}
