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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/custodian/error_codes"
)

func TestRequestAccessTokenFreshGrant(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice", "scope": []string{"s1", "s2"}}, issuer.url())
	require.NoError(t, err)

	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		// Bit-exact wire expectations of the refresh grant
		username, password, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "test-client", username)
		assert.Equal(t, "hunter2", password)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		assert.Empty(t, r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "AT1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}))
	})

	before := time.Now().Unix()
	at, tokenType, err := GetAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "AT1", at)
	assert.Equal(t, "Bearer", tokenType)

	record, err := ls.GetAccessToken("AT1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "alice", record.Metadata["sub"])
	assert.ElementsMatch(t, []string{"s1", "s2"}, scopeList(record.Metadata))
	exp, ok := record.Metadata["exp"].(int64)
	require.True(t, ok)
	assert.InDelta(t, before+3600, exp, 5)

	// The refresh token was not rotated and is still available
	rtRecord, err := ls.GetRefreshToken("rt-1")
	require.NoError(t, err)
	assert.NotNil(t, rtRecord)
}

func TestRequestAccessTokenRotationAndIDToken(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice", "client_id": "test-client", "scope": []string{"openid"}}, issuer.url())
	require.NoError(t, err)

	idToken := issuer.signIDToken("alice", "test-client", time.Now(), map[string]interface{}{"name": "Alice"})
	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "AT1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-2",
			"id_token":      idToken,
		}))
	})

	at, _, _, err := RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "AT1", at)

	// The consumed refresh token is gone; the rotated one inherited its identity
	record, err := ls.GetRefreshToken("rt-1")
	require.NoError(t, err)
	assert.Nil(t, record)
	record, err = ls.GetRefreshToken("rt-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "alice", record.Metadata["sub"])
	assert.Equal(t, "test-client", record.Metadata["client_id"])

	// The ID token was verified and persisted for the subject
	stored, err := GetIDToken(issuer.url(), "alice")
	require.NoError(t, err)
	assert.Equal(t, idToken, stored)
}

func TestRequestAccessTokenRejectsBadIDToken(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice"}, issuer.url())
	require.NoError(t, err)

	// Signed by a key the issuer's JWKS does not contain
	rogue := newMockIssuer(t)
	idToken := rogue.signIDToken("alice", "test-client", time.Now(), nil)

	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "AT1",
			"token_type":   "Bearer",
			"id_token":     idToken,
		}))
	})

	_, _, _, err = RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), nil, opts)
	require.Error(t, err)

	// The verification failure is fatal before the access token is stored
	record, err := ls.GetAccessToken("AT1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRequestAccessTokenScopeSuperset(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-narrow", map[string]interface{}{"sub": "alice", "scope": []string{"a"}}, issuer.url())
	require.NoError(t, err)
	_, err = ls.PutRefreshToken("rt-wide", map[string]interface{}{"sub": "alice", "scope": []string{"a", "b"}}, issuer.url())
	require.NoError(t, err)

	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		// Only the superset token can serve the request
		assert.Equal(t, "rt-wide", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "b", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "AT1",
			"token_type":   "Bearer",
		}))
	})

	at, _, metadata, err := RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), []string{"b"}, opts)
	require.NoError(t, err)
	assert.Equal(t, "AT1", at)
	// No scope in the response; the requested scopes are recorded
	assert.Equal(t, []string{"b"}, metadata["scope"])
}

func TestRequestAccessTokenNoSuitableRefreshToken(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-narrow", map[string]interface{}{"sub": "alice", "scope": []string{"a"}}, issuer.url())
	require.NoError(t, err)

	// No stored refresh token covers the requested scope; the design does
	// not combine multiple narrower tokens
	_, _, _, err = RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), []string{"a", "b"}, opts)
	assert.ErrorIs(t, err, error_codes.ErrNoSuitableRefreshTokenFound)

	// The fallthrough from the access token lookup maps to its own error
	_, _, err = GetAccessToken(context.Background(), issuer.url(), ForSubject("bob"), testClientConfig(), nil, opts)
	assert.ErrorIs(t, err, error_codes.ErrNoSuitableAccessTokenFound)
}

func TestRequestAccessTokenIllegalResponse(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice"}, issuer.url())
	require.NoError(t, err)

	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte("{}"))
		require.NoError(t, err)
	})

	_, _, _, err = RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), nil, opts)
	assert.ErrorIs(t, err, error_codes.ErrIllegalTokenEndpointResponse)

	// The store is unchanged: the refresh token survives and no access
	// token appeared
	record, err := ls.GetRefreshToken("rt-1")
	require.NoError(t, err)
	assert.NotNil(t, record)
	records, err := ls.GetAccessTokensForSubject(issuer.url(), "alice")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRequestAccessTokenStatusError(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice"}, issuer.url())
	require.NoError(t, err)

	issuer.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, _, _, err = RequestAccessToken(context.Background(), issuer.url(), ForSubject("alice"), testClientConfig(), nil, opts)
	var statusErr *error_codes.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, error_codes.TokenEndpoint, statusErr.Endpoint)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
}

func TestDeleteRefreshTokenRevokesInBackground(t *testing.T) {
	ls := setupTestStore(t)
	issuer := newMockIssuer(t)
	opts := testOptions()
	opts.RevokeOnDelete = true

	revoked := make(chan string, 1)
	issuer.mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("token_type_hint"))
		revoked <- r.PostForm.Get("token")
	})

	_, err := ls.PutRefreshToken("rt-1", map[string]interface{}{"sub": "alice"}, issuer.url())
	require.NoError(t, err)
	require.NoError(t, DeleteRefreshToken(context.Background(), "rt-1", issuer.url(), testClientConfig(), opts))

	record, err := ls.GetRefreshToken("rt-1")
	require.NoError(t, err)
	assert.Nil(t, record)

	select {
	case token := <-revoked:
		assert.Equal(t, "rt-1", token)
	case <-time.After(5 * time.Second):
		t.Fatal("revocation request never arrived")
	}
}
