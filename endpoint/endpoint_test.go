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

package endpoint

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/error_codes"
)

// The issuer is unreachable in these tests; only the caller-supplied
// metadata is in play.
const deadIssuer = "https://127.0.0.1:1/dead"

func TestURLFromCallerMetadata(t *testing.T) {
	opts := config.Options{ServerMetadata: map[string]interface{}{
		"token_endpoint": "https://as.example/token",
	}}

	resolved, err := URL(deadIssuer, Token, opts)
	require.NoError(t, err)
	assert.Equal(t, "https://as.example/token", resolved)
}

func TestURLMissingField(t *testing.T) {
	_, err := URL(deadIssuer, Revocation, config.Options{})
	var missingErr *error_codes.MissingServerMetadata
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, "revocation_endpoint", missingErr.Field)
}

func TestHTTPClientBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client%40id", username) // form-urlencoded per RFC 6749 §2.3.1
		assert.Equal(t, "s3cret", password)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cc := config.ClientConfig{ClientID: "client@id", ClientSecret: "s3cret"}
	client, err := HTTPClient(deadIssuer, Token, cc, config.Options{})
	require.NoError(t, err)

	form := url.Values{"grant_type": []string{"refresh_token"}}
	resp, err := client.Post(server.URL, "", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPClientSecretPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "my-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cc := config.ClientConfig{ClientID: "my-client", ClientSecret: "s3cret", AuthMethod: "client_secret_post"}
	client, err := HTTPClient(deadIssuer, Token, cc, config.Options{})
	require.NoError(t, err)

	form := url.Values{"grant_type": []string{"refresh_token"}}
	resp, err := client.Post(server.URL, "", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPClientAuthMethodFromMetadata(t *testing.T) {
	opts := config.Options{ServerMetadata: map[string]interface{}{
		"token_endpoint_auth_method": "private_key_jwt",
	}}

	_, err := HTTPClient(deadIssuer, Token, config.ClientConfig{}, opts)
	var unsupportedErr *error_codes.UnsupportedClientAuthenticationMethod
	require.True(t, errors.As(err, &unsupportedErr))
	assert.Equal(t, "private_key_jwt", unsupportedErr.Method)

	// The client configuration overrides the server's declaration
	cc := config.ClientConfig{AuthMethod: "client_secret_basic"}
	_, err = HTTPClient(deadIssuer, Token, cc, opts)
	assert.NoError(t, err)
}

func TestHTTPClientUserinfoSkipsClientAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Userinfo authenticates with a bearer token set by the caller;
		// no client authentication or form encoding is applied
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// An unsupported auth method is irrelevant for the userinfo endpoint
	cc := config.ClientConfig{AuthMethod: "private_key_jwt"}
	client, err := HTTPClient(deadIssuer, Userinfo, cc, config.Options{})
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPClientPerCallMiddleware(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("X-Custodian-Test"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stamp := func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("X-Custodian-Test", "1")
			return next.RoundTrip(req)
		})
	}
	opts := config.Options{Middlewares: []Middleware{stamp}}

	client, err := HTTPClient(deadIssuer, Token, config.ClientConfig{}, opts)
	require.NoError(t, err)
	resp, err := client.Post(server.URL, "", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
