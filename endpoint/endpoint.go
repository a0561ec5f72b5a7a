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

// Package endpoint resolves authorization-server endpoint URLs and builds
// per-endpoint HTTP clients with the appropriate client-authentication
// middleware chain layered over the shared transport.
package endpoint

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/metadata"
)

type (
	// Kind names an authorization-server endpoint.  Its string value is the
	// prefix of the corresponding metadata field ("<kind>_endpoint").
	Kind string

	// Middleware decorates the outbound round tripper.  Middlewares run in
	// the order they appear in the chain: the first middleware sees the
	// request first.
	Middleware = func(http.RoundTripper) http.RoundTripper

	roundTripperFunc func(*http.Request) (*http.Response, error)
)

const (
	Token         Kind = "token"
	Introspection Kind = "introspection"
	Revocation    Kind = "revocation"
	Userinfo      Kind = "userinfo"
)

const (
	authMethodBasic = "client_secret_basic"
	authMethodPost  = "client_secret_post"
)

var (
	globalMiddlewares []Middleware
	globalMutex       sync.RWMutex
)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// RegisterMiddleware appends a middleware applied to every endpoint client
// built by this package, after the built-in and per-call middlewares.
func RegisterMiddleware(mw Middleware) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalMiddlewares = append(globalMiddlewares, mw)
}

// URL resolves the endpoint URL of the given kind for an issuer.  The
// discovered metadata document is merged with opts.ServerMetadata (the
// latter wins on conflict; when discovery fails it is used alone).
func URL(iss string, kind Kind, opts config.Options) (string, error) {
	field := string(kind) + "_endpoint"
	merged := metadata.Merged(iss, opts.ServerMetadata)
	endpointUrl, _ := merged[field].(string)
	if endpointUrl == "" {
		return "", &error_codes.MissingServerMetadata{Field: field}
	}
	return endpointUrl, nil
}

// HTTPClient builds the HTTP client used against an issuer endpoint.
//
// For the write endpoints (token, introspection, revocation) the chain is,
// in request order: client authentication, form encoding, the per-call
// middlewares, then the globally registered ones.  The userinfo endpoint
// authenticates with a bearer access token instead and may answer with
// either application/json or application/jwt, so its chain carries only the
// global middlewares.
func HTTPClient(iss string, kind Kind, cc config.ClientConfig, opts config.Options) (*http.Client, error) {
	chain := make([]Middleware, 0)

	if kind != Userinfo {
		authenticator, err := clientAuthenticator(iss, cc, opts)
		if err != nil {
			return nil, err
		}
		chain = append(chain, authenticator, formURLEncoded)
		chain = append(chain, opts.Middlewares...)
	}

	globalMutex.RLock()
	chain = append(chain, globalMiddlewares...)
	globalMutex.RUnlock()

	rt := http.RoundTripper(config.GetTransport())
	for idx := len(chain) - 1; idx >= 0; idx-- {
		rt = chain[idx](rt)
	}
	return &http.Client{Transport: rt}, nil
}

// clientAuthenticator picks the authentication middleware from the client
// configuration, falling back to the server-declared
// token_endpoint_auth_method and then to client_secret_basic.
func clientAuthenticator(iss string, cc config.ClientConfig, opts config.Options) (Middleware, error) {
	method := cc.AuthMethod
	if method == "" {
		merged := metadata.Merged(iss, opts.ServerMetadata)
		method, _ = merged["token_endpoint_auth_method"].(string)
	}
	if method == "" {
		method = authMethodBasic
	}

	switch method {
	case authMethodBasic:
		return basicAuth(cc), nil
	case authMethodPost:
		return secretPostAuth(cc), nil
	default:
		return nil, &error_codes.UnsupportedClientAuthenticationMethod{Method: method}
	}
}

// basicAuth implements client_secret_basic: HTTP Basic with the
// form-urlencoded client id and secret (RFC 6749 §2.3.1).
func basicAuth(cc config.ClientConfig) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.SetBasicAuth(url.QueryEscape(cc.ClientID), url.QueryEscape(cc.ClientSecret))
			return next.RoundTrip(req)
		})
	}
}

// secretPostAuth implements client_secret_post: the client id and secret
// are folded into the form body.
func secretPostAuth(cc config.ClientConfig) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			body := ""
			if req.Body != nil {
				raw, err := io.ReadAll(req.Body)
				req.Body.Close()
				if err != nil {
					return nil, err
				}
				body = string(raw)
			}
			form, err := url.ParseQuery(body)
			if err != nil {
				return nil, err
			}
			form.Set("client_id", cc.ClientID)
			form.Set("client_secret", cc.ClientSecret)
			encoded := form.Encode()

			req = req.Clone(req.Context())
			req.Body = io.NopCloser(strings.NewReader(encoded))
			req.ContentLength = int64(len(encoded))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(encoded)), nil
			}
			return next.RoundTrip(req)
		})
	}
}

// formURLEncoded stamps the request content type expected by the RFC
// endpoints.
func formURLEncoded(next http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Content-Type") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return next.RoundTrip(req)
	})
}
