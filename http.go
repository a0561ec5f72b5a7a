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
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/endpoint"
	"github.com/pelicanplatform/custodian/error_codes"
)

// postForm sends a form POST through the middleware chain for the given
// endpoint kind.  Transport failures come back as HTTPRequestError tagged
// with the endpoint name; the caller owns status handling and must close
// the response body.
func postForm(ctx context.Context, iss string, kind endpoint.Kind, cc config.ClientConfig, opts config.Options, form url.Values) (*http.Response, error) {
	endpointUrl, err := endpoint.URL(iss, kind, opts)
	if err != nil {
		return nil, err
	}
	client, err := endpoint.HTTPClient(iss, kind, cc, opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointUrl, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for the %s endpoint", kind)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &error_codes.HTTPRequestError{Endpoint: string(kind), Err: err}
	}
	return resp, nil
}

// introspect posts a token to the introspection endpoint (RFC 7662) and
// returns the scope-normalized metadata body.  Nothing is persisted here.
func introspect(ctx context.Context, token, tokenTypeHint, iss string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", tokenTypeHint)

	resp, err := postForm(ctx, iss, endpoint.Introspection, cc, opts, form)
	if err != nil {
		var requestErr *error_codes.HTTPRequestError
		if errors.As(err, &requestErr) {
			log.WithFields(log.Fields{"token": config.TokenDigest(token), "reason": requestErr.Err.Error()}).
				Warningln("Introspection request failed at the transport layer")
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &error_codes.HTTPStatusError{Endpoint: error_codes.IntrospectionEndpoint, Status: resp.StatusCode}
	}

	metadata := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, errors.Wrap(err, "failed to decode introspection response")
	}
	return normalizeScope(metadata), nil
}

// revoke posts a token to the revocation endpoint (RFC 7009).  A 200
// answer means success regardless of whether the server knew the token.
func revoke(ctx context.Context, token, tokenTypeHint, iss string, cc config.ClientConfig, opts config.Options) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", tokenTypeHint)

	resp, err := postForm(ctx, iss, endpoint.Revocation, cc, opts, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &error_codes.HTTPStatusError{Endpoint: error_codes.RevocationEndpoint, Status: resp.StatusCode}
	}
	return nil
}
