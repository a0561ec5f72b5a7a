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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/endpoint"
	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/store"
)

// RegisterRefreshToken stores a refresh token under the issuer, mirroring
// RegisterAccessToken's introspection behavior.
func RegisterRefreshToken(ctx context.Context, rt string, metadata map[string]interface{}, iss string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	s, err := store.Get()
	if err != nil {
		return nil, err
	}

	_, hasSub := metadata["sub"]
	if opts.AutoIntrospect || !hasSub {
		introspected, err := IntrospectRefreshToken(ctx, rt, iss, cc, opts)
		if err != nil {
			return nil, err
		}
		metadata = introspected
	} else {
		metadata = normalizeScope(metadata)
	}

	return s.PutRefreshToken(rt, metadata, iss)
}

// IntrospectRefreshToken returns the metadata of a refresh token, answering
// from a sufficiently fresh stored record without a network round trip.
func IntrospectRefreshToken(ctx context.Context, rt, iss string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	s, err := store.Get()
	if err != nil {
		return nil, err
	}

	record, err := s.GetRefreshToken(rt)
	if err != nil {
		return nil, err
	}
	if record != nil && time.Since(time.Unix(record.UpdatedAt, 0)) < opts.MinIntrospectInterval {
		return record.Metadata, nil
	}

	return introspect(ctx, rt, "refresh_token", iss, cc, opts)
}

// RequestAccessToken obtains a new access token through the refresh-token
// grant (RFC 6749 §6).  A stored refresh token qualifies when its scope set
// covers every requested scope; an authorization server cannot upgrade
// scope on refresh, so no combination of narrower tokens is attempted.
//
// A rotated refresh token in the response supersedes the one presented: the
// consumed token is deleted (with revoke-on-delete semantics) and the
// successor registered with the consumed token's identity metadata.  An ID
// token in the response is verified against the issuer's keyset and
// persisted; its verification failure fails the whole call.
func RequestAccessToken(ctx context.Context, iss string, principal Principal, cc config.ClientConfig, scopes []string, opts config.Options) (at string, tokenType string, metadata map[string]interface{}, err error) {
	s, err := store.Get()
	if err != nil {
		return "", "", nil, err
	}

	var records []store.RefreshTokenRecord
	if principal.IsClientCredentials() {
		records, err = s.GetRefreshTokensClientCredentials(iss, cc.ClientID)
	} else {
		records, err = s.GetRefreshTokensForSubject(iss, principal.Subject())
	}
	if err != nil {
		return "", "", nil, err
	}

	var refreshToken *store.RefreshTokenRecord
	for idx, record := range records {
		if !Valid(record.Metadata) {
			continue
		}
		if len(scopes) > 0 && !scopesSuperset(scopeList(record.Metadata), scopes) {
			continue
		}
		refreshToken = &records[idx]
		break
	}
	if refreshToken == nil {
		return "", "", nil, error_codes.ErrNoSuitableRefreshTokenFound
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken.Token)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	resp, err := postForm(ctx, iss, endpoint.Token, cc, opts, form)
	if err != nil {
		return "", "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", nil, &error_codes.HTTPStatusError{Endpoint: error_codes.TokenEndpoint, Status: resp.StatusCode}
	}

	body := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", nil, errors.Wrap(err, "failed to decode token endpoint response")
	}

	at, _ = body["access_token"].(string)
	tokenType, _ = body["token_type"].(string)
	if at == "" || tokenType == "" {
		return "", "", nil, error_codes.ErrIllegalTokenEndpointResponse
	}

	// Rotation is mandatory when the server offers it
	if rotated, ok := body["refresh_token"].(string); ok && rotated != "" && rotated != refreshToken.Token {
		if err := DeleteRefreshToken(ctx, refreshToken.Token, iss, cc, opts); err != nil {
			return "", "", nil, err
		}
		inherited := projectMetadata(refreshToken.Metadata, "client_id", "username", "sub", "aud", "iss", "scope")
		if _, err := RegisterRefreshToken(ctx, rotated, inherited, iss, cc, opts); err != nil {
			return "", "", nil, err
		}
	}

	if idToken, ok := body["id_token"].(string); ok && idToken != "" {
		if err := verifyIDToken(ctx, iss, cc, idToken); err != nil {
			return "", "", nil, err
		}
		if err := RegisterIDToken(iss, idToken); err != nil {
			return "", "", nil, err
		}
	}

	atMetadata := projectMetadata(refreshToken.Metadata, "client_id", "username", "sub", "aud", "iss", "scope")
	if raw, present := body["expires_in"]; present {
		if expiresIn, ok := store.NumberToInt64(raw); ok {
			atMetadata["exp"] = time.Now().Unix() + expiresIn
		}
	}
	if respScope, ok := body["scope"].(string); ok && respScope != "" {
		atMetadata["scope"] = strings.Fields(respScope)
	} else if len(scopes) > 0 {
		atMetadata["scope"] = scopes
	}

	metadata, err = RegisterAccessToken(ctx, at, tokenType, atMetadata, iss, cc, opts)
	if err != nil {
		return "", "", nil, err
	}
	return at, tokenType, metadata, nil
}

// DeleteRefreshToken removes a refresh token from the store, revoking it at
// the issuer in the background when opts.RevokeOnDelete is set.
func DeleteRefreshToken(ctx context.Context, rt, iss string, cc config.ClientConfig, opts config.Options) error {
	s, err := store.Get()
	if err != nil {
		return err
	}
	deleteErr := s.DeleteRefreshToken(rt)

	if opts.RevokeOnDelete {
		go func() {
			if err := RevokeRefreshToken(context.Background(), rt, iss, cc, opts); err != nil {
				log.Debugln("Background revocation of refresh token", config.TokenDigest(rt), "failed:", err)
			}
		}()
	}
	return deleteErr
}

// DeleteAllRefreshTokens deletes every refresh token of the principal at
// the issuer with a concurrent fan-out, collecting all failures.
func DeleteAllRefreshTokens(ctx context.Context, iss string, principal Principal, cc config.ClientConfig, opts config.Options) error {
	s, err := store.Get()
	if err != nil {
		return err
	}

	var records []store.RefreshTokenRecord
	if principal.IsClientCredentials() {
		records, err = s.GetRefreshTokensClientCredentials(iss, cc.ClientID)
	} else {
		records, err = s.GetRefreshTokensForSubject(iss, principal.Subject())
	}
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(records))
	for _, record := range records {
		rt := record.Token
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := DeleteRefreshToken(ctx, rt, iss, cc, opts); err != nil {
				errChan <- err
			}
		}()
	}
	wg.Wait()
	close(errChan)

	var failures DeleteErrors
	for err := range errChan {
		failures = append(failures, err)
	}
	if len(failures) > 0 {
		return failures
	}
	return nil
}

// RevokeRefreshToken revokes a refresh token at the issuer (RFC 7009).
func RevokeRefreshToken(ctx context.Context, rt, iss string, cc config.ClientConfig, opts config.Options) error {
	return revoke(ctx, rt, "refresh_token", iss, cc, opts)
}
