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
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/store"
)

// DeleteErrors aggregates the per-token failures of a DeleteAll fan-out.
type DeleteErrors []error

func (e DeleteErrors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return "failed to delete some tokens: " + strings.Join(messages, "; ")
}

// RegisterAccessToken stores an access token under the issuer.  When
// opts.AutoIntrospect is set, or the provided metadata lacks a subject, the
// token is introspected first and the introspection body becomes the stored
// metadata; otherwise the metadata is stored as given, with its scope claim
// normalized.
func RegisterAccessToken(ctx context.Context, at, tokenType string, metadata map[string]interface{}, iss string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	s, err := store.Get()
	if err != nil {
		return nil, err
	}

	_, hasSub := metadata["sub"]
	if opts.AutoIntrospect || !hasSub {
		introspected, err := IntrospectAccessToken(ctx, at, iss, cc, opts)
		if err != nil {
			return nil, err
		}
		metadata = introspected
	} else {
		metadata = normalizeScope(metadata)
	}

	return s.PutAccessToken(at, tokenType, metadata, iss)
}

// IntrospectAccessToken returns the metadata of an access token.  A stored
// record younger than opts.MinIntrospectInterval answers without a network
// round trip; otherwise the introspection endpoint is consulted.  The
// result is not persisted.
func IntrospectAccessToken(ctx context.Context, at, iss string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	s, err := store.Get()
	if err != nil {
		return nil, err
	}

	record, err := s.GetAccessToken(at)
	if err != nil {
		return nil, err
	}
	if record != nil && time.Since(time.Unix(record.UpdatedAt, 0)) < opts.MinIntrospectInterval {
		return record.Metadata, nil
	}

	return introspect(ctx, at, "access_token", iss, cc, opts)
}

// GetAccessToken returns a valid access token for the principal at the
// issuer, preferring the store and falling back to a refresh-token grant.
//
// When requestedScopes is non-empty, only stored tokens whose scope set
// equals the request exactly qualify; the caller receives a
// least-privilege token, never a broader one.
func GetAccessToken(ctx context.Context, iss string, principal Principal, cc config.ClientConfig, requestedScopes []string, opts config.Options) (at string, tokenType string, err error) {
	s, err := store.Get()
	if err != nil {
		return "", "", err
	}

	var records []store.AccessTokenRecord
	if principal.IsClientCredentials() {
		records, err = s.GetAccessTokensClientCredentials(iss, cc.ClientID)
	} else {
		records, err = s.GetAccessTokensForSubject(iss, principal.Subject())
	}
	if err != nil {
		return "", "", err
	}

	for _, record := range records {
		if !Valid(record.Metadata) {
			continue
		}
		if len(requestedScopes) > 0 && !scopesEqual(scopeList(record.Metadata), requestedScopes) {
			continue
		}
		return record.Token, record.TokenType, nil
	}

	at, tokenType, _, err = RequestAccessToken(ctx, iss, principal, cc, requestedScopes, opts)
	if err != nil {
		log.Debugln("Could not obtain an access token via refresh grant:", err)
		return "", "", error_codes.ErrNoSuitableAccessTokenFound
	}
	return at, tokenType, nil
}

// DeleteAccessToken removes an access token from the store.  With
// opts.RevokeOnDelete the token is additionally revoked at the issuer in a
// background task whose outcome is not awaited; the local delete result is
// returned immediately.
func DeleteAccessToken(ctx context.Context, at, iss string, cc config.ClientConfig, opts config.Options) error {
	s, err := store.Get()
	if err != nil {
		return err
	}
	deleteErr := s.DeleteAccessToken(at)

	if opts.RevokeOnDelete {
		go func() {
			// Deliberately detached from the caller's context
			if err := RevokeAccessToken(context.Background(), at, iss, cc, opts); err != nil {
				log.Debugln("Background revocation of access token", config.TokenDigest(at), "failed:", err)
			}
		}()
	}
	return deleteErr
}

// DeleteAllAccessTokens deletes every access token of the principal at the
// issuer, one concurrent task per token.  All failures are collected and
// returned together.
func DeleteAllAccessTokens(ctx context.Context, iss string, principal Principal, cc config.ClientConfig, opts config.Options) error {
	s, err := store.Get()
	if err != nil {
		return err
	}

	var records []store.AccessTokenRecord
	if principal.IsClientCredentials() {
		records, err = s.GetAccessTokensClientCredentials(iss, cc.ClientID)
	} else {
		records, err = s.GetAccessTokensForSubject(iss, principal.Subject())
	}
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(records))
	for _, record := range records {
		at := record.Token
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := DeleteAccessToken(ctx, at, iss, cc, opts); err != nil {
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

// RevokeAccessToken revokes an access token at the issuer (RFC 7009).
func RevokeAccessToken(ctx context.Context, at, iss string, cc config.ClientConfig, opts config.Options) error {
	return revoke(ctx, at, "access_token", iss, cc, opts)
}
