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

// Package custodian manages OAuth2 access tokens, refresh tokens, OpenID
// Connect ID tokens, and user claims on behalf of a confidential client.
// It keeps a freshness-aware local store of tokens obtained from one or
// more authorization servers and transparently obtains new access tokens
// via the refresh-token grant when no stored token fits a request.
package custodian

import (
	"sort"
	"strings"
	"time"

	"github.com/pelicanplatform/custodian/store"
)

// Principal identifies whose tokens an operation is about: either an
// end-user subject at the issuer, or the client itself (client-credentials
// flow, where records carry no subject).
type Principal struct {
	subject           string
	clientCredentials bool
}

// ForSubject addresses the tokens of an end-user subject.
func ForSubject(sub string) Principal {
	return Principal{subject: sub}
}

// ForClient addresses the tokens the client obtained on its own behalf.
func ForClient() Principal {
	return Principal{clientCredentials: true}
}

func (p Principal) IsClientCredentials() bool {
	return p.clientCredentials
}

func (p Principal) Subject() string {
	return p.subject
}

// Valid reports whether token metadata describes a currently-usable token:
// no "valid": false sentinel, exp absent or not yet passed, nbf absent or
// already reached.  Stale store entries are filtered with this predicate.
func Valid(metadata map[string]interface{}) bool {
	if flag, ok := metadata["valid"].(bool); ok && !flag {
		return false
	}
	now := time.Now().Unix()
	if exp, ok := store.MetadataExp(metadata); ok && exp < now {
		return false
	}
	if raw, present := metadata["nbf"]; present {
		if nbf, ok := store.NumberToInt64(raw); ok && nbf > now {
			return false
		}
	}
	return true
}

// normalizeScope rewrites a space-delimited scope claim into the stored
// list-of-strings representation.  Metadata without a scope claim is left
// untouched.
func normalizeScope(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	if joined, ok := metadata["scope"].(string); ok {
		metadata["scope"] = strings.Fields(joined)
	}
	return metadata
}

// scopeList extracts the scope claim as a list of strings, tolerating the
// three representations it can take: the space-delimited wire form, the
// normalized []string, and the []interface{} a JSON round trip produces.
func scopeList(metadata map[string]interface{}) []string {
	switch scope := metadata["scope"].(type) {
	case string:
		return strings.Fields(scope)
	case []string:
		return scope
	case []interface{}:
		list := make([]string, 0, len(scope))
		for _, entry := range scope {
			if s, ok := entry.(string); ok {
				list = append(list, s)
			}
		}
		return list
	default:
		return nil
	}
}

func sortedScopeSet(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	set := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if !seen[scope] {
			seen[scope] = true
			set = append(set, scope)
		}
	}
	sort.Strings(set)
	return set
}

// scopesEqual compares two scope collections as sets.
func scopesEqual(a, b []string) bool {
	setA, setB := sortedScopeSet(a), sortedScopeSet(b)
	if len(setA) != len(setB) {
		return false
	}
	for idx := range setA {
		if setA[idx] != setB[idx] {
			return false
		}
	}
	return true
}

// scopesSuperset reports whether have covers every scope in want.
func scopesSuperset(have, want []string) bool {
	haveSet := make(map[string]bool, len(have))
	for _, scope := range have {
		haveSet[scope] = true
	}
	for _, scope := range want {
		if !haveSet[scope] {
			return false
		}
	}
	return true
}

// projectMetadata copies the named keys from src, dropping absent and
// nil-valued entries.
func projectMetadata(src map[string]interface{}, keys ...string) map[string]interface{} {
	projected := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		if val, present := src[key]; present && val != nil {
			projected[key] = val
		}
	}
	return projected
}
