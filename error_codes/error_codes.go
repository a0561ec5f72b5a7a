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

// Package error_codes defines the tagged error kinds shared by every
// package in the library.  Public operations report the failure classes
// below with these kinds; other failures (e.g. an undecodable response body
// or an uninitialized store) come back as plain wrapped errors.  Callers
// dispatch with errors.Is / errors.As.
package error_codes

import (
	"errors"
	"fmt"
)

// Endpoint names used to tag HTTP failures with the endpoint they hit.
const (
	TokenEndpoint         = "token"
	IntrospectionEndpoint = "introspection"
	RevocationEndpoint    = "revocation"
	UserinfoEndpoint      = "userinfo"
)

type (
	// HTTPStatusError indicates a known endpoint answered with a status
	// other than 200.
	HTTPStatusError struct {
		Endpoint string
		Status   int
	}

	// HTTPRequestError indicates the request to a known endpoint failed at
	// the transport layer before any status was received.
	HTTPRequestError struct {
		Endpoint string
		Err      error
	}

	// MissingServerMetadata indicates a required field is absent from the
	// merged authorization-server metadata.
	MissingServerMetadata struct {
		Field string
	}

	// MissingClientMetadata indicates a required field is absent from the
	// client configuration (e.g. the private JWKS needed for decryption).
	MissingClientMetadata struct {
		Field string
	}

	// UnsupportedClientAuthenticationMethod indicates the resolved
	// token_endpoint_auth_method is one this library cannot perform.
	UnsupportedClientAuthenticationMethod struct {
		Method string
	}

	// InsertError wraps a failure from the storage layer.
	InsertError struct {
		Err error
	}

	// UserinfoEndpointDecryptionFailure indicates the userinfo JWE could not
	// be decrypted with the client's private keyset.
	UserinfoEndpointDecryptionFailure struct {
		Err error
	}

	// UserinfoEndpointVerificationFailure indicates the userinfo JWS did not
	// verify against the issuer's keyset.
	UserinfoEndpointVerificationFailure struct {
		Err error
	}
)

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s endpoint returned status %d", e.Endpoint, e.Status)
}

func (e *HTTPRequestError) Error() string {
	return fmt.Sprintf("request to %s endpoint failed: %v", e.Endpoint, e.Err)
}

func (e *HTTPRequestError) Unwrap() error {
	return e.Err
}

func (e *MissingServerMetadata) Error() string {
	return fmt.Sprintf("server metadata is missing required field %q", e.Field)
}

func (e *MissingClientMetadata) Error() string {
	return fmt.Sprintf("client configuration is missing required field %q", e.Field)
}

func (e *UnsupportedClientAuthenticationMethod) Error() string {
	return fmt.Sprintf("unsupported client authentication method %q", e.Method)
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("storage operation failed: %v", e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

func (e *UserinfoEndpointDecryptionFailure) Error() string {
	return fmt.Sprintf("failed to decrypt userinfo response: %v", e.Err)
}

func (e *UserinfoEndpointDecryptionFailure) Unwrap() error {
	return e.Err
}

func (e *UserinfoEndpointVerificationFailure) Error() string {
	return fmt.Sprintf("failed to verify userinfo response signature: %v", e.Err)
}

func (e *UserinfoEndpointVerificationFailure) Unwrap() error {
	return e.Err
}

var (
	ErrNoSuitableAccessTokenFound  = errors.New("no suitable access token found")
	ErrNoSuitableRefreshTokenFound = errors.New("no suitable refresh token found")

	// ErrIllegalTokenEndpointResponse indicates the token endpoint returned
	// 200 but the body lacked access_token or token_type.
	ErrIllegalTokenEndpointResponse = errors.New("token endpoint returned an illegal response")

	// ErrInvalidIDTokenRegistration indicates the value offered as an ID
	// token is not a compact JWS, or its payload names no subject.
	ErrInvalidIDTokenRegistration = errors.New("ID token is not a compact JWS")

	ErrUserinfoEndpointInvalidContentType = errors.New("userinfo endpoint returned an unexpected content type")

	// ErrMultipleResults indicates a unique-keyed lookup matched more than one row.
	ErrMultipleResults = errors.New("multiple results for unique-keyed lookup")
)
