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
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/endpoint"
	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/metadata"
	"github.com/pelicanplatform/custodian/store"
)

// Claims the ID token asserts about the authentication event itself rather
// than the end user; stripped before merging with userinfo claims.
var technicalIDTokenClaims = map[string]bool{
	"iss":       true,
	"sub":       true,
	"aud":       true,
	"exp":       true,
	"iat":       true,
	"auth_time": true,
	"nonce":     true,
	"acr":       true,
	"amr":       true,
	"azp":       true,
}

// RegisterIDToken stores an ID token as the latest one for its subject at
// the issuer.  The token must be a compact JWS.  No signature verification
// happens here: a token arriving from the token endpoint was already
// verified by the refresh flow, and a caller registering one directly
// vouches for it.
func RegisterIDToken(iss, idToken string) error {
	if strings.Count(idToken, ".") != 2 {
		return error_codes.ErrInvalidIDTokenRegistration
	}
	parsed, err := jwt.Parse([]byte(idToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return error_codes.ErrInvalidIDTokenRegistration
	}
	sub := parsed.Subject()
	if sub == "" {
		return error_codes.ErrInvalidIDTokenRegistration
	}

	s, err := store.Get()
	if err != nil {
		return err
	}
	return s.PutIDToken(iss, sub, idToken)
}

// GetIDToken returns the stored ID token for the subject at the issuer, or
// the empty string when none was registered.  Stored ID tokens may outlive
// their exp; they are advisory, not bearer credentials.
func GetIDToken(iss, sub string) (string, error) {
	s, err := store.Get()
	if err != nil {
		return "", err
	}
	return s.GetIDToken(iss, sub)
}

// GetClaims returns the merged user claims for the subject at the issuer.
// A claims record younger than opts.MinUserinfoRefreshInterval answers
// without a network call; otherwise the userinfo endpoint is consulted
// with an access token obtained via GetAccessToken, the response verified
// (and decrypted, when the client registered for encrypted responses), and
// the result persisted before merging with the stored ID token.
func GetClaims(ctx context.Context, iss, sub string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	s, err := store.Get()
	if err != nil {
		return nil, err
	}

	claims, updatedAt, err := s.GetClaims(iss, sub)
	if err != nil {
		return nil, err
	}
	idToken, err := s.GetIDToken(iss, sub)
	if err != nil {
		return nil, err
	}

	if updatedAt != 0 && time.Since(time.Unix(updatedAt, 0)) < opts.MinUserinfoRefreshInterval {
		return mergeClaims(idToken, claims, updatedAt), nil
	}

	at, _, err := GetAccessToken(ctx, iss, ForSubject(sub), cc, nil, opts)
	if err != nil {
		return nil, err
	}

	claims, err = fetchUserinfo(ctx, iss, at, cc, opts)
	if err != nil {
		return nil, err
	}
	if err := s.PutClaims(iss, sub, claims); err != nil {
		return nil, err
	}
	return mergeClaims(idToken, claims, time.Now().Unix()), nil
}

// fetchUserinfo performs the bearer GET against the userinfo endpoint and
// returns the verified claims.  A JSON body is used directly; a JWT body
// (Content-Type: application/jwt) is optionally JWE-decrypted with the
// client's private keyset, then JWS-verified against the issuer's keyset.
func fetchUserinfo(ctx context.Context, iss, at string, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	userinfoUrl, err := endpoint.URL(iss, endpoint.Userinfo, opts)
	if err != nil {
		return nil, err
	}
	client, err := endpoint.HTTPClient(iss, endpoint.Userinfo, cc, opts)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoUrl, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+at)

	resp, err := client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"token": config.TokenDigest(at), "reason": err.Error()}).
			Warningln("Userinfo request failed at the transport layer")
		return nil, &error_codes.HTTPRequestError{Endpoint: error_codes.UserinfoEndpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &error_codes.HTTPStatusError{Endpoint: error_codes.UserinfoEndpoint, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &error_codes.HTTPRequestError{Endpoint: error_codes.UserinfoEndpoint, Err: err}
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, error_codes.ErrUserinfoEndpointInvalidContentType
	}
	switch mediaType {
	case "application/json":
		claims := map[string]interface{}{}
		if err := json.Unmarshal(body, &claims); err != nil {
			return nil, errors.Wrap(err, "failed to decode userinfo response")
		}
		return claims, nil
	case "application/jwt":
		return verifyUserinfoJWT(ctx, iss, body, cc, opts)
	default:
		return nil, error_codes.ErrUserinfoEndpointInvalidContentType
	}
}

func verifyUserinfoJWT(ctx context.Context, iss string, payload []byte, cc config.ClientConfig, opts config.Options) (map[string]interface{}, error) {
	if encAlg := cc.MetadataString("userinfo_encrypted_response_alg"); encAlg != "" {
		decrypted, err := decryptUserinfo(ctx, payload, encAlg, cc)
		if err != nil {
			return nil, err
		}
		payload = decrypted
	}

	merged := metadata.Merged(iss, opts.ServerMetadata)
	sigAlg, _ := merged["userinfo_signed_response_alg"].(string)
	if sigAlg == "" {
		return nil, &error_codes.MissingServerMetadata{Field: "userinfo_signed_response_alg"}
	}

	message, err := jws.Parse(payload)
	if err != nil {
		return nil, &error_codes.UserinfoEndpointVerificationFailure{Err: err}
	}
	signatures := message.Signatures()
	if len(signatures) == 0 || signatures[0].ProtectedHeaders().Algorithm() != jwa.SignatureAlgorithm(sigAlg) {
		return nil, &error_codes.UserinfoEndpointVerificationFailure{
			Err: errors.Errorf("userinfo response is not signed with the declared %s algorithm", sigAlg),
		}
	}

	keyset, err := metadata.Keyset(ctx, iss)
	if err != nil {
		return nil, err
	}
	verified, err := jws.Verify(payload, jws.WithKeySet(keyset, jws.WithInferAlgorithmFromKey(true)))
	if err != nil {
		return nil, &error_codes.UserinfoEndpointVerificationFailure{Err: err}
	}

	claims := map[string]interface{}{}
	if err := json.Unmarshal(verified, &claims); err != nil {
		return nil, &error_codes.UserinfoEndpointVerificationFailure{
			Err: errors.Wrap(err, "verified userinfo payload is not a JSON object"),
		}
	}
	return claims, nil
}

// decryptUserinfo unwraps a JWE-encrypted userinfo response with the
// client's private keys.  The content encryption must match the client's
// registered userinfo_encrypted_response_enc (A128CBC-HS256 when the
// client declared none).
func decryptUserinfo(ctx context.Context, payload []byte, encAlg string, cc config.ClientConfig) ([]byte, error) {
	if cc.JWKS == nil || cc.JWKS.Len() == 0 {
		return nil, &error_codes.MissingClientMetadata{Field: "jwks"}
	}

	declaredEnc := cc.MetadataString("userinfo_encrypted_response_enc")
	if declaredEnc == "" {
		declaredEnc = "A128CBC-HS256"
	}
	message, err := jwe.Parse(payload)
	if err != nil {
		return nil, &error_codes.UserinfoEndpointDecryptionFailure{Err: err}
	}
	if enc := message.ProtectedHeaders().ContentEncryption(); string(enc) != declaredEnc {
		return nil, &error_codes.UserinfoEndpointDecryptionFailure{
			Err: errors.Errorf("userinfo response encrypted with %s; client registered for %s", enc, declaredEnc),
		}
	}

	var lastErr error
	keyIter := cc.JWKS.Keys(ctx)
	for keyIter.Next(ctx) {
		pair := keyIter.Pair()
		key, ok := pair.Value.(jwk.Key)
		if !ok {
			continue
		}
		decrypted, err := jwe.Decrypt(payload, jwe.WithKey(jwa.KeyEncryptionAlgorithm(encAlg), key))
		if err == nil {
			return decrypted, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no usable decryption key in the client JWKS")
	}
	return nil, &error_codes.UserinfoEndpointDecryptionFailure{Err: lastErr}
}

// verifyIDToken checks an ID token received from the token endpoint:
// signature against the issuer's keyset, issuer claim, and audience.
func verifyIDToken(ctx context.Context, iss string, cc config.ClientConfig, idToken string) error {
	keyset, err := metadata.Keyset(ctx, iss)
	if err != nil {
		return err
	}
	_, err = jwt.Parse([]byte(idToken),
		jwt.WithKeySet(keyset, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithIssuer(iss),
		jwt.WithAudience(cc.ClientID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to verify ID token from the token endpoint")
	}
	return nil
}

// mergeClaims combines the stored ID token's claims with the latest
// userinfo claims.  Technical ID-token claims are stripped first; when
// both halves are present, whichever is more recent wins on conflicting
// keys (the ID token's iat against the claims record's update time).
func mergeClaims(idToken string, claims map[string]interface{}, claimsUpdatedAt int64) map[string]interface{} {
	if idToken == "" {
		if claims == nil {
			return map[string]interface{}{}
		}
		return claims
	}

	parsed, err := jwt.Parse([]byte(idToken), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		log.Warningln("Stored ID token failed to parse; returning userinfo claims only:", err)
		if claims == nil {
			return map[string]interface{}{}
		}
		return claims
	}
	raw, err := parsed.AsMap(context.Background())
	if err != nil {
		log.Warningln("Stored ID token claims could not be extracted:", err)
		raw = map[string]interface{}{}
	}
	idClaims := make(map[string]interface{}, len(raw))
	for key, val := range raw {
		if !technicalIDTokenClaims[key] {
			idClaims[key] = val
		}
	}

	if claims == nil {
		return idClaims
	}

	merged := make(map[string]interface{}, len(claims)+len(idClaims))
	if parsed.IssuedAt().Unix() > claimsUpdatedAt {
		// The ID token is newer; its claims win
		for key, val := range claims {
			merged[key] = val
		}
		for key, val := range idClaims {
			merged[key] = val
		}
	} else {
		for key, val := range idClaims {
			merged[key] = val
		}
		for key, val := range claims {
			merged[key] = val
		}
	}
	return merged
}
