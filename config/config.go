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

// Package config holds the process-level configuration for the token
// custodian: viper defaults, the shared HTTP transport, logging setup, and
// the OAuth2 client configuration type handed to every manager operation.
package config

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/custodian/param"
)

type (
	// ClientConfig carries the confidential OAuth2 client's credentials and
	// metadata for a single issuer relationship.
	ClientConfig struct {
		ClientID     string
		ClientSecret string

		// AuthMethod overrides the token_endpoint_auth_method declared by the
		// server metadata.  Leave empty to follow the server's declaration
		// (default client_secret_basic).
		AuthMethod string

		// JWKS holds the client's private keys, used to decrypt encrypted
		// userinfo responses.
		JWKS jwk.Set

		// Metadata carries the registered client metadata, e.g.
		// userinfo_encrypted_response_alg / userinfo_encrypted_response_enc.
		Metadata map[string]interface{}
	}

	// Options carries the per-call knobs accepted by every manager
	// operation.  Construct with DefaultOptions and override fields as
	// needed; the zero value disables every behavior and is almost never
	// what a caller wants.
	Options struct {
		AutoIntrospect             bool
		MinIntrospectInterval      time.Duration
		MinUserinfoRefreshInterval time.Duration
		RevokeOnDelete             bool

		// ServerMetadata is merged over the discovered metadata document,
		// taking precedence on conflict.  When discovery fails, it is used
		// alone.
		ServerMetadata map[string]interface{}

		// Middlewares are appended to the HTTP client chain of the token,
		// introspection, and revocation endpoints, after the built-in
		// middlewares and before the globally registered ones.  The userinfo
		// client does not carry them.
		Middlewares []func(http.RoundTripper) http.RoundTripper
	}
)

var onceConfig sync.Once

// MetadataString extracts a string-valued field from the client metadata.
func (cc ClientConfig) MetadataString(field string) string {
	if cc.Metadata == nil {
		return ""
	}
	if val, ok := cc.Metadata[field].(string); ok {
		return val
	}
	return ""
}

// DefaultOptions builds an Options from the process-wide parameters.
func DefaultOptions() Options {
	InitConfig()
	return Options{
		AutoIntrospect:             param.Custodian_AutoIntrospect.GetBool(),
		MinIntrospectInterval:      param.Custodian_MinIntrospectInterval.GetDuration(),
		MinUserinfoRefreshInterval: param.Custodian_MinUserinfoRefreshInterval.GetDuration(),
		RevokeOnDelete:             param.Custodian_RevokeOnDelete.GetBool(),
	}
}

// InitConfig installs viper defaults and environment bindings for every
// parameter the library reads.  Safe to call multiple times; only the first
// call does work.
func InitConfig() {
	onceConfig.Do(func() {
		viper.SetDefault(param.Custodian_AutoIntrospect.GetName(), true)
		viper.SetDefault(param.Custodian_CleanupInterval.GetName(), 15*time.Second)
		viper.SetDefault(param.Custodian_DbLocation.GetName(), defaultDbLocation())
		viper.SetDefault(param.Custodian_MinIntrospectInterval.GetName(), 30*time.Second)
		viper.SetDefault(param.Custodian_MinUserinfoRefreshInterval.GetName(), 30*time.Second)
		viper.SetDefault(param.Custodian_RevokeOnDelete.GetName(), true)
		viper.SetDefault(param.Custodian_StoreBackend.GetName(), "local")

		viper.SetDefault(param.Logging_Level.GetName(), "error")

		viper.SetDefault(param.Metadata_DiscoveryCacheLifetime.GetName(), 5*time.Minute)
		viper.SetDefault(param.Metadata_JwksRefreshInterval.GetName(), 15*time.Minute)

		viper.SetDefault(param.Transport_DialerKeepAlive.GetName(), 30*time.Second)
		viper.SetDefault(param.Transport_DialerTimeout.GetName(), 10*time.Second)
		viper.SetDefault(param.Transport_ExpectContinueTimeout.GetName(), 1*time.Second)
		viper.SetDefault(param.Transport_IdleConnTimeout.GetName(), 90*time.Second)
		viper.SetDefault(param.Transport_MaxIdleConns.GetName(), 30)
		viper.SetDefault(param.Transport_ResponseHeaderTimeout.GetName(), 10*time.Second)
		viper.SetDefault(param.Transport_TLSHandshakeTimeout.GetName(), 15*time.Second)

		viper.SetEnvPrefix("CUSTODIAN")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		initLogging()
	})
}

func defaultDbLocation() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "custodian", "custodian.sqlite3")
}
