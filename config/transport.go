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

package config

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/pelicanplatform/custodian/param"
)

var (
	// Our global transport that only will get configured once
	transport *http.Transport

	onceTransport sync.Once
)

// GetTransport returns the shared HTTP transport, setting it up on first use.
// Every outbound request of the library (token, introspection, revocation,
// userinfo, metadata discovery, JWKS fetch) goes through this transport.
func GetTransport() *http.Transport {
	onceTransport.Do(func() {
		setupTransport()
	})
	return transport
}

func setupTransport() {
	InitConfig()

	dialer := net.Dialer{
		Timeout:   param.Transport_DialerTimeout.GetDuration(),
		KeepAlive: param.Transport_DialerKeepAlive.GetDuration(),
	}

	transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          param.Transport_MaxIdleConns.GetInt(),
		IdleConnTimeout:       param.Transport_IdleConnTimeout.GetDuration(),
		TLSHandshakeTimeout:   param.Transport_TLSHandshakeTimeout.GetDuration(),
		ExpectContinueTimeout: param.Transport_ExpectContinueTimeout.GetDuration(),
		ResponseHeaderTimeout: param.Transport_ResponseHeaderTimeout.GetDuration(),
	}
	if param.TLSSkipVerify.GetBool() {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
}
