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

// Package param provides typed accessors for the library's viper-backed
// configuration keys.  Call sites use the exported parameter objects
// (e.g. param.Custodian_AutoIntrospect.GetBool()) instead of raw viper
// lookups so that the set of known keys stays in one place.
package param

import (
	"time"

	"github.com/spf13/viper"
)

type (
	StringParam struct {
		name string
	}
	BoolParam struct {
		name string
	}
	IntParam struct {
		name string
	}
	DurationParam struct {
		name string
	}
)

func (sP StringParam) GetName() string {
	return sP.name
}

func (sP StringParam) GetString() string {
	return viper.GetString(sP.name)
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (bP BoolParam) GetBool() bool {
	return viper.GetBool(bP.name)
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP IntParam) GetInt() int {
	return viper.GetInt(iP.name)
}

func (dP DurationParam) GetName() string {
	return dP.name
}

func (dP DurationParam) GetDuration() time.Duration {
	return viper.GetDuration(dP.name)
}

var (
	Custodian_AutoIntrospect             = BoolParam{"Custodian.AutoIntrospect"}
	Custodian_CleanupInterval            = DurationParam{"Custodian.CleanupInterval"}
	Custodian_DbLocation                 = StringParam{"Custodian.DbLocation"}
	Custodian_MinIntrospectInterval      = DurationParam{"Custodian.MinIntrospectInterval"}
	Custodian_MinUserinfoRefreshInterval = DurationParam{"Custodian.MinUserinfoRefreshInterval"}
	Custodian_RevokeOnDelete             = BoolParam{"Custodian.RevokeOnDelete"}
	Custodian_StoreBackend               = StringParam{"Custodian.StoreBackend"}

	Logging_Level = StringParam{"Logging.Level"}

	Metadata_DiscoveryCacheLifetime = DurationParam{"Metadata.DiscoveryCacheLifetime"}
	Metadata_JwksRefreshInterval    = DurationParam{"Metadata.JwksRefreshInterval"}

	TLSSkipVerify = BoolParam{"TLSSkipVerify"}

	Transport_DialerKeepAlive       = DurationParam{"Transport.DialerKeepAlive"}
	Transport_DialerTimeout         = DurationParam{"Transport.DialerTimeout"}
	Transport_ExpectContinueTimeout = DurationParam{"Transport.ExpectContinueTimeout"}
	Transport_IdleConnTimeout       = DurationParam{"Transport.IdleConnTimeout"}
	Transport_MaxIdleConns          = IntParam{"Transport.MaxIdleConns"}
	Transport_ResponseHeaderTimeout = DurationParam{"Transport.ResponseHeaderTimeout"}
	Transport_TLSHandshakeTimeout   = DurationParam{"Transport.TLSHandshakeTimeout"}
)
