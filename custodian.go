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

	"github.com/pelicanplatform/custodian/config"
	"github.com/pelicanplatform/custodian/store"
)

// Init installs configuration defaults and starts the configured token
// store.  Call once at process startup before any other operation.
func Init(ctx context.Context) error {
	config.InitConfig()
	return store.Initialize(ctx)
}

// Shutdown stops the token store, flushing its durable tables.
func Shutdown() error {
	return store.Shutdown()
}
