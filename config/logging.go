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
	"crypto/sha256"
	"encoding/hex"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/custodian/param"
)

func initLogging() {
	level, err := log.ParseLevel(param.Logging_Level.GetString())
	if err != nil {
		log.Warningln("Unknown Logging.Level value; defaulting to error:", err)
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

// TokenDigest returns a short SHA-256 digest of a token, suitable for log
// lines.  The token itself must never be logged.
func TokenDigest(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])[:8]
}
