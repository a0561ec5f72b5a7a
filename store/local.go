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

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/sqlite" // SQLite driver
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/custodian/error_codes"
	"github.com/pelicanplatform/custodian/param"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// LocalStore is the default in-process store.  Access tokens live in a
// concurrent in-memory table; refresh tokens and claims live in a durable
// on-disk SQLite table.  A sweeper evicts expired token records every
// Custodian.CleanupInterval.  Secondary lookups are full scans with a match
// predicate, which is acceptable because n is small per process.
type LocalStore struct {
	dbLocation string

	accessTokens *ttlcache.Cache[string, AccessTokenRecord]
	db           *sql.DB

	cancel context.CancelFunc
	egrp   *errgroup.Group
}

func init() {
	RegisterBackend("local", func() (Store, error) {
		return NewLocalStore(param.Custodian_DbLocation.GetString()), nil
	})
}

func NewLocalStore(dbLocation string) *LocalStore {
	return &LocalStore{dbLocation: dbLocation}
}

// Start opens the durable tables, applies migrations, and launches the
// eviction sweeper.
func (ls *LocalStore) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(ls.dbLocation), 0700); err != nil {
		return errors.Wrap(err, "failed to create token store directory")
	}

	db, err := sql.Open("sqlite", ls.dbLocation+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.Wrap(err, "failed to open token store database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to ping token store database")
	}
	// WAL keeps the durable tables single-writer while allowing parallel readers
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to set goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to apply token store migrations")
	}

	ls.db = db
	ls.accessTokens = ttlcache.New[string, AccessTokenRecord]()

	ctx, cancel := context.WithCancel(ctx)
	ls.cancel = cancel
	ls.egrp = new(errgroup.Group)
	ls.egrp.Go(func() error {
		ls.sweepLoop(ctx)
		return nil
	})

	log.Debugln("Local token store initialized at", ls.dbLocation)
	return nil
}

// Stop halts the sweeper and closes the durable tables.
func (ls *LocalStore) Stop() error {
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.egrp != nil {
		_ = ls.egrp.Wait()
	}
	if ls.db != nil {
		return ls.db.Close()
	}
	return nil
}

func (ls *LocalStore) sweepLoop(ctx context.Context) {
	interval := param.Custodian_CleanupInterval.GetDuration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls.sweep()
		}
	}
}

// sweep removes token records whose exp claim has passed.  Claims records
// and ID tokens are never swept; they are advisory, not bearer credentials.
func (ls *LocalStore) sweep() {
	now := time.Now().Unix()

	for at, item := range ls.accessTokens.Items() {
		if exp, ok := MetadataExp(item.Value().Metadata); ok && exp < now {
			ls.accessTokens.Delete(at)
		}
	}

	if _, err := ls.db.Exec("DELETE FROM refresh_tokens WHERE expires_at > 0 AND expires_at < ?", now); err != nil {
		log.Warningln("Eviction sweep of refresh tokens failed:", err)
	}
}

func (ls *LocalStore) GetAccessToken(at string) (*AccessTokenRecord, error) {
	item := ls.accessTokens.Get(at)
	if item == nil {
		return nil, nil
	}
	record := item.Value()
	return &record, nil
}

func (ls *LocalStore) GetAccessTokensForSubject(iss, sub string) ([]AccessTokenRecord, error) {
	return ls.scanAccessTokens(func(record AccessTokenRecord) bool {
		return record.Issuer == iss && metadataSubject(record.Metadata) == sub
	})
}

func (ls *LocalStore) GetAccessTokensClientCredentials(iss, clientID string) ([]AccessTokenRecord, error) {
	return ls.scanAccessTokens(func(record AccessTokenRecord) bool {
		if record.Issuer != iss {
			return false
		}
		// Client-credentials records carry no subject
		if _, hasSub := record.Metadata["sub"]; hasSub {
			return false
		}
		id, _ := record.Metadata["client_id"].(string)
		return id == clientID
	})
}

func (ls *LocalStore) scanAccessTokens(match func(AccessTokenRecord) bool) ([]AccessTokenRecord, error) {
	records := make([]AccessTokenRecord, 0)
	for _, item := range ls.accessTokens.Items() {
		if record := item.Value(); match(record) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (ls *LocalStore) PutAccessToken(at, tokenType string, metadata map[string]interface{}, iss string) (map[string]interface{}, error) {
	record := AccessTokenRecord{
		Token:     at,
		Issuer:    iss,
		TokenType: tokenType,
		Metadata:  metadata,
		UpdatedAt: time.Now().Unix(),
	}
	ls.accessTokens.Set(at, record, ttlcache.NoTTL)
	return metadata, nil
}

func (ls *LocalStore) DeleteAccessToken(at string) error {
	ls.accessTokens.Delete(at)
	return nil
}

func (ls *LocalStore) GetRefreshToken(rt string) (*RefreshTokenRecord, error) {
	rows, err := ls.db.Query("SELECT token, issuer, metadata, updated_at FROM refresh_tokens WHERE token = ?", rt)
	if err != nil {
		return nil, &error_codes.InsertError{Err: err}
	}
	defer rows.Close()

	var records []RefreshTokenRecord
	for rows.Next() {
		record, err := scanRefreshTokenRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &error_codes.InsertError{Err: err}
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return &records[0], nil
	default:
		return nil, error_codes.ErrMultipleResults
	}
}

func (ls *LocalStore) GetRefreshTokensForSubject(iss, sub string) ([]RefreshTokenRecord, error) {
	return ls.scanRefreshTokens(iss, func(record RefreshTokenRecord) bool {
		return metadataSubject(record.Metadata) == sub
	})
}

func (ls *LocalStore) GetRefreshTokensClientCredentials(iss, clientID string) ([]RefreshTokenRecord, error) {
	return ls.scanRefreshTokens(iss, func(record RefreshTokenRecord) bool {
		if _, hasSub := record.Metadata["sub"]; hasSub {
			return false
		}
		id, _ := record.Metadata["client_id"].(string)
		return id == clientID
	})
}

func (ls *LocalStore) scanRefreshTokens(iss string, match func(RefreshTokenRecord) bool) ([]RefreshTokenRecord, error) {
	rows, err := ls.db.Query("SELECT token, issuer, metadata, updated_at FROM refresh_tokens WHERE issuer = ?", iss)
	if err != nil {
		return nil, &error_codes.InsertError{Err: err}
	}
	defer rows.Close()

	records := make([]RefreshTokenRecord, 0)
	for rows.Next() {
		record, err := scanRefreshTokenRow(rows)
		if err != nil {
			return nil, err
		}
		if match(record) {
			records = append(records, record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &error_codes.InsertError{Err: err}
	}
	return records, nil
}

func scanRefreshTokenRow(rows *sql.Rows) (record RefreshTokenRecord, err error) {
	var metadataJSON string
	if err = rows.Scan(&record.Token, &record.Issuer, &metadataJSON, &record.UpdatedAt); err != nil {
		err = &error_codes.InsertError{Err: err}
		return
	}
	if err = json.Unmarshal([]byte(metadataJSON), &record.Metadata); err != nil {
		err = &error_codes.InsertError{Err: errors.Wrap(err, "corrupt refresh token metadata")}
	}
	return
}

func (ls *LocalStore) PutRefreshToken(rt string, metadata map[string]interface{}, iss string) (map[string]interface{}, error) {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, &error_codes.InsertError{Err: errors.Wrap(err, "failed to serialize refresh token metadata")}
	}
	expiresAt, _ := MetadataExp(metadata)

	query := `INSERT INTO refresh_tokens (token, issuer, metadata, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(token) DO UPDATE SET issuer = excluded.issuer, metadata = excluded.metadata,
	          expires_at = excluded.expires_at, updated_at = excluded.updated_at`
	if _, err := ls.db.Exec(query, rt, iss, string(metadataJSON), expiresAt, time.Now().Unix()); err != nil {
		return nil, &error_codes.InsertError{Err: err}
	}
	return metadata, nil
}

func (ls *LocalStore) DeleteRefreshToken(rt string) error {
	if _, err := ls.db.Exec("DELETE FROM refresh_tokens WHERE token = ?", rt); err != nil {
		return &error_codes.InsertError{Err: err}
	}
	return nil
}

func (ls *LocalStore) GetClaims(iss, sub string) (map[string]interface{}, int64, error) {
	var claimsJSON sql.NullString
	var updatedAt sql.NullInt64
	err := ls.db.QueryRow("SELECT claims, updated_at FROM claims WHERE issuer = ? AND subject = ?", iss, sub).
		Scan(&claimsJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &error_codes.InsertError{Err: err}
	}

	var claims map[string]interface{}
	if claimsJSON.Valid {
		if err := json.Unmarshal([]byte(claimsJSON.String), &claims); err != nil {
			return nil, 0, &error_codes.InsertError{Err: errors.Wrap(err, "corrupt claims record")}
		}
	}
	return claims, updatedAt.Int64, nil
}

func (ls *LocalStore) PutClaims(iss, sub string, claims map[string]interface{}) error {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return &error_codes.InsertError{Err: errors.Wrap(err, "failed to serialize claims")}
	}

	query := `INSERT INTO claims (issuer, subject, claims, updated_at) VALUES (?, ?, ?, ?)
	          ON CONFLICT(issuer, subject) DO UPDATE SET claims = excluded.claims, updated_at = excluded.updated_at`
	if _, err := ls.db.Exec(query, iss, sub, string(claimsJSON), time.Now().Unix()); err != nil {
		return &error_codes.InsertError{Err: err}
	}
	return nil
}

func (ls *LocalStore) GetIDToken(iss, sub string) (string, error) {
	var idToken sql.NullString
	err := ls.db.QueryRow("SELECT id_token FROM claims WHERE issuer = ? AND subject = ?", iss, sub).Scan(&idToken)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &error_codes.InsertError{Err: err}
	}
	return idToken.String, nil
}

func (ls *LocalStore) PutIDToken(iss, sub, idToken string) error {
	query := `INSERT INTO claims (issuer, subject, id_token) VALUES (?, ?, ?)
	          ON CONFLICT(issuer, subject) DO UPDATE SET id_token = excluded.id_token`
	if _, err := ls.db.Exec(query, iss, sub, idToken); err != nil {
		return &error_codes.InsertError{Err: err}
	}
	return nil
}

func metadataSubject(metadata map[string]interface{}) string {
	sub, _ := metadata["sub"].(string)
	return sub
}
