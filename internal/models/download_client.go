// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/borrowarr/borrowarr/internal/dbinterface"
	"github.com/borrowarr/borrowarr/internal/domain"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
)

var (
	ErrDownloadClientNotFound = errors.New("download client not found")
	ErrDownloadClientExists   = errors.New("a download client with this name already exists")
)

// DownloadClient is a stored download client. Secrets are held decrypted in
// memory and never leave the process through JSON.
type DownloadClient struct {
	ID        int                       `json:"id"`
	Name      string                    `json:"name"`
	Type      downloadclient.ClientType `json:"clientType"`
	Host      string                    `json:"host"`
	Port      int                       `json:"port"`
	UseSSL    bool                      `json:"useSsl"`
	URLBase   string                    `json:"urlBase"`
	Username  string                    `json:"username"`
	AppID     string                    `json:"appId"`
	Category  string                    `json:"category"`
	Directory string                    `json:"directory"`
	AddPaused bool                      `json:"addPaused"`
	Priority  downloadclient.Priority   `json:"priority"`

	Password    string `json:"-"`
	APIKey      string `json:"-"`
	SecretToken string `json:"-"`
	AppToken    string `json:"-"`

	Enabled        bool      `json:"enabled"`
	TLSSkipVerify  bool      `json:"tlsSkipVerify"`
	TimeoutSeconds int       `json:"timeout"`
	SortOrder      int       `json:"sortOrder"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type downloadClientAlias DownloadClient

type downloadClientJSON struct {
	*downloadClientAlias
	Password    string `json:"password,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
	SecretToken string `json:"secretToken,omitempty"`
	AppToken    string `json:"appToken,omitempty"`
}

func (c DownloadClient) MarshalJSON() ([]byte, error) {
	return json.Marshal(downloadClientJSON{
		downloadClientAlias: (*downloadClientAlias)(&c),
		Password:            domain.RedactString(c.Password),
		APIKey:              domain.RedactString(c.APIKey),
		SecretToken:         domain.RedactString(c.SecretToken),
		AppToken:            domain.RedactString(c.AppToken),
	})
}

// UnmarshalJSON keeps redacted placeholders as-is; Update swaps them for the
// stored secret.
func (c *DownloadClient) UnmarshalJSON(data []byte) error {
	tmp := downloadClientJSON{downloadClientAlias: (*downloadClientAlias)(c)}
	// Enabled defaults to true for payloads that omit it
	c.Enabled = true
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	c.Password = tmp.Password
	c.APIKey = tmp.APIKey
	c.SecretToken = tmp.SecretToken
	c.AppToken = tmp.AppToken
	return nil
}

// Settings converts the stored client into adapter settings.
func (c *DownloadClient) Settings() downloadclient.Settings {
	return downloadclient.Settings{
		ID:            c.ID,
		Name:          c.Name,
		Type:          c.Type,
		Host:          c.Host,
		Port:          c.Port,
		UseSSL:        c.UseSSL,
		URLBase:       c.URLBase,
		Username:      c.Username,
		Password:      c.Password,
		APIKey:        c.APIKey,
		SecretToken:   c.SecretToken,
		AppID:         c.AppID,
		AppToken:      c.AppToken,
		Category:      c.Category,
		Directory:     c.Directory,
		AddPaused:     c.AddPaused,
		Priority:      c.Priority,
		TLSSkipVerify: c.TLSSkipVerify,
		Timeout:       time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

func (c *DownloadClient) normalize() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return downloadclient.InvalidRequest("", "settings", "name is required")
	}
	t, err := downloadclient.ParseClientType(string(c.Type))
	if err != nil {
		return err
	}
	c.Type = t
	c.Host = strings.TrimRight(strings.TrimSpace(c.Host), "/")
	c.URLBase = strings.TrimSpace(c.URLBase)
	c.Directory = strings.TrimSpace(c.Directory)
	c.Category = strings.TrimSpace(c.Category)
	if c.TimeoutSeconds < 0 {
		c.TimeoutSeconds = 0
	}
	if c.Priority < downloadclient.PriorityLast || c.Priority > downloadclient.PriorityFirst {
		return downloadclient.InvalidRequest(c.Type, "settings", "priority must be -1, 0 or 1")
	}
	return c.Settings().Validate()
}

func hasRedacted(c *DownloadClient) bool {
	return domain.IsRedactedString(c.Password) || domain.IsRedactedString(c.APIKey) ||
		domain.IsRedactedString(c.SecretToken) || domain.IsRedactedString(c.AppToken)
}

type DownloadClientStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewDownloadClientStore(db dbinterface.Querier, encryptionKey []byte) (*DownloadClientStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &DownloadClientStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt seals plaintext with AES-GCM. Empty stays empty.
func (s *DownloadClientStore) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *DownloadClientStore) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

type sealedSecrets struct {
	password, apiKey, secretToken, appToken string
}

func (s *DownloadClientStore) seal(c *DownloadClient) (sealedSecrets, error) {
	var out sealedSecrets
	var err error
	if out.password, err = s.encrypt(c.Password); err != nil {
		return out, fmt.Errorf("failed to encrypt password: %w", err)
	}
	if out.apiKey, err = s.encrypt(c.APIKey); err != nil {
		return out, fmt.Errorf("failed to encrypt api key: %w", err)
	}
	if out.secretToken, err = s.encrypt(c.SecretToken); err != nil {
		return out, fmt.Errorf("failed to encrypt secret token: %w", err)
	}
	if out.appToken, err = s.encrypt(c.AppToken); err != nil {
		return out, fmt.Errorf("failed to encrypt app token: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *DownloadClientStore) Create(ctx context.Context, c *DownloadClient) (*DownloadClient, error) {
	if c == nil {
		return nil, errors.New("download client is nil")
	}
	if hasRedacted(c) {
		return nil, downloadclient.InvalidRequest(c.Type, "settings", "redacted credentials cannot be used for a new client")
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}

	secrets, err := s.seal(c)
	if err != nil {
		return nil, err
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		WITH next_sort AS (
			SELECT COALESCE(MAX(sort_order), -1) + 1 AS next_order FROM download_clients
		)
		INSERT INTO download_clients (
			name, client_type, host, port, use_ssl, url_base,
			username, password_encrypted, api_key_encrypted, secret_token_encrypted,
			app_id, app_token_encrypted,
			category, directory, add_paused, priority,
			enabled, tls_skip_verify, timeout_seconds, sort_order
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, next_order FROM next_sort
		RETURNING id
	`,
		c.Name, string(c.Type), c.Host, c.Port, c.UseSSL, c.URLBase,
		c.Username, secrets.password, secrets.apiKey, secrets.secretToken,
		c.AppID, secrets.appToken,
		c.Category, c.Directory, c.AddPaused, int(c.Priority),
		c.Enabled, c.TLSSkipVerify, c.TimeoutSeconds,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDownloadClientExists
		}
		return nil, err
	}

	return s.Get(ctx, id)
}

const downloadClientColumns = `
	id, name, client_type, host, port, use_ssl, url_base,
	username, password_encrypted, api_key_encrypted, secret_token_encrypted,
	app_id, app_token_encrypted,
	category, directory, add_paused, priority,
	enabled, tls_skip_verify, timeout_seconds, sort_order, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DownloadClientStore) scan(row rowScanner) (*DownloadClient, error) {
	var c DownloadClient
	var clientType string
	var priority int
	var password, apiKey, secretToken, appToken string

	err := row.Scan(
		&c.ID, &c.Name, &clientType, &c.Host, &c.Port, &c.UseSSL, &c.URLBase,
		&c.Username, &password, &apiKey, &secretToken,
		&c.AppID, &appToken,
		&c.Category, &c.Directory, &c.AddPaused, &priority,
		&c.Enabled, &c.TLSSkipVerify, &c.TimeoutSeconds, &c.SortOrder, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = downloadclient.ClientType(clientType)
	c.Priority = downloadclient.Priority(priority)

	if c.Password, err = s.decrypt(password); err != nil {
		return nil, fmt.Errorf("failed to decrypt password of client %d: %w", c.ID, err)
	}
	if c.APIKey, err = s.decrypt(apiKey); err != nil {
		return nil, fmt.Errorf("failed to decrypt api key of client %d: %w", c.ID, err)
	}
	if c.SecretToken, err = s.decrypt(secretToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt secret token of client %d: %w", c.ID, err)
	}
	if c.AppToken, err = s.decrypt(appToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt app token of client %d: %w", c.ID, err)
	}
	return &c, nil
}

func (s *DownloadClientStore) Get(ctx context.Context, id int) (*DownloadClient, error) {
	c, err := s.scan(s.db.QueryRowContext(ctx, `SELECT `+downloadClientColumns+` FROM download_clients WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadClientNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns every client in sort order.
func (s *DownloadClientStore) List(ctx context.Context) ([]*DownloadClient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+downloadClientColumns+`
		FROM download_clients
		ORDER BY sort_order ASC, name COLLATE NOCASE ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*DownloadClient
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return clients, nil
}

// FirstEnabled returns the first enabled client, in sort order, that handles
// protocol.
func (s *DownloadClientStore) FirstEnabled(ctx context.Context, protocol downloadclient.Protocol) (*DownloadClient, error) {
	clients, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		if c.Enabled && c.Type.Supports(protocol) {
			return c, nil
		}
	}
	return nil, ErrDownloadClientNotFound
}

// Update replaces the stored client. A redacted secret keeps the stored one;
// an empty secret clears it.
func (s *DownloadClientStore) Update(ctx context.Context, id int, c *DownloadClient) (*DownloadClient, error) {
	if c == nil {
		return nil, errors.New("download client is nil")
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	keep := func(in *string, stored string) {
		if domain.IsRedactedString(*in) {
			*in = stored
		}
	}
	keep(&c.Password, existing.Password)
	keep(&c.APIKey, existing.APIKey)
	keep(&c.SecretToken, existing.SecretToken)
	keep(&c.AppToken, existing.AppToken)

	if err := c.normalize(); err != nil {
		return nil, err
	}

	secrets, err := s.seal(c)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE download_clients SET
			name = ?, client_type = ?, host = ?, port = ?, use_ssl = ?, url_base = ?,
			username = ?, password_encrypted = ?, api_key_encrypted = ?, secret_token_encrypted = ?,
			app_id = ?, app_token_encrypted = ?,
			category = ?, directory = ?, add_paused = ?, priority = ?,
			enabled = ?, tls_skip_verify = ?, timeout_seconds = ?
		WHERE id = ?
	`,
		c.Name, string(c.Type), c.Host, c.Port, c.UseSSL, c.URLBase,
		c.Username, secrets.password, secrets.apiKey, secrets.secretToken,
		c.AppID, secrets.appToken,
		c.Category, c.Directory, c.AddPaused, int(c.Priority),
		c.Enabled, c.TLSSkipVerify, c.TimeoutSeconds,
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDownloadClientExists
		}
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrDownloadClientNotFound
	}

	return s.Get(ctx, id)
}

func (s *DownloadClientStore) SetEnabled(ctx context.Context, id int, enabled bool) (*DownloadClient, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE download_clients SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrDownloadClientNotFound
	}

	return s.Get(ctx, id)
}

// UpdateOrder assigns sort positions in the order given. Every stored client
// must be listed exactly once.
func (s *DownloadClientStore) UpdateOrder(ctx context.Context, clientIDs []int) error {
	if len(clientIDs) == 0 {
		return errors.New("client ids cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM download_clients").Scan(&total); err != nil {
		return fmt.Errorf("failed to validate client list: %w", err)
	}
	if len(clientIDs) != total {
		return fmt.Errorf("partial reordering not allowed: expected %d clients, got %d", total, len(clientIDs))
	}

	seen := make(map[int]struct{}, len(clientIDs))
	for order, id := range clientIDs {
		if _, exists := seen[id]; exists {
			return fmt.Errorf("duplicate client id %d in reorder payload", id)
		}
		seen[id] = struct{}{}

		result, err := tx.ExecContext(ctx, `UPDATE download_clients SET sort_order = ? WHERE id = ?`, order, id)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != 1 {
			return ErrDownloadClientNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *DownloadClientStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM download_clients WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDownloadClientNotFound
	}

	return nil
}

// LoadSettings returns decrypted adapter settings for the pool. Disabled
// clients report downloadclient.ErrClientDisabled.
func (s *DownloadClientStore) LoadSettings(ctx context.Context, id int) (downloadclient.Settings, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return downloadclient.Settings{}, err
	}
	if !c.Enabled {
		return downloadclient.Settings{}, downloadclient.ErrClientDisabled
	}
	return c.Settings(), nil
}
