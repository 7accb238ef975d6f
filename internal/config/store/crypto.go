package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks values encrypted at rest. Plain values (everything the
// store held before sealing was introduced) carry no prefix.
const sealedPrefix = "sealed:v1:"

func sealKeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), ".seal.key")
}

func loadSealKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read seal key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("config: decode seal key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("config: seal key has wrong size %d", len(key))
	}
	return key, nil
}

func loadOrCreateSealKey(ctx context.Context, db *sql.DB, path string) ([]byte, error) {
	key, err := loadSealKey(path)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	// Key file does not exist. Safe to create only if the DB holds no
	// previously sealed values, in the settings table or embedded in a
	// stored profile.
	var sealedCount int
	row := db.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM settings WHERE value LIKE ?)
             + (SELECT COUNT(*) FROM connection_profiles WHERE settings LIKE ?)
    `, sealedPrefix+"%", "%"+sealedPrefix+"%")
	if err := row.Scan(&sealedCount); err != nil {
		return nil, fmt.Errorf("config: check sealed values: %w", err)
	}
	if sealedCount > 0 {
		return nil, fmt.Errorf("config: seal key %s is missing but the database already contains sealed values; restore the original key file or remove the sealed rows manually", path)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: generate seal key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("config: write seal key: %w", err)
	}
	return key, nil
}

func sealValue(key []byte, plain string) (string, error) {
	if len(key) != chacha20poly1305.KeySize {
		return "", fmt.Errorf("seal key unavailable")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func openValue(key []byte, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		// Legacy plain value.
		return stored, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return "", fmt.Errorf("seal key unavailable")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value truncated")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
