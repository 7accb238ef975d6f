package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/photonpay/photond/internal/profile"
)

// ActiveConnection is the persisted summary of the currently active
// connection: which kind of node the controller talks to and the scope it
// operates in.
type ActiveConnection struct {
	ConnectionType profile.ConnectionType
	Currency       string
	Network        string
	WalletID       string
	UpdatedAt      string
}

// secureProfileKeys are the credential-bearing settings sealed before they
// reach the settings column.
var secureProfileKeys = []string{profile.SettingCert, profile.SettingMacaroon}

// SaveActiveProfile persists the full connection profile and records it as
// the active connection, atomically. Credential-bearing settings are sealed
// at rest.
func (s *Store) SaveActiveProfile(ctx context.Context, p profile.Profile) error {
	if s.readOnly {
		return fmt.Errorf("config: save active profile: store opened read-only")
	}

	settings := p.Settings()
	for _, key := range secureProfileKeys {
		value, ok := settings[key]
		if !ok {
			continue
		}
		sealed, err := sealValue(s.sealKey, value)
		if err != nil {
			return fmt.Errorf("config: seal profile setting %q: %w", key, err)
		}
		settings[key] = sealed
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("config: encode profile settings: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO connection_profiles (instance_name, connection_type, currency, network, wallet_id, settings, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(instance_name) DO UPDATE SET
                connection_type = excluded.connection_type,
                currency = excluded.currency,
                network = excluded.network,
                wallet_id = excluded.wallet_id,
                settings = excluded.settings,
                updated_at = CURRENT_TIMESTAMP
        `, s.instanceName, string(p.ConnectionType()), p.Currency(), p.Network(), p.WalletID(), string(settingsJSON)); err != nil {
			return fmt.Errorf("config: save connection profile: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO active_connection (instance_name, connection_type, currency, network, wallet_id, updated_at)
            VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(instance_name) DO UPDATE SET
                connection_type = excluded.connection_type,
                currency = excluded.currency,
                network = excluded.network,
                wallet_id = excluded.wallet_id,
                updated_at = CURRENT_TIMESTAMP
        `, s.instanceName, string(p.ConnectionType()), p.Currency(), p.Network(), p.WalletID()); err != nil {
			return fmt.Errorf("config: save active connection: %w", err)
		}

		return nil
	})
}

// LoadActiveProfile reads the persisted active profile. A missing record
// yields a NotFoundError. The profile is re-validated on load so a corrupted
// record can never produce a profile violating the required-key invariant.
func (s *Store) LoadActiveProfile(ctx context.Context) (profile.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT connection_type, currency, network, wallet_id, settings
        FROM connection_profiles WHERE instance_name = ?
    `, s.instanceName)

	var (
		connectionType string
		currency       string
		network        string
		walletID       string
		settingsRaw    string
	)
	if err := row.Scan(&connectionType, &currency, &network, &walletID, &settingsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.Profile{}, NotFoundError{Entity: "connection profile"}
		}
		return profile.Profile{}, fmt.Errorf("config: load connection profile: %w", err)
	}

	var settings map[string]string
	if err := json.Unmarshal([]byte(settingsRaw), &settings); err != nil {
		return profile.Profile{}, fmt.Errorf("config: decode profile settings: %w", err)
	}

	for _, key := range secureProfileKeys {
		value, ok := settings[key]
		if !ok {
			continue
		}
		plain, err := openValue(s.sealKey, value)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("config: unseal profile setting %q: %w", key, err)
		}
		settings[key] = plain
	}

	p, err := profile.New(profile.ConnectionType(connectionType), currency, network, walletID, settings)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("config: stored profile invalid: %w", err)
	}
	return p, nil
}

// ActiveConnection reads the persisted active-connection summary record.
func (s *Store) ActiveConnection(ctx context.Context) (ActiveConnection, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT connection_type, currency, network, wallet_id, updated_at
        FROM active_connection WHERE instance_name = ?
    `, s.instanceName)

	var (
		conn           ActiveConnection
		connectionType string
	)
	if err := row.Scan(&connectionType, &conn.Currency, &conn.Network, &conn.WalletID, &conn.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActiveConnection{}, NotFoundError{Entity: "active connection"}
		}
		return ActiveConnection{}, fmt.Errorf("config: load active connection: %w", err)
	}
	conn.ConnectionType = profile.ConnectionType(connectionType)
	return conn, nil
}

// ClearActiveProfile removes the active connection and profile records.
func (s *Store) ClearActiveProfile(ctx context.Context) error {
	if s.readOnly {
		return fmt.Errorf("config: clear active profile: store opened read-only")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM connection_profiles WHERE instance_name = ?`, s.instanceName); err != nil {
			return fmt.Errorf("config: clear connection profile: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_connection WHERE instance_name = ?`, s.instanceName); err != nil {
			return fmt.Errorf("config: clear active connection: %w", err)
		}
		return nil
	})
}
