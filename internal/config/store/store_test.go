package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	configstore "github.com/photonpay/photond/internal/config/store"
	"github.com/photonpay/photond/internal/profile"
)

func openStore(t *testing.T) *configstore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := configstore.Open(configstore.Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.SaveSettings(ctx, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if err := s.SaveSettings(ctx, map[string]string{"b": "3"}); err != nil {
		t.Fatalf("upsert settings: %v", err)
	}

	values, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if values["a"] != "1" || values["b"] != "3" {
		t.Fatalf("unexpected settings: %v", values)
	}

	subset, err := s.LoadSettings(ctx, "a")
	if err != nil {
		t.Fatalf("load subset: %v", err)
	}
	if len(subset) != 1 || subset["a"] != "1" {
		t.Fatalf("unexpected subset: %v", subset)
	}
}

func TestActiveProfileRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.LoadActiveProfile(ctx); !configstore.IsNotFound(err) {
		t.Fatalf("expected NotFoundError before save, got %v", err)
	}

	p, err := profile.New(profile.ConnectionCustom, "btc", "testnet", "w1", map[string]string{
		profile.SettingHost:     "node.example.com:10009",
		profile.SettingCert:     "/tls.cert",
		profile.SettingMacaroon: "/admin.macaroon",
	})
	if err != nil {
		t.Fatalf("new profile: %v", err)
	}

	if err := s.SaveActiveProfile(ctx, p); err != nil {
		t.Fatalf("save active profile: %v", err)
	}

	loaded, err := s.LoadActiveProfile(ctx)
	if err != nil {
		t.Fatalf("load active profile: %v", err)
	}
	if loaded.ConnectionType() != profile.ConnectionCustom {
		t.Fatalf("unexpected type %q", loaded.ConnectionType())
	}
	if loaded.Host() != "node.example.com:10009" || loaded.MacaroonPath() != "/admin.macaroon" {
		t.Fatal("settings did not survive the round trip")
	}
	if loaded.Network() != "testnet" || loaded.WalletID() != "w1" || loaded.Currency() != "btc" {
		t.Fatal("scope fields did not survive the round trip")
	}

	conn, err := s.ActiveConnection(ctx)
	if err != nil {
		t.Fatalf("active connection: %v", err)
	}
	if conn.ConnectionType != profile.ConnectionCustom || conn.Network != "testnet" || conn.WalletID != "w1" {
		t.Fatalf("unexpected active connection: %+v", conn)
	}
}

func TestActiveProfileReplacedOnSave(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	local, err := profile.New(profile.ConnectionLocal, "btc", "testnet", "w1", map[string]string{
		profile.SettingAlias:     "node1",
		profile.SettingAutopilot: "true",
	})
	if err != nil {
		t.Fatalf("new local profile: %v", err)
	}
	if err := s.SaveActiveProfile(ctx, local); err != nil {
		t.Fatalf("save local: %v", err)
	}

	hosted, err := profile.New(profile.ConnectionHosted, "btc", "mainnet", "w2", map[string]string{
		profile.SettingHost: "ln.example.com:443",
	})
	if err != nil {
		t.Fatalf("new hosted profile: %v", err)
	}
	if err := s.SaveActiveProfile(ctx, hosted); err != nil {
		t.Fatalf("save hosted: %v", err)
	}

	loaded, err := s.LoadActiveProfile(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ConnectionType() != profile.ConnectionHosted || loaded.Host() != "ln.example.com:443" {
		t.Fatal("save did not replace the active profile")
	}
}

func TestClearActiveProfile(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p, err := profile.New(profile.ConnectionHosted, "btc", "mainnet", "w1", map[string]string{
		profile.SettingHost: "h:443",
	})
	if err != nil {
		t.Fatalf("new profile: %v", err)
	}
	if err := s.SaveActiveProfile(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.ClearActiveProfile(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.LoadActiveProfile(ctx); !configstore.IsNotFound(err) {
		t.Fatalf("expected NotFoundError after clear, got %v", err)
	}
	if _, err := s.ActiveConnection(ctx); !configstore.IsNotFound(err) {
		t.Fatalf("expected NotFoundError for connection after clear, got %v", err)
	}
}

func TestProfileCredentialsSealedAtRest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p, err := profile.New(profile.ConnectionCustom, "btc", "testnet", "w1", map[string]string{
		profile.SettingHost:     "node.example.com:10009",
		profile.SettingCert:     "/secret/tls.cert",
		profile.SettingMacaroon: "/secret/admin.macaroon",
	})
	if err != nil {
		t.Fatalf("new profile: %v", err)
	}
	if err := s.SaveActiveProfile(ctx, p); err != nil {
		t.Fatalf("save active profile: %v", err)
	}

	// Inspect the stored settings column directly: credential-bearing keys
	// must be sealed, the host stays plain.
	db, err := sql.Open("sqlite", s.Path())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()

	var raw string
	if err := db.QueryRowContext(ctx, `SELECT settings FROM connection_profiles`).Scan(&raw); err != nil {
		t.Fatalf("read raw settings: %v", err)
	}
	if !strings.Contains(raw, "sealed:v1:") {
		t.Fatalf("credentials not sealed at rest: %q", raw)
	}
	if strings.Contains(raw, "/secret/admin.macaroon") || strings.Contains(raw, "/secret/tls.cert") {
		t.Fatalf("credential plaintext leaked into stored settings: %q", raw)
	}
	if !strings.Contains(raw, "node.example.com:10009") {
		t.Fatalf("host should remain plain: %q", raw)
	}

	loaded, err := s.LoadActiveProfile(ctx)
	if err != nil {
		t.Fatalf("load active profile: %v", err)
	}
	if loaded.CertPath() != "/secret/tls.cert" || loaded.MacaroonPath() != "/secret/admin.macaroon" {
		t.Fatal("credentials did not unseal on load")
	}
}

func TestSecureSettingSealedAtRest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	const macaroonHex = "0201036c6e64"
	if err := s.SaveSecureSetting(ctx, "credentials.macaroon", macaroonHex); err != nil {
		t.Fatalf("save secure setting: %v", err)
	}

	// The raw stored value must not contain the plaintext.
	raw, err := s.LoadSettings(ctx, "credentials.macaroon")
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	stored := raw["credentials.macaroon"]
	if !strings.HasPrefix(stored, "sealed:v1:") {
		t.Fatalf("value not sealed: %q", stored)
	}
	if strings.Contains(stored, macaroonHex) {
		t.Fatal("plaintext leaked into stored value")
	}

	plain, err := s.LoadSecureSetting(ctx, "credentials.macaroon")
	if err != nil {
		t.Fatalf("load secure setting: %v", err)
	}
	if plain != macaroonHex {
		t.Fatalf("unseal mismatch: %q", plain)
	}

	if _, err := s.LoadSecureSetting(ctx, "missing"); !configstore.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
