package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGetInstancePathsDefaults(t *testing.T) {
	paths := GetInstancePaths("")
	if !strings.HasSuffix(paths.Home, filepath.Join("instances", DefaultInstance)) {
		t.Fatalf("unexpected home: %s", paths.Home)
	}
	if filepath.Dir(paths.ConfigDB) != paths.Home {
		t.Fatalf("config DB should live in instance home, got %s", paths.ConfigDB)
	}
}

func TestNodeDirScoping(t *testing.T) {
	paths := GetInstancePaths("test")

	a := paths.NodeDir("testnet", "wallet-1")
	b := paths.NodeDir("testnet", "wallet-2")
	c := paths.NodeDir("mainnet", "wallet-1")

	if a == b || a == c {
		t.Fatal("node dirs must differ per wallet and per network")
	}
	if !strings.Contains(a, filepath.Join("testnet", "wallet-1")) {
		t.Fatalf("unexpected node dir: %s", a)
	}

	def := paths.NodeDir("", "")
	if !strings.Contains(def, filepath.Join("mainnet", "wallet")) {
		t.Fatalf("unexpected default node dir: %s", def)
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path should be untouched, got %q", got)
	}
	got := ExpandPath("~/x")
	if strings.HasPrefix(got, "~") {
		t.Fatalf("tilde not expanded: %q", got)
	}
}
