package version

import "testing"

func TestFormatVersion(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"dev", "dev"},
		{"0.3.0", "v0.3.0"},
		{"v0.3.0", "v0.3.0"},
	}
	for _, tc := range cases {
		if got := FormatVersion(tc.in); got != tc.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestForTesting(t *testing.T) {
	restore := ForTesting("9.9.9")
	if String() != "9.9.9" {
		t.Fatalf("expected override, got %q", String())
	}
	restore()
	if String() != "dev" {
		t.Fatalf("expected restore to dev, got %q", String())
	}
}
