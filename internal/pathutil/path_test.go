package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TENANTD_TEST_DIR", "/srv/tenants")

	cases := map[string]string{
		"":                      "",
		"  ":                    "",
		"~":                     home,
		"~/workspaces":          filepath.Join(home, "workspaces"),
		"$TENANTD_TEST_DIR/a":   "/srv/tenants/a",
		"${TENANTD_TEST_DIR}/b": "/srv/tenants/b",
		"relative/dir":          "relative/dir",
		"~other/not-expanded":   "~other/not-expanded",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
