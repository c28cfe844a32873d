package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

func (s *sample) Validate() error {
	if s.Port == 0 {
		return errors.New("port required")
	}
	return nil
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CFG_SET", "value")
	t.Setenv("CFG_EMPTY", "")

	cases := []struct{ in, want string }{
		{"${CFG_SET}", "value"},
		{"$CFG_SET", "value"},
		{"${CFG_UNSET_X}", ""},
		{"${CFG_UNSET_X:-dflt}", "dflt"},
		{"${CFG_EMPTY:-dflt}", "dflt"},
		{"${CFG_SET:-dflt}", "value"},
		{"a-${CFG_SET}-b", "a-value-b"},
		{"${CFG_UNSET_X:-a:-b}", "a:-b"},
	}
	for _, tc := range cases {
		if got := ExpandEnv(tc.in); got != tc.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadOverDefaults(t *testing.T) {
	t.Setenv("CFG_NAME", "from-env")
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("name: ${CFG_NAME}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &sample{Port: 80}
	if err := Load(path, s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "from-env" || s.Port != 80 {
		t.Errorf("got %+v", s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	if err := Load(path, &sample{Port: 1}); err == nil {
		t.Error("missing file should fail by default")
	}
	if err := Load(path, &sample{Port: 1}, true); err != nil {
		t.Errorf("optional missing file: %v", err)
	}
	if err := Load(path, &sample{}, true); err == nil {
		t.Error("defaults should still be validated")
	}
}
