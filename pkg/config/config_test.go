package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fileConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

func (c *fileConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive, got %d", c.Port)
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_NAME", "from-env")
	path := writeConfig(t, "name: ${CONFIG_TEST_NAME}\nport: 9090\n")

	cfg := &fileConfig{}
	if err := Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "from-env" || cfg.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := &fileConfig{Name: "default", Port: 8080}
	if err := Load(filepath.Join(t.TempDir(), "absent.yaml"), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "default" || cfg.Port != 8080 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissingFileStillValidates(t *testing.T) {
	cfg := &fileConfig{}
	if err := Load(filepath.Join(t.TempDir(), "absent.yaml"), cfg); err == nil {
		t.Error("invalid defaults should fail validation")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "name: x\nport: -1\n")
	err := Load(path, &fileConfig{})
	if err == nil || !strings.Contains(err.Error(), "validate") {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "name: [unclosed\n")
	if err := Load(path, &fileConfig{}); err == nil {
		t.Error("malformed YAML should fail")
	}
}
