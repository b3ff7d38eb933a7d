// Package config loads YAML configuration into typed config structs.
// Values may reference environment variables with ${VAR} syntax; a target
// implementing Validator is checked after decode, so a bad file fails at
// start-up rather than at first use.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validator is implemented by config types that can check themselves.
type Validator interface {
	Validate() error
}

// Load decodes the YAML file at path into target, expanding environment
// variable references first. A missing file is not an error: the target
// keeps whatever defaults it was constructed with.
func Load[T any](path string, target *T) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return validate(target)
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), target); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return validate(target)
}

func validate[T any](target *T) error {
	v, ok := any(target).(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
