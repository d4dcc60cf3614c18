package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadYAMLFile reads a flat KEY: value YAML document and exports every key that
// is not already present in the environment.
func loadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	for key, val := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if val == nil {
			continue
		}
		var s string
		switch v := val.(type) {
		case []any:
			for i, item := range v {
				if i > 0 {
					s += ","
				}
				s += fmt.Sprint(item)
			}
		default:
			s = fmt.Sprint(v)
		}
		if err := os.Setenv(key, s); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
