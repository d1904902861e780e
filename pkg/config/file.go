package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a flat YAML document of configuration keys and makes its values take
// precedence over the process environment. Keys are matched case-insensitively against the
// environment variable names, so both `api_addr: ":4000"` and `API_ADDR: ":4000"` work.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	values := make(map[string]string, len(raw))
	for key, value := range raw {
		str, err := scalar(value)
		if err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
		values[strings.ToUpper(strings.TrimSpace(key))] = str
	}
	overlayMu.Lock()
	overlay = values
	overlayMu.Unlock()
	return nil
}

// ResetFile drops any values loaded by LoadFile.
func ResetFile() {
	overlayMu.Lock()
	overlay = nil
	overlayMu.Unlock()
}

func scalar(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := scalar(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}
