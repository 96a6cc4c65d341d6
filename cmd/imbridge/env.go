package main

import (
	"fmt"
	"os"
	"strings"
)

// loadEnvFile loads KEY=VALUE pairs from a dotenv-style file. Existing
// process environment always wins. Supports export prefixes, quoted values
// and trailing comments; a line without '=' is an error.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for lineNo, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		eq := strings.Index(line, "=")
		if eq < 0 {
			return fmt.Errorf("line %d: missing '=' in %q", lineNo+1, raw)
		}

		key := strings.TrimSpace(line[:eq])
		value, err := parseEnvValue(strings.TrimSpace(line[eq+1:]))
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		if key == "" {
			return fmt.Errorf("line %d: empty key in %q", lineNo+1, raw)
		}

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}
	return nil
}

func parseEnvValue(v string) (string, error) {
	if v == "" {
		return "", nil
	}

	switch v[0] {
	case '"':
		end := strings.Index(v[1:], `"`)
		if end < 0 {
			return "", fmt.Errorf("unterminated double quote")
		}
		inner := v[1 : 1+end]
		// double quotes interpret the common escapes
		inner = strings.ReplaceAll(inner, `\n`, "\n")
		inner = strings.ReplaceAll(inner, `\t`, "\t")
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		return inner, nil
	case '\'':
		end := strings.Index(v[1:], "'")
		if end < 0 {
			return "", fmt.Errorf("unterminated single quote")
		}
		return v[1 : 1+end], nil
	default:
		// unquoted values stop at an inline comment
		if idx := strings.Index(v, " #"); idx >= 0 {
			v = v[:idx]
		}
		return strings.TrimSpace(v), nil
	}
}
