package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadEnvFile applies KEY=VALUE lines from path to the process environment.
// Variables that are already set to a non-empty value win. It returns the
// number of variables it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	applied := 0
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return applied, fmt.Errorf("env file line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return applied, fmt.Errorf("env file line %d: empty key", lineNo)
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			if val[0] == '"' && val[len(val)-1] == '"' {
				u, err := strconv.Unquote(val)
				if err != nil {
					return applied, fmt.Errorf("env file line %d: %w", lineNo, err)
				}
				val = u
			} else if val[0] == '\'' && val[len(val)-1] == '\'' {
				val = val[1 : len(val)-1]
			} else {
				val = stripInlineComment(val)
			}
		}

		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf("env file line %d: %w", lineNo, err)
		}
		applied++
	}
	return applied, sc.Err()
}

// stripInlineComment drops a " #" comment from an unquoted value.
func stripInlineComment(val string) string {
	if i := strings.Index(val, " #"); i >= 0 {
		return strings.TrimSpace(val[:i])
	}
	return val
}
