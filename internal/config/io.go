package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// normalizeInput prepares raw file bytes for parsing:
// - strips UTF-8 BOM
// - normalizes CRLF/CR to LF
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, []byte{0xEF, 0xBB, 0xBF})

	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// Load reads and parses path. A missing file is an error; an empty path
// yields the defaults. The returned error covers I/O only, everything else
// lands in the ValidationResult.
func Load(path string) (*Config, ValidationResult, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, fmt.Errorf("read config: %w", err)
	}
	cfg, res := Parse(data)
	return cfg, res, nil
}

// Parse decodes data over Default(), resolving placeholders first. Unknown
// keys are errors. cfg is nil when the document could not be decoded.
func Parse(data []byte) (*Config, ValidationResult) {
	var res ValidationResult
	cfg := Default()

	var doc yaml.Node
	if err := yaml.Unmarshal(normalizeInput(data), &doc); err != nil {
		res.errorf("parse config: %v", err)
		return nil, res
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		// Empty document or comments only.
		res.merge(cfg.Validate())
		return cfg, res
	}
	resolveNode(&doc, "", &res)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(&doc); err != nil {
		res.errorf("parse config: %v", err)
		return nil, res
	}
	_ = enc.Close()

	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		res.errorf("decode config: %v", err)
		return nil, res
	}

	res.merge(cfg.Validate())
	return cfg, res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
