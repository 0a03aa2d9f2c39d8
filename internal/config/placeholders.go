package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// resolvePlaceholders expands {$VAR}, {$VAR:default}, {env.VAR} and
// {file./path}. Unset variables without a default become empty strings and
// produce a warning.
func resolvePlaceholders(in string) (string, []string, []string) {
	var (
		errs  []string
		warns []string
		out   strings.Builder
	)
	out.Grow(len(in))

	lookupEnv := func(name string) string {
		val, ok := os.LookupEnv(name)
		if !ok && name != "" {
			warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
		}
		return val
	}

	for i := 0; i < len(in); {
		var prefix string
		for _, p := range []string{"{$", "{env.", "{file."} {
			if strings.HasPrefix(in[i:], p) {
				prefix = p
				break
			}
		}
		if prefix == "" {
			out.WriteByte(in[i])
			i++
			continue
		}

		end := strings.IndexByte(in[i+len(prefix):], '}')
		if end == -1 {
			errs = append(errs, fmt.Sprintf("unterminated %s...} placeholder", prefix))
			out.WriteString(in[i:])
			break
		}
		body := in[i+len(prefix) : i+len(prefix)+end]
		i += len(prefix) + end + 1

		switch prefix {
		case "{$":
			name, def, hasDef := strings.Cut(body, ":")
			if name == "" {
				errs = append(errs, "empty env var in {$...} placeholder")
				continue
			}
			if val, ok := os.LookupEnv(name); ok {
				out.WriteString(val)
			} else if hasDef {
				out.WriteString(def)
			} else {
				out.WriteString(lookupEnv(name))
			}
		case "{env.":
			if body == "" {
				errs = append(errs, "empty env var in {env.*} placeholder")
				continue
			}
			out.WriteString(lookupEnv(body))
		case "{file.":
			if body == "" {
				errs = append(errs, "empty path in {file.*} placeholder")
				continue
			}
			b, err := os.ReadFile(body)
			if err != nil {
				errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
				continue
			}
			out.WriteString(strings.TrimRight(string(b), "\r\n"))
		}
	}

	return out.String(), errs, warns
}

// resolveNode expands placeholders in every scalar value below n. A scalar
// that changed is re-typed from its new text so quoted placeholders can feed
// numeric, boolean and duration fields.
func resolveNode(n *yaml.Node, field string, res *ValidationResult) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, c := range n.Content {
			child := field
			if n.Kind == yaml.SequenceNode {
				child = fmt.Sprintf("%s[%d]", field, i)
			}
			resolveNode(c, child, res)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if field != "" {
				key = field + "." + key
			}
			resolveNode(n.Content[i+1], key, res)
		}
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "{") {
			return
		}
		val := resolveValue(n.Value, fmt.Sprintf("%s (line %d)", field, n.Line), res)
		if val != n.Value {
			n.Value = val
			n.Tag = ""
			n.Style = 0
		}
	}
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.errorf("%s: %s", field, err)
	}
	for _, warn := range warns {
		res.warnf("%s: %s", field, warn)
	}
	return val
}
