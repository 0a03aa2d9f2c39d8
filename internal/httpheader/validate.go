// Package httpheader checks operator supplied header maps, such as the
// tracing exporter headers, before they reach an HTTP client.
package httpheader

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Validate reports the first invalid entry of headers in key order so the
// error is stable across runs.
func Validate(headers map[string]string) error {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		name := strings.TrimSpace(raw)
		switch {
		case name == "":
			return fmt.Errorf("header name must not be empty")
		case name != raw:
			return fmt.Errorf("header %q has leading or trailing whitespace", raw)
		case !httpguts.ValidHeaderFieldName(name):
			return fmt.Errorf("header %q has invalid field name", name)
		case !httpguts.ValidHeaderFieldValue(headers[raw]):
			return fmt.Errorf("header %q has invalid field value", name)
		}
	}
	return nil
}
