// Package util holds environment switches shared by the library and the CLI.
package util

import (
	"os"
	"strconv"
)

// DebugEnabled forces debug logging in the CLI.
func DebugEnabled() bool {
	return EnvBool("ATCUD_DEBUG")
}

// HttpTraceEnabled turns on Trace logging of authority envelopes with the
// security header redacted.
func HttpTraceEnabled() bool {
	return EnvBool("ATCUD_HTTP_TRACE")
}

// EnvBool reports whether name is set to a value strconv.ParseBool accepts
// as true. Unset and malformed values are false.
func EnvBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// FirstNonEmpty returns the first non-empty value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
