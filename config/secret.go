package config

import "strings"

// Secret is a string that never shows up in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Value returns the secret in clear text.
func (s Secret) Value() string {
	return string(s)
}
