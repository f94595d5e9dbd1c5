// Package script implements the parameterized shell-script templates used
// by the nested-host drivers (macOS-via-nested-Linux, Windows-via-WSL) to
// perform privileged operations on the remote helper: typed Template values
// plus a Substituter that rejects any value containing characters outside a
// whitelist, rather than the raw string interpolation a naive port would do.
package script

import (
	"fmt"
	"regexp"
	"strings"
)

// Template is one named shell script with `{{key}}` placeholders.
type Template struct {
	Name         string
	RequiredKeys []string
	Body         string
}

// whitelistRE matches the characters §4.4 permits inside a substituted
// value: alphanumerics, dot, underscore, slash, dash. Values that need a
// wider alphabet (see base64SlotRE below) are declared in Base64Keys.
var whitelistRE = regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)

// base64SlotRE matches the standard base64 alphabet. Slots carrying a
// document whose native characters the plain whitelist can't safely admit
// (the marshaled VMConfig's kernel command line routinely contains '=', e.g.
// "console=ttyS0 reboot=k panic=1") are never substituted as raw text: the
// caller base64-encodes the value first, so what actually reaches Render is
// always drawn from this alphabet, and the template decodes it on the
// helper side before use.
var base64SlotRE = regexp.MustCompile(`^[A-Za-z0-9+/=]*$`)

// UnsafeSubstitution is returned when a value would require characters
// outside the substitution whitelist.
type UnsafeSubstitution struct {
	Key   string
	Value string
}

func (e *UnsafeSubstitution) Error() string {
	return fmt.Sprintf("unsafe value for template key %q", e.Key)
}

// MissingKey is returned when a Template's RequiredKeys are not fully
// supplied to Substitute.
type MissingKey struct {
	Key string
}

func (e *MissingKey) Error() string {
	return fmt.Sprintf("missing required template key %q", e.Key)
}

// UnknownKey is returned when values supplies a key the Template does not
// declare in RequiredKeys.
type UnknownKey struct {
	Key string
}

func (e *UnknownKey) Error() string {
	return fmt.Sprintf("unknown template key %q", e.Key)
}

// Substituter renders Templates against a set of values, enforcing the
// whitelist before any substitution happens.
type Substituter struct {
	// Base64Keys names which RequiredKeys carry a base64-encoded document
	// rather than a plain path/name value.
	Base64Keys map[string]bool
}

// NewSubstituter returns a Substituter configured for this repository's
// templates: config_json is the only base64-document slot.
func NewSubstituter() *Substituter {
	return &Substituter{Base64Keys: map[string]bool{"config_json": true}}
}

// Render validates values against tmpl.RequiredKeys and the character
// whitelist, then substitutes `{{key}}` placeholders in tmpl.Body.
func (s *Substituter) Render(tmpl Template, values map[string]string) (string, error) {
	for _, k := range tmpl.RequiredKeys {
		v, ok := values[k]
		if !ok {
			return "", &MissingKey{Key: k}
		}
		if err := s.validate(k, v); err != nil {
			return "", err
		}
	}
	for k := range values {
		if !containsKey(tmpl.RequiredKeys, k) {
			return "", &UnknownKey{Key: k}
		}
	}

	out := tmpl.Body
	for _, k := range tmpl.RequiredKeys {
		out = strings.ReplaceAll(out, "{{"+k+"}}", values[k])
	}
	return out, nil
}

func (s *Substituter) validate(key, value string) error {
	re := whitelistRE
	if s.Base64Keys[key] {
		re = base64SlotRE
	}
	if !re.MatchString(value) {
		return &UnsafeSubstitution{Key: key, Value: value}
	}
	return nil
}

func containsKey(keys []string, k string) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}
