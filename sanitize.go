// sanitize.go: Input Sanitization for Bastion
//
// Pure text -> text and text -> verdict functions over the pattern tables
// in patterns.go: secret masking, destructive-pattern detection, shell
// metacharacter escaping, prompt-injection stripping, SQL literal escaping
// and JSON size/depth bounding. Everything here treats its input as
// attacker-influenceable and fails closed.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/agilira/go-errors"
)

// Sanitizer applies the built-in pattern tables plus any
// deployment-specific extensions from Config.
type Sanitizer struct {
	secrets      []secretPattern
	dangerous    []dangerousPattern
	maxJSONSize  int
	maxJSONDepth int
}

// NewSanitizer builds a Sanitizer from config, compiling any extra
// patterns. A pattern that does not compile is a configuration error, not
// a silently ignored entry.
func NewSanitizer(config *Config) (*Sanitizer, error) {
	s := &Sanitizer{
		secrets:      secretPatterns,
		dangerous:    dangerousPatterns,
		maxJSONSize:  config.MaxJSONSize,
		maxJSONDepth: config.MaxJSONDepth,
	}

	for _, raw := range config.ExtraSecretPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid extra secret pattern").
				WithContext("pattern", raw)
		}
		s.secrets = append(s.secrets, secretPattern{name: "extra", re: re, replacement: RedactionMarker})
	}
	for _, raw := range config.ExtraDangerousPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid extra dangerous pattern").
				WithContext("pattern", raw)
		}
		s.dangerous = append(s.dangerous, dangerousPattern{name: "extra", re: re})
	}
	return s, nil
}

// defaultSanitizer backs the package-level convenience functions with the
// built-in tables and default bounds.
var defaultSanitizer = &Sanitizer{
	secrets:      secretPatterns,
	dangerous:    dangerousPatterns,
	maxJSONSize:  DefaultMaxJSONSize,
	maxJSONDepth: DefaultMaxJSONDepth,
}

// MaskSecrets replaces every recognized credential in text with the
// redaction marker. Text with no recognized secret is returned
// byte-identical.
func (s *Sanitizer) MaskSecrets(text string) string {
	masked := text
	for _, p := range s.secrets {
		masked = p.re.ReplaceAllString(masked, p.replacement)
	}
	return masked
}

// CheckDangerousPatterns rejects text matching any destructive or
// injection signature. The returned error names the signature that fired;
// nil means accept.
func (s *Sanitizer) CheckDangerousPatterns(text string) error {
	for _, p := range s.dangerous {
		if p.re.MatchString(text) {
			return errors.New(ErrCodeDangerousPattern, "input matches dangerous pattern").
				WithContext("pattern", p.name)
		}
	}
	return nil
}

// MaskSecrets applies the built-in credential catalog. See
// Sanitizer.MaskSecrets.
func MaskSecrets(text string) string {
	return defaultSanitizer.MaskSecrets(text)
}

// CheckDangerousPatterns applies the built-in destructive-command catalog.
// See Sanitizer.CheckDangerousPatterns.
func CheckDangerousPatterns(text string) error {
	return defaultSanitizer.CheckDangerousPatterns(text)
}

// SanitizeInput escapes shell metacharacters and strips control characters
// so untrusted text cannot terminate or extend a command line it is later
// embedded in. Ordinary alphanumeric content passes through unchanged.
func SanitizeInput(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 32 || r == 127:
			// Control characters are dropped, not escaped.
		case strings.ContainsRune(shellMetaRunes, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeLLMInput strips known prompt-injection directives from text bound
// for an LLM context window, leaving ordinary natural-language content
// unchanged. It does not shell-escape; combine with SanitizeInput when the
// result also reaches a command line.
func SanitizeLLMInput(text string) string {
	cleaned := text
	for _, re := range injectionDirectives {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	return cleaned
}

// SQLEscape doubles every single quote in value and changes nothing else.
// This is the only sanctioned way to interpolate a value into a hand-built
// SQL literal; prefer parameterized queries wherever the driver allows.
func SQLEscape(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// ValidateJSONSize rejects data larger than the sanitizer's byte bound
// before any parser touches it.
func (s *Sanitizer) ValidateJSONSize(data []byte) error {
	if len(data) > s.maxJSONSize {
		return errors.New(ErrCodeJSONTooLarge, "JSON input exceeds size bound").
			WithContext("size", len(data)).
			WithContext("max_size", s.maxJSONSize)
	}
	return nil
}

// ValidateJSONDepth rejects data whose structural nesting exceeds the
// sanitizer's depth bound. Only brackets and braces outside string
// literals count; bracket characters inside strings are data, not
// structure.
func (s *Sanitizer) ValidateJSONDepth(data []byte) error {
	depth, maxDepth := 0, 0
	inString, escaped := false, false

	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			if maxDepth > s.maxJSONDepth {
				return errors.New(ErrCodeJSONTooDeep, "JSON input exceeds depth bound").
					WithContext("max_depth", s.maxJSONDepth)
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}

// SafeParseJSON bounds data by size and depth, then parses it. The bounds
// run before the parser so a hostile document can never exhaust it.
func (s *Sanitizer) SafeParseJSON(data []byte) (interface{}, error) {
	if err := s.ValidateJSONSize(data); err != nil {
		return nil, err
	}
	if err := s.ValidateJSONDepth(data); err != nil {
		return nil, err
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrap(err, ErrCodeMalformedJSON, "JSON parse error")
	}
	return parsed, nil
}

// ValidateJSONSize applies the default 100 KB bound. See
// Sanitizer.ValidateJSONSize.
func ValidateJSONSize(data []byte) error {
	return defaultSanitizer.ValidateJSONSize(data)
}

// ValidateJSONDepth applies the default depth bound of 20. See
// Sanitizer.ValidateJSONDepth.
func ValidateJSONDepth(data []byte) error {
	return defaultSanitizer.ValidateJSONDepth(data)
}

// SafeParseJSON applies the default bounds. See Sanitizer.SafeParseJSON.
func SafeParseJSON(data []byte) (interface{}, error) {
	return defaultSanitizer.SafeParseJSON(data)
}
