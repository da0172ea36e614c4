// patterns.go: Sanitizer Pattern Tables for Bastion
//
// Secret, destructive-command and prompt-injection signatures live here as
// versioned data tables so they can be audited and unit-tested exhaustively,
// separate from the sanitizer logic that applies them. Deployments extend
// (never shrink) the tables through Config.ExtraSecretPatterns and
// Config.ExtraDangerousPatterns.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import "regexp"

// RedactionMarker replaces every recognized secret in masked output.
const RedactionMarker = "[REDACTED]"

// secretPattern pairs a compiled credential signature with the replacement
// applied to each match. Replacements may reference capture groups to
// preserve non-secret context such as field names.
type secretPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// secretPatterns is the built-in credential catalog. Ordering matters:
// structured forms (JSON fields, connection strings) run before bare token
// shapes so field context survives masking.
var secretPatterns = []secretPattern{
	{
		name:        "json_credential_field",
		re:          regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|client[_-]?secret|auth)"\s*:\s*")[^"]+(")`),
		replacement: "${1}" + RedactionMarker + "${2}",
	},
	{
		name:        "assignment_credential",
		re:          regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?key|client[_-]?secret|auth[_-]?token)(\s*=\s*)[^\s"']+`),
		replacement: "${1}${2}" + RedactionMarker,
	},
	{
		name:        "connection_string_credential",
		re:          regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^/\s:@]+:)[^@\s]+(@)`),
		replacement: "${1}" + RedactionMarker + "${2}",
	},
	{
		name:        "authorization_header",
		re:          regexp.MustCompile(`(?i)\b(authorization\s*:\s*(?:bearer|basic|token)\s+)[A-Za-z0-9\-._~+/=]+`),
		replacement: "${1}" + RedactionMarker,
	},
	{
		name:        "aws_access_key_id",
		re:          regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "github_token",
		re:          regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "google_api_key",
		re:          regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "slack_token",
		re:          regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "openai_api_key",
		re:          regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "jwt",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}\b`),
		replacement: RedactionMarker,
	},
	{
		name:        "pem_private_key",
		re:          regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----(?s:.*?)(?:-----END (?:[A-Z]+ )?PRIVATE KEY-----|\z)`),
		replacement: RedactionMarker,
	},
}

// dangerousPattern pairs a destructive/injection signature with the name
// reported in the rejection error and security event.
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

// dangerousPatterns is the built-in destructive-command catalog, matched
// case-insensitively against untrusted text before it can reach a shell or
// SQL surface.
var dangerousPatterns = []dangerousPattern{
	{"recursive_force_remove", regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*(rf|fr)[a-z]*\b`)},
	{"drop_table", regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`)},
	{"truncate_table", regexp.MustCompile(`(?i)\btruncate\s+table\b`)},
	{"delete_without_bound", regexp.MustCompile(`(?i)\bdelete\s+from\s+\S+\s*(;|$)`)},
	{"sql_tautology", regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b`)},
	{"pipe_to_shell", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(ba|z|da)?sh\b`)},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)},
	{"reverse_shell_dev_tcp", regexp.MustCompile(`/dev/tcp/`)},
	{"reverse_shell_nc", regexp.MustCompile(`(?i)\bnc(at)?\s+(-[a-z]+\s+)*[\w.-]+\s+\d+\s+-e\b`)},
	{"interactive_shell_redirect", regexp.MustCompile(`(?i)\bbash\s+-i\s*>&`)},
	{"disk_overwrite", regexp.MustCompile(`(?i)\bdd\s+[^|;&]*of=/dev/(sd|hd|nvme|mmcblk)`)},
	{"mkfs", regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`)},
	{"chmod_world_root", regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/`)},
	{"write_block_device", regexp.MustCompile(`>\s*/dev/(sd|hd|nvme)[a-z0-9]*`)},
}

// injectionDirectives are prompt-injection markers stripped from LLM-bound
// input. Ordinary natural-language content must pass through unchanged.
var injectionDirectives = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[\s*system\s*\]`),
	regexp.MustCompile(`(?i)#{2,}\s*system\s*#{2,}`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+(instructions|prompts|directions)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+|any\s+)?(previous|prior|above)\s+(instructions|prompts|directions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+in\s+(developer|dan|jailbreak)\s+mode`),
	regexp.MustCompile(`<\|im_(start|end)\|>`),
}

// shellMetaRunes are escaped by SanitizeInput so untrusted text cannot
// terminate or extend a command when it is later embedded in a shell line.
const shellMetaRunes = "`$\\\"';|&<>(){}*?~#"
