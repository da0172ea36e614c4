// gates.go: Quality-Gate Threshold Enforcement for Bastion
//
// Externally reported scores (coverage, security, confidence, critical
// vulnerability counts) arrive as untrusted strings from build tooling and
// LLM workers. They are validated as pure unsigned decimals in a closed
// range before any comparison, and the thresholds they are compared
// against can only ever be stricter than the package floors: a runtime
// threshold more permissive than its bound is silently clamped and the
// clamp is logged as a security event.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
)

// scorePattern accepts unsigned integers and decimals only. Signs,
// exponents, whitespace and anything shell-shaped fail.
var scorePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// scoreMetaChars are checked explicitly before the pattern so a
// command-substitution payload disguised as a score is reported as the
// safeguard that caught it, not as a generic format mismatch.
var scoreMetaChars = []string{";", "|", "$(", "`", "&", ">", "<"}

// GateValidator enforces floor/ceiling bounds on quality-gate scores.
// Thresholds are fixed at construction and never reassignable.
type GateValidator struct {
	minCoverage      float64
	minSecurityScore float64
	maxCriticalVulns int
	testRunner       string

	resolver *Resolver
	audit    *AuditLogger
}

// GateReport carries the raw score strings for one evaluation cycle.
type GateReport struct {
	Coverage      string `json:"coverage"`
	SecurityScore string `json:"security_score"`
	Confidence    string `json:"confidence"`
	CriticalVulns string `json:"critical_vulns"`
}

// GateDecision is the recorded verdict of one evaluation cycle. Scores
// are validated, compared, then discarded; only the ledger keeps the
// decision.
type GateDecision struct {
	Passed   bool     `json:"passed"`
	Reasons  []string `json:"reasons,omitempty"`
	Coverage float64  `json:"coverage"`
	Security float64  `json:"security_score"`
	Conf     float64  `json:"confidence"`
	Vulns    int      `json:"critical_vulns"`
}

// NewGateValidator builds a validator from the raw configured thresholds,
// clamping any value more permissive than the package bounds. Every clamp
// is logged through audit as a configuration violation; configuration may
// only make gates stricter, never weaker.
func NewGateValidator(config *Config, resolver *Resolver, audit *AuditLogger) *GateValidator {
	gv := &GateValidator{
		minCoverage:      config.Gates.MinCoverage,
		minSecurityScore: config.Gates.MinSecurityScore,
		maxCriticalVulns: config.Gates.MaxCriticalVulns,
		testRunner:       config.Gates.TestRunner,
		resolver:         resolver,
		audit:            audit,
	}

	// A zero threshold is unset and takes the floor silently; only an
	// explicit value below the floor is a violation worth logging.
	if gv.minCoverage < MinCoverageFloor {
		if gv.minCoverage > 0 {
			gv.logClamp("min_coverage", gv.minCoverage, MinCoverageFloor)
		}
		gv.minCoverage = MinCoverageFloor
	}
	if gv.minSecurityScore < MinSecurityScoreFloor {
		if gv.minSecurityScore > 0 {
			gv.logClamp("min_security_score", gv.minSecurityScore, MinSecurityScoreFloor)
		}
		gv.minSecurityScore = MinSecurityScoreFloor
	}
	if float64(gv.maxCriticalVulns) > MaxCriticalVulnsCeiling {
		gv.logClamp("max_critical_vulns", float64(gv.maxCriticalVulns), MaxCriticalVulnsCeiling)
		gv.maxCriticalVulns = MaxCriticalVulnsCeiling
	}
	return gv
}

func (gv *GateValidator) logClamp(threshold string, requested, enforced float64) {
	gv.audit.LogSecurityEvent("threshold_clamped", "Configured gate threshold weaker than immutable bound",
		map[string]interface{}{
			"safeguard": "floor_enforcement",
			"threshold": threshold,
			"requested": requested,
			"enforced":  enforced,
		})
}

// MinCoverage returns the enforced coverage threshold.
func (gv *GateValidator) MinCoverage() float64 { return gv.minCoverage }

// MinSecurityScore returns the enforced security-score threshold.
func (gv *GateValidator) MinSecurityScore() float64 { return gv.minSecurityScore }

// MaxCriticalVulns returns the enforced critical-vulnerability ceiling.
func (gv *GateValidator) MaxCriticalVulns() int { return gv.maxCriticalVulns }

// ValidateCoverageReport accepts a numeric string in [0, 100].
func (gv *GateValidator) ValidateCoverageReport(raw string) (float64, error) {
	return validateScoreString(raw, "coverage", 0, 100)
}

// ValidateSecurityScore accepts a numeric string in [0, 100].
func (gv *GateValidator) ValidateSecurityScore(raw string) (float64, error) {
	return validateScoreString(raw, "security_score", 0, 100)
}

// ValidateConfidenceScore accepts a numeric string in [0, 1] or [0, 100];
// fractional values are scaled to the percentage range.
func (gv *GateValidator) ValidateConfidenceScore(raw string) (float64, error) {
	value, err := validateScoreString(raw, "confidence", 0, 100)
	if err != nil {
		return 0, err
	}
	if value <= 1 {
		value *= 100
	}
	return value, nil
}

// ValidateCriticalVulns accepts a non-negative integer string.
func (gv *GateValidator) ValidateCriticalVulns(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if err := checkScoreShape(trimmed, "critical_vulns"); err != nil {
		return 0, err
	}
	if strings.Contains(trimmed, ".") {
		return 0, errors.New(ErrCodeInvalidScore, "critical vulnerability count must be an integer").
			WithContext("metric", "critical_vulns")
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.Wrap(err, ErrCodeInvalidScore, "critical vulnerability count is not numeric")
	}
	return value, nil
}

// Evaluate validates every score in report and compares it against the
// enforced thresholds. Malformed input returns a validation error; a
// well-formed report that misses a threshold returns a FAIL decision. In
// strict mode a missing or unresolvable test runner fails the gate, never
// passes or skips it. The decision is recorded through audit.
func (gv *GateValidator) Evaluate(report GateReport) (*GateDecision, error) {
	coverage, err := gv.ValidateCoverageReport(report.Coverage)
	if err != nil {
		return nil, err
	}
	security, err := gv.ValidateSecurityScore(report.SecurityScore)
	if err != nil {
		return nil, err
	}
	// Confidence is optional; not every caller reports one.
	var confidence float64
	if report.Confidence != "" {
		confidence, err = gv.ValidateConfidenceScore(report.Confidence)
		if err != nil {
			return nil, err
		}
	}
	vulns, err := gv.ValidateCriticalVulns(report.CriticalVulns)
	if err != nil {
		return nil, err
	}

	decision := &GateDecision{
		Passed:   true,
		Coverage: coverage,
		Security: security,
		Conf:     confidence,
		Vulns:    vulns,
	}

	if gv.testRunner != "" {
		if gv.resolver == nil {
			decision.Passed = false
			decision.Reasons = append(decision.Reasons, "no resolver to verify test runner: "+gv.testRunner)
		} else if _, err := gv.resolver.SecureWhich(gv.testRunner); err != nil {
			decision.Passed = false
			decision.Reasons = append(decision.Reasons, "test runner unavailable: "+gv.testRunner)
		}
	}
	if coverage < gv.minCoverage {
		decision.Passed = false
		decision.Reasons = append(decision.Reasons, "coverage below threshold")
	}
	if security < gv.minSecurityScore {
		decision.Passed = false
		decision.Reasons = append(decision.Reasons, "security score below threshold")
	}
	if vulns > gv.maxCriticalVulns {
		decision.Passed = false
		decision.Reasons = append(decision.Reasons, "critical vulnerabilities above ceiling")
	}

	gv.audit.LogGateDecision("quality", decision.Passed, map[string]interface{}{
		"coverage":       coverage,
		"security_score": security,
		"confidence":     confidence,
		"critical_vulns": vulns,
		"reasons":        decision.Reasons,
	})
	return decision, nil
}

// validateScoreString is the shared numeric-string validator: shape check
// first, then pattern, then closed-range comparison.
func validateScoreString(raw, metric string, min, max float64) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if err := checkScoreShape(trimmed, metric); err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, errors.Wrap(err, ErrCodeInvalidScore, "score is not numeric").
			WithContext("metric", metric)
	}
	if value < min || value > max {
		return 0, errors.New(ErrCodeInvalidScore, "score outside closed range").
			WithContext("metric", metric).
			WithContext("value", value)
	}
	return value, nil
}

// checkScoreShape rejects empty input, shell metacharacters and anything
// that is not an unsigned decimal.
func checkScoreShape(trimmed, metric string) error {
	if trimmed == "" {
		return errors.New(ErrCodeInvalidScore, "empty score").
			WithContext("metric", metric)
	}
	for _, meta := range scoreMetaChars {
		if strings.Contains(trimmed, meta) {
			return errors.New(ErrCodeInvalidScore, "score contains shell metacharacter").
				WithContext("metric", metric).
				WithContext("metacharacter", meta)
		}
	}
	if !scorePattern.MatchString(trimmed) {
		return errors.New(ErrCodeInvalidScore, "score is not an unsigned decimal").
			WithContext("metric", metric)
	}
	return nil
}
