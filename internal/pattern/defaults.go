package pattern

import "github.com/leadbase/issuewatch/pkg/models"

// DefaultSpecs is the built-in pattern table. Order matters: fatal
// conditions first, then specific warnings ahead of the broad error
// catch-alls so a deprecation notice containing "error" stays a WARNING.
// The table is append-only in practice; removing a pattern does not
// retract issues it already produced.
func DefaultSpecs() []Spec {
	return []Spec{
		// Guards. No severity: these never classify on their own.
		{
			Name:  "summary-zero-failed",
			Regex: `(?i)\b\d+ successful, 0 failed\b`,
		},
		{
			Name:  "retry-recovered",
			Regex: `(?i)\bfailed\b.*\b(retrying|retry succeeded|recovered)\b`,
		},

		// Process-fatal conditions.
		{
			Name:     "fatal-marker",
			Regex:    `\bFATAL\b`,
			Severity: models.SeverityCritical,
		},
		{
			Name:     "out-of-memory",
			Regex:    `(?i)out of memory|heap limit|oom[- ]?kill`,
			Severity: models.SeverityCritical,
		},
		{
			Name:     "connection-refused",
			Regex:    `(?i)ECONNREFUSED|connection refused`,
			Severity: models.SeverityCritical,
		},

		// Non-actionable chatter, matched before the broad error patterns.
		{
			Name:     "deprecation",
			Regex:    `(?i)\bdeprecat(?:ed|ion)\b`,
			Severity: models.SeverityWarning,
			Noise:    true,
		},
		{
			Name:     "rate-limited",
			Regex:    `(?i)rate.?limit(?:ed)?|too many requests|status(?: code)?[ =:]+429`,
			Severity: models.SeverityWarning,
		},
		{
			Name:     "slow-operation",
			Regex:    `(?i)\bslow (?:query|operation|request)\b`,
			Severity: models.SeverityWarning,
		},

		// Recoverable failures.
		{
			Name:     "unhandled-rejection",
			Regex:    `(?i)unhandled (?:promise )?rejection`,
			Severity: models.SeverityError,
		},
		{
			Name:     "http-5xx",
			Regex:    `(?i)status(?: code)?[ =:]+5\d{2}\b`,
			Severity: models.SeverityError,
		},
		{
			Name:     "http-4xx",
			Regex:    `(?i)status(?: code)?[ =:]+4\d{2}\b`,
			Severity: models.SeverityError,
		},
		{
			Name:     "exception",
			Regex:    `(?i)\bexception\b|\btraceback\b`,
			Severity: models.SeverityError,
		},
		{
			Name:     "validation-error",
			Regex:    `(?i)\bvalidation (?:error|failed)\b|\binvalid (?:field|value|payload)\b`,
			Severity: models.SeverityError,
		},
		{
			Name:     "generic-error",
			Regex:    `(?i)\berror\b`,
			Severity: models.SeverityError,
		},
		{
			Name:       "generic-failed",
			Regex:      `(?i)\bfailed\b`,
			Severity:   models.SeverityError,
			Suppresses: []string{"summary-zero-failed", "retry-recovered"},
		},
	}
}

// Default compiles the built-in table. It only fails if the table itself
// is broken, which is a programming error.
func Default() (*Registry, error) {
	return NewRegistry(DefaultSpecs())
}
