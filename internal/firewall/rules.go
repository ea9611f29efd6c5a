// Package firewall drives the client half of the two-phase atomic rule
// apply: validate, apply, then confirm inside the bounded commit window
// or let the remote roll back.
package firewall

import (
	"strconv"
	"strings"

	"github.com/risefleet/rise/internal/protocol"
)

// Rule is one firewall rule. Rule sets are otherwise opaque payloads;
// only this schema is validated client-side before transmission.
type Rule struct {
	Action   string `json:"action"`         // allow | drop
	Protocol string `json:"protocol"`       // tcp | udp
	Port     int    `json:"port"`           // 1..65535
	CIDR     string `json:"cidr,omitempty"` // IPv4 only, X.X.X.X/P
}

// Validate checks a single rule against the payload schema.
func (r Rule) Validate() error {
	switch r.Action {
	case "allow", "drop":
	default:
		return protocol.New(protocol.CodeInvalidRule, "action %q: want allow or drop", r.Action)
	}
	switch r.Protocol {
	case "tcp", "udp":
	default:
		return protocol.New(protocol.CodeInvalidRule, "protocol %q: want tcp or udp", r.Protocol)
	}
	if r.Port < 1 || r.Port > 65535 {
		return protocol.New(protocol.CodeInvalidRule, "port %d out of range", r.Port)
	}
	if r.CIDR != "" {
		if err := validateCIDR(r.CIDR); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRules checks a full rule set.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return protocol.New(protocol.CodeInvalidRule, "empty rule set")
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return protocol.New(protocol.CodeInvalidRule, "rule %d: %v", i, err)
		}
	}
	return nil
}

// validateCIDR accepts exactly X.X.X.X/P with octets in [0,255] and
// prefix in [0,32]. IPv4 only; anything containing a colon is rejected.
// No shorthand forms, no zones.
func validateCIDR(s string) error {
	bad := func() error {
		return protocol.New(protocol.CodeInvalidRule, "invalid CIDR %q", s)
	}

	if strings.ContainsAny(s, ": \t") {
		return bad()
	}
	slash := strings.Split(s, "/")
	if len(slash) != 2 {
		return bad()
	}
	prefix, err := parseDecimal(slash[1])
	if err != nil || prefix < 0 || prefix > 32 {
		return bad()
	}
	octets := strings.Split(slash[0], ".")
	if len(octets) != 4 {
		return bad()
	}
	for _, o := range octets {
		v, err := parseDecimal(o)
		if err != nil || v < 0 || v > 255 {
			return bad()
		}
	}
	return nil
}

// parseDecimal parses a non-empty all-digit string. Unlike Atoi it
// rejects signs and whitespace outright.
func parseDecimal(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}
