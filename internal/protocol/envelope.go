package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ClientAPIVersion is the envelope version this client speaks.
const ClientAPIVersion = "1.4"

// Envelope is the single JSON object every remote program writes to stdout.
// Command-specific success fields are kept in Fields.
type Envelope struct {
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	ExitCode   int    `json:"exit_code"`

	Fields map[string]interface{} `json:"-"`
}

// ParseEnvelope decodes a program's stdout into an envelope and enforces
// the response contract: exactly one JSON object, a status field, and an
// api_version (its absence is a protocol error, not a tolerated legacy).
func ParseEnvelope(stdout []byte) (*Envelope, error) {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil, New(CodeProtocol, "empty response from remote program")
	}

	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, New(CodeProtocol, "malformed response: %v", err)
	}
	if err := json.Unmarshal([]byte(trimmed), &env.Fields); err != nil {
		return nil, New(CodeProtocol, "malformed response: %v", err)
	}

	switch env.Status {
	case "success", "error":
	default:
		return nil, New(CodeProtocol, "missing or invalid status %q", env.Status)
	}
	if env.APIVersion == "" {
		return nil, New(CodeProtocol, "response carries no api_version")
	}
	if env.Status == "error" && env.Code == "" {
		return nil, New(CodeProtocol, "error response carries no code")
	}
	return &env, nil
}

// Err returns the typed error for an error envelope, nil for success.
func (e *Envelope) Err() *Error {
	if e.Status != "error" {
		return nil
	}
	return FromRemote(e.Code, e.Message, e.ExitCode)
}

// String returns a string success field, or "" if absent.
func (e *Envelope) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Bool returns a boolean success field, false if absent.
func (e *Envelope) Bool(key string) bool {
	b, _ := e.Fields[key].(bool)
	return b
}

// Int returns a numeric success field truncated to int, 0 if absent.
func (e *Envelope) Int(key string) int {
	f, _ := e.Fields[key].(float64)
	return int(f)
}

// CheckCompat applies the API compatibility rule to a server version.
// A major mismatch is a hard block (ApiIncompatible). A minor skew greater
// than two succeeds but returns an ApiDrift warning to deliver alongside
// the result.
func CheckCompat(server string) (warn *Error, err error) {
	cMaj, cMin, perr := parseVersion(ClientAPIVersion)
	if perr != nil {
		return nil, perr
	}
	sMaj, sMin, perr := parseVersion(server)
	if perr != nil {
		return nil, New(CodeProtocol, "unparseable api_version %q", server)
	}

	if sMaj != cMaj {
		return nil, New(CodeApiIncompatible,
			"server api %s incompatible with client %s", server, ClientAPIVersion)
	}
	drift := sMin - cMin
	if drift < 0 {
		drift = -drift
	}
	if drift > 2 {
		warn = New(CodeApiDrift,
			"server api %s drifted from client %s", server, ClientAPIVersion)
	}
	return warn, nil
}

func parseVersion(v string) (major, minor int, err error) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("version %q: want major.minor", v)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("version %q: %w", v, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("version %q: %w", v, err)
	}
	return major, minor, nil
}
