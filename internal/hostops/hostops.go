// Package hostops drives the day-to-day operations on a managed host:
// docker container control, the health snapshot, and package updates.
package hostops

import (
	"context"
	"regexp"

	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
)

// containerID constrains the one value that travels in the argument
// vector rather than on stdin.
var containerID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Runner is the slice of a session channel these operations need.
type Runner interface {
	HostID() string
	Invoke(ctx context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error)
}

// Container is one entry of the docker listing.
type Container struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
}

// HealthCheck is one named pass/fail of the health snapshot.
type HealthCheck struct {
	Name   string
	Passed bool
}

// ValidateContainerID rejects anything outside the safe id alphabet
// before it can reach a remote argument vector.
func ValidateContainerID(id string) error {
	if !containerID.MatchString(id) {
		return protocol.New(protocol.CodeInvalidInput, "invalid container id %q", id)
	}
	return nil
}

// ListContainers returns the host's containers.
func ListContainers(ctx context.Context, ch Runner) ([]Container, error) {
	env, err := ch.Invoke(ctx, session.ProgramDocker, []string{"--list"}, session.Quick, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}

	raw, _ := env.Fields["containers"].([]interface{})
	containers := make([]Container, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		c := Container{}
		c.ID, _ = m["id"].(string)
		c.Name, _ = m["name"].(string)
		c.Image, _ = m["image"].(string)
		c.Status, _ = m["status"].(string)
		containers = append(containers, c)
	}
	return containers, nil
}

// StartContainer starts a container by id.
func StartContainer(ctx context.Context, ch Runner, id string) error {
	return containerOp(ctx, ch, "--start", id)
}

// StopContainer stops a container by id.
func StopContainer(ctx context.Context, ch Runner, id string) error {
	return containerOp(ctx, ch, "--stop", id)
}

// RestartContainer restarts a container by id.
func RestartContainer(ctx context.Context, ch Runner, id string) error {
	return containerOp(ctx, ch, "--restart", id)
}

func containerOp(ctx context.Context, ch Runner, op, id string) error {
	if err := ValidateContainerID(id); err != nil {
		return err
	}
	env, err := ch.Invoke(ctx, session.ProgramDocker, []string{op, id}, session.Medium, nil)
	if err != nil {
		return err
	}
	if rerr := env.Err(); rerr != nil {
		return rerr
	}
	return nil
}

// Health returns the host's health snapshot as named checks. Order is
// not stable; callers sort for display.
func Health(ctx context.Context, ch Runner) ([]HealthCheck, error) {
	env, err := ch.Invoke(ctx, session.ProgramHealth, nil, session.Quick, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}

	var checks []HealthCheck
	for name, v := range env.Fields {
		switch name {
		case "status", "api_version", "code", "message", "exit_code":
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		checks = append(checks, HealthCheck{Name: name, Passed: s == "pass"})
	}
	return checks, nil
}

// UpdateReport is the result of an update check.
type UpdateReport struct {
	Pending  int
	Security int
}

// CheckUpdates asks the host for pending package updates.
func CheckUpdates(ctx context.Context, ch Runner) (*UpdateReport, error) {
	env, err := ch.Invoke(ctx, session.ProgramUpdate, []string{"--check"}, session.UpdateCheck, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}
	return &UpdateReport{
		Pending:  env.Int("pending"),
		Security: env.Int("security"),
	}, nil
}

// Upgrade applies pending package updates. This is the longest-running
// operation in the command surface; the envelope arrives only when the
// package manager finishes.
func Upgrade(ctx context.Context, ch Runner) (*protocol.Envelope, error) {
	env, err := ch.Invoke(ctx, session.ProgramUpdate, []string{"--upgrade"}, session.Upgrade, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}
	return env, nil
}
