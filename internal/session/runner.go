// Package session owns the authenticated channels to remote hosts: one
// channel per host id, auth method selection, TOFU routing, the per-host
// FIFO operation lock, and command execution under category deadlines.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// InstallRoot is the canonical absolute path the six administrative
// programs live under on every managed host.
const InstallRoot = "/opt/rise/bin"

// StagingDir is where program bytes are uploaded before the remote moves
// them into InstallRoot.
const StagingDir = "/tmp/rise-staging"

// The six administrative programs.
const (
	ProgramFirewall = "firewall"
	ProgramDocker   = "docker"
	ProgramUpdate   = "update"
	ProgramHealth   = "health"
	ProgramOnboard  = "onboard"
	ProgramSetupEnv = "setup-env"
)

// Programs lists the administrative programs in install order.
var Programs = []string{
	ProgramFirewall,
	ProgramDocker,
	ProgramUpdate,
	ProgramHealth,
	ProgramOnboard,
	ProgramSetupEnv,
}

// Category bounds a command's deadline.
type Category int

const (
	Quick Category = iota
	Medium
	Long
	UpdateCheck
	Upgrade
)

// Deadline returns the wall-clock budget for the category.
func (c Category) Deadline() time.Duration {
	switch c {
	case Quick:
		return 10 * time.Second
	case Medium:
		return 30 * time.Second
	case Long:
		return 120 * time.Second
	case UpdateCheck:
		return 220 * time.Second
	case Upgrade:
		return 660 * time.Second
	}
	return 10 * time.Second
}

func (c Category) String() string {
	switch c {
	case Quick:
		return "quick"
	case Medium:
		return "medium"
	case Long:
		return "long"
	case UpdateCheck:
		return "update-check"
	case Upgrade:
		return "upgrade"
	}
	return "unknown"
}

// commandRunner is the transport under a Channel. The real implementation
// wraps an ssh.Client; tests substitute a fake.
type commandRunner interface {
	// run executes a remote command line, feeding stdin if non-nil, and
	// returns the captured stdout. A non-zero remote exit status is not
	// an error here; the JSON envelope carries it.
	run(ctx context.Context, cmd string, stdin []byte) ([]byte, error)
	// openSFTP opens the file-transfer subchannel.
	openSFTP() (*sftp.Client, error)
	close() error
}

// sshRunner runs commands over an established ssh.Client.
type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = strings.NewReader(string(stdin))
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		// Deadline or cancellation: kill the in-flight command. No
		// partial output is delivered.
		session.Close()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			if _, ok := err.(*ssh.ExitError); ok {
				// Program exited non-zero; its envelope explains why.
				return []byte(stdout.String()), nil
			}
			return nil, fmt.Errorf("run: %w", err)
		}
		return []byte(stdout.String()), nil
	}
}

func (r *sshRunner) openSFTP() (*sftp.Client, error) {
	return sftp.NewClient(r.client)
}

func (r *sshRunner) close() error {
	return r.client.Close()
}

// buildCommand assembles the canonical invocation: always through the
// elevation wrapper, always the absolute program path.
func buildCommand(program string, args []string) (string, error) {
	known := false
	for _, p := range Programs {
		if p == program {
			known = true
			break
		}
	}
	if !known {
		return "", fmt.Errorf("unknown program %q", program)
	}

	parts := []string{"sudo", "-n", InstallRoot + "/" + program}
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " "), nil
}

// quoteArg single-quotes an argument for the remote shell. Payload data
// travels on stdin, never in the argument vector, so arguments stay
// small: flags, ids, public key lines.
func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	if !strings.ContainsAny(a, " \t\n'\"\\$`&|;()<>*?#~") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}
