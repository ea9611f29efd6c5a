package onboard

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
	"github.com/risefleet/rise/internal/state"
)

// Codes roll every 29 s so a fresh 30 s code is always on screen.
var otpRefresh = 29 * time.Second

// Enrollment is an open enrollment dialog: Codes delivers the rolling
// 6-digit code until Stop (or context cancellation) ends it.
type Enrollment struct {
	Codes  <-chan string
	stop   context.CancelFunc
	done   chan struct{}
	ch     Channel
	hostID string
}

// Stop closes the dialog and best-effort cancels the outstanding code.
// The remote's own timer removes it regardless.
func (e *Enrollment) Stop() {
	e.stop()
	<-e.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.ch.Invoke(ctx, session.ProgramOnboard, []string{"--cancel-otp"}, session.Quick, nil); err != nil {
		log.Printf("[onboard] cancel enrollment code on %s: %v", e.hostID, err)
	}
}

// StartEnrollment begins out-of-band enrollment on an onboarded host:
// mint a 30-second code, then re-mint every refresh interval until
// stopped. The code is shown to the user, who types it into the second
// device as a one-session password.
func (c *Coordinator) StartEnrollment(ctx context.Context, ch Channel) (*Enrollment, error) {
	first, err := generateCode(ctx, ch)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	codes := make(chan string, 1)
	codes <- first

	e := &Enrollment{Codes: codes, stop: cancel, done: make(chan struct{}), ch: ch, hostID: ch.HostID()}
	go func() {
		defer close(e.done)
		defer close(codes)
		ticker := time.NewTicker(otpRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				code, err := generateCode(ctx, ch)
				if err != nil {
					log.Printf("[onboard] refresh enrollment code on %s: %v", ch.HostID(), err)
					return
				}
				select {
				case codes <- code:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return e, nil
}

func generateCode(ctx context.Context, ch Channel) (string, error) {
	env, err := ch.Invoke(ctx, session.ProgramOnboard, []string{"--generate-otp", "30"}, session.Quick, nil)
	if err != nil {
		return "", err
	}
	if rerr := env.Err(); rerr != nil {
		return "", rerr
	}
	code := env.String("code")
	if code == "" {
		return "", protocol.New(protocol.CodeProtocol, "enrollment response carries no code")
	}
	return code, nil
}

// EnrollWithCode onboards the current device using a rolling code minted
// on another device. The code opens a single restricted session whose
// only legal operation is add-device, so no probe runs here.
func (c *Coordinator) EnrollWithCode(ctx context.Context, req Request) (*Result, error) {
	if err := c.keys.Ensure(); err != nil {
		return nil, err
	}
	pubKey, err := c.keys.PublicKey()
	if err != nil {
		return nil, err
	}

	entry := state.HostEntry{
		ID:           uuid.NewString(),
		DisplayName:  req.DisplayName,
		Host:         req.Host,
		Port:         req.Port,
		Username:     req.Username,
		SecurityMode: req.Mode,
	}

	ch, err := c.connect(ctx, entry, session.ConnectOptions{
		Password:  req.Password,
		AcceptNew: req.AcceptNewHost,
	})
	if err != nil {
		return nil, err
	}
	return c.addDevice(ctx, ch, entry, pubKey)
}

// Device is one registered device key on a host.
type Device struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

// ListDevices returns the device keys registered on a host.
func (c *Coordinator) ListDevices(ctx context.Context, ch Channel) ([]Device, error) {
	env, err := ch.Invoke(ctx, session.ProgramOnboard, []string{"--list-devices"}, session.Quick, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}

	raw, _ := env.Fields["devices"].([]interface{})
	devices := make([]Device, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		d := Device{}
		d.Name, _ = m["name"].(string)
		d.Fingerprint, _ = m["fingerprint"].(string)
		devices = append(devices, d)
	}
	return devices, nil
}

// RemoveDevice revokes a registered device key by fingerprint.
func (c *Coordinator) RemoveDevice(ctx context.Context, ch Channel, fingerprint string) error {
	if fingerprint == "" {
		return protocol.New(protocol.CodeInvalidInput, "empty device fingerprint")
	}
	env, err := ch.Invoke(ctx, session.ProgramOnboard, []string{"--remove-device", fingerprint}, session.Medium, nil)
	if err != nil {
		return err
	}
	if rerr := env.Err(); rerr != nil {
		return rerr
	}
	return nil
}
