// Package onboard runs the three-branch onboarding state machine:
// probe a host, then install, add this device, or just attach.
package onboard

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/risefleet/rise/internal/contentcache"
	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/keystore"
	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
	"github.com/risefleet/rise/internal/state"
)

// Branch names the path the probe selected.
type Branch string

const (
	BranchInstall   Branch = "install"
	BranchAddDevice Branch = "add-device"
	BranchAttach    Branch = "attach"
)

// Channel is the slice of a session channel onboarding drives.
type Channel interface {
	HostID() string
	Invoke(ctx context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error)
	Lock(ctx context.Context, forUpdate bool) (func(), error)
	InvokeLocked(ctx context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error)
	UploadLocked(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error
	RenameLocked(ctx context.Context, oldPath, newPath string) error
}

// ConnectFunc dials a host entry; onboarding supplies the password and
// the TOFU confirmation it collected from the user.
type ConnectFunc func(ctx context.Context, entry state.HostEntry, opts session.ConnectOptions) (Channel, error)

// Cache is the read side of the content cache onboarding installs from.
type Cache interface {
	Program(name string) ([]byte, contentcache.ManifestEntry, error)
}

// Request is one onboarding attempt.
type Request struct {
	DisplayName string
	Host        string
	Port        int
	Username    string
	// Password authenticates the bootstrap session. It is used for the
	// dial only and never stored.
	Password string
	Mode     state.SecurityMode
	// AcceptNewHost confirms pinning a first-seen host key; set after
	// the user approved the fingerprint surfaced by the first attempt.
	AcceptNewHost bool
	// OverrideRootNoKey proceeds with a policy upgrade even though the
	// invoking account has no key of its own installed.
	OverrideRootNoKey bool
}

// Result reports a completed onboarding.
type Result struct {
	Entry             state.HostEntry
	Branch            Branch
	AlreadyRegistered bool
}

// Coordinator executes onboarding requests against the cache, key store
// and host store.
type Coordinator struct {
	keys    *keystore.Store
	cache   Cache
	store   *state.Store
	bus     *events.Bus
	connect ConnectFunc
}

// NewCoordinator wires an onboarding coordinator.
func NewCoordinator(keys *keystore.Store, cache Cache, store *state.Store, bus *events.Bus, connect ConnectFunc) *Coordinator {
	return &Coordinator{keys: keys, cache: cache, store: store, bus: bus, connect: connect}
}

// Onboard probes the host and runs the branch the probe selects. The
// host entry is persisted only on success; a failed install leaves no
// local trace and triggers the remote cleanup routine.
func (c *Coordinator) Onboard(ctx context.Context, req Request) (*Result, error) {
	if !req.Mode.Valid() {
		return nil, protocol.New(protocol.CodeInvalidInput, "invalid security mode %q", req.Mode)
	}
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

	installed, registered, err := c.probe(ctx, ch, pubKey)
	if err != nil {
		return nil, err
	}

	switch {
	case !installed:
		return c.install(ctx, ch, entry, pubKey, req)
	case !registered:
		return c.addDevice(ctx, ch, entry, pubKey)
	default:
		return c.attach(entry)
	}
}

// probe runs onboard --check and compares the device key against the
// registered set. Key comparison ignores the comment field.
func (c *Coordinator) probe(ctx context.Context, ch Channel, pubKey string) (installed, registered bool, err error) {
	env, err := ch.Invoke(ctx, session.ProgramOnboard, []string{"--check"}, session.Quick, nil)
	if err != nil {
		// A bare host has no onboard program to answer with, so the
		// check yields no envelope at all. That selects the install
		// branch; transport failures still surface.
		if protocol.IsCode(err, protocol.CodeProtocol) {
			return false, false, nil
		}
		return false, false, err
	}
	if rerr := env.Err(); rerr != nil {
		return false, false, rerr
	}

	installed = env.Bool("installed")
	if raw, ok := env.Fields["keys"].([]interface{}); ok {
		for _, item := range raw {
			line, ok := item.(string)
			if !ok {
				continue
			}
			if keystore.SameKey(line, pubKey) {
				registered = true
				break
			}
		}
	}
	return installed, registered, nil
}

// install runs the full branch A sequence. Once staging has begun, any
// failure triggers the remote cleanup routine before surfacing.
func (c *Coordinator) install(ctx context.Context, ch Channel, entry state.HostEntry, pubKey string, req Request) (*Result, error) {
	release, err := ch.Lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	fail := func(err error) (*Result, error) {
		c.cleanup(ch)
		return nil, err
	}

	for _, name := range session.Programs {
		data, _, err := c.cache.Program(name)
		if err != nil {
			return fail(protocol.New(protocol.CodeDependency,
				"program %s not cached, run initialization first: %v", name, err))
		}
		dest := session.StagingDir + "/" + name
		if err := ch.UploadLocked(ctx, dest, bytes.NewReader(data), 0o755); err != nil {
			return fail(err)
		}
	}

	// Promote the staged programs into the install root. A bare host has
	// no setup-env yet, so the client does this move itself; updates go
	// through setup-env --update instead.
	for _, name := range session.Programs {
		staged := session.StagingDir + "/" + name
		if err := ch.RenameLocked(ctx, staged, session.InstallRoot+"/"+name); err != nil {
			return fail(err)
		}
	}

	if _, err := c.invokeLocked(ctx, ch, session.ProgramSetupEnv, []string{"--install"}, session.Medium); err != nil {
		return fail(err)
	}
	if _, err := c.invokeLocked(ctx, ch, session.ProgramOnboard, []string{"--generate-otp"}, session.Quick); err != nil {
		return fail(err)
	}
	if _, err := c.invokeLocked(ctx, ch, session.ProgramOnboard, []string{"--finalize", pubKey}, session.Medium); err != nil {
		return fail(err)
	}
	if err := c.applyPolicy(ctx, ch, req.Mode, req.OverrideRootNoKey); err != nil {
		return fail(err)
	}

	entry.KeyRegistered = true
	stored, err := c.store.UpsertHost(entry)
	if err != nil {
		return nil, err
	}
	log.Printf("[onboard] installed %s (%s) mode=%s", stored.DisplayName, stored.Host, stored.SecurityMode)
	return &Result{Entry: stored, Branch: BranchInstall}, nil
}

// addDevice runs branch B: append this device's key. The remote treats
// a key already in the set as success with alreadyRegistered set.
func (c *Coordinator) addDevice(ctx context.Context, ch Channel, entry state.HostEntry, pubKey string) (*Result, error) {
	env, err := ch.Invoke(ctx, session.ProgramOnboard, []string{"--add-device", pubKey}, session.Medium, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}

	entry.KeyRegistered = true
	stored, err := c.store.UpsertHost(entry)
	if err != nil {
		return nil, err
	}
	return &Result{
		Entry:             stored,
		Branch:            BranchAddDevice,
		AlreadyRegistered: env.Bool("alreadyRegistered"),
	}, nil
}

// attach runs branch C: the host already trusts this device, so only
// the local entry is written.
func (c *Coordinator) attach(entry state.HostEntry) (*Result, error) {
	entry.KeyRegistered = true
	stored, err := c.store.UpsertHost(entry)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: stored, Branch: BranchAttach}, nil
}

// applyPolicy sets the access-policy mode. Upgrades toward key-only are
// refused by the remote with WARN_ROOT_NO_KEY when the invoking account
// has no installed key; the override flag forwards the user's explicit
// consent.
func (c *Coordinator) applyPolicy(ctx context.Context, ch Channel, mode state.SecurityMode, override bool) error {
	args := []string{"--set-policy", string(mode)}
	if override {
		args = append(args, "--override")
	}
	_, err := c.invokeLocked(ctx, ch, session.ProgramOnboard, args, session.Medium)
	if protocol.IsCode(err, protocol.CodeRootNoKey) {
		c.bus.Publish(events.RootNoKey{HostID: ch.HostID(), Mode: string(mode)})
	}
	return err
}

// SetPolicy changes the access-policy mode on an already-onboarded host
// and records it in the entry.
func (c *Coordinator) SetPolicy(ctx context.Context, ch Channel, hostID string, mode state.SecurityMode, override bool) error {
	if !mode.Valid() {
		return protocol.New(protocol.CodeInvalidInput, "invalid security mode %q", mode)
	}
	entry, ok := c.store.Host(hostID)
	if !ok {
		return protocol.New(protocol.CodeNotConnected, "unknown host id %s", hostID)
	}

	args := []string{"--set-policy", string(mode)}
	if override {
		args = append(args, "--override")
	}
	env, err := ch.Invoke(ctx, session.ProgramOnboard, args, session.Medium, nil)
	if err != nil {
		return err
	}
	if rerr := env.Err(); rerr != nil {
		if rerr.Code == protocol.CodeRootNoKey {
			c.bus.Publish(events.RootNoKey{HostID: hostID, Mode: string(mode)})
		}
		return rerr
	}

	entry.SecurityMode = mode
	_, err = c.store.UpsertHost(entry)
	return err
}

func (c *Coordinator) invokeLocked(ctx context.Context, ch Channel, program string, args []string, cat session.Category) (*protocol.Envelope, error) {
	env, err := ch.InvokeLocked(ctx, program, args, cat, nil)
	if err != nil {
		return nil, err
	}
	if rerr := env.Err(); rerr != nil {
		return nil, rerr
	}
	return env, nil
}

// cleanup triggers the remote's partial-install cleanup. Best effort:
// the remote's own timers remove the same state eventually.
func (c *Coordinator) cleanup(ch Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := ch.InvokeLocked(ctx, session.ProgramOnboard, []string{"--cleanup"}, session.Quick, nil); err != nil {
		log.Printf("[onboard] remote cleanup on %s: %v", ch.HostID(), err)
	}
}
