package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risefleet/rise/internal/events"
	"github.com/risefleet/rise/internal/protocol"
)

// queueDeadline bounds how long a user operation waits behind an
// in-progress program update before it is cancelled. Variable so tests
// can shrink it.
var queueDeadline = 30 * time.Second

// lockedRetries and lockedBackoff implement the executor retry policy for
// ERR_LOCKED: three retries at 2 s, 3 s, 4.5 s.
const lockedRetries = 3

func lockedBackoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempt; i++ {
		d = d * 3 / 2
	}
	return d
}

// retryDelay is lockedBackoff behind a seam tests can shrink.
var retryDelay = lockedBackoff

// oplock is a FIFO mutex with context-aware acquisition. Commands on a
// host are totally ordered by issue time.
type oplock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *oplock) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Granted concurrently with cancellation; give it back.
		l.release()
		return ctx.Err()
	}
}

func (l *oplock) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		ch := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(ch) // ownership transfers, held stays true
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()
}

// Channel is the single authenticated channel to one host. At most one
// command is in flight; others queue on the FIFO lock.
type Channel struct {
	hostID string
	host   string
	port   int
	runner commandRunner
	bus    *events.Bus

	lock   oplock
	closed atomic.Bool

	// upMu guards updating and upCh. upCh is closed when an update takes
	// the lock, so waiters queued before the update started still see it
	// begin and apply the queue deadline from that moment.
	upMu     sync.Mutex
	updating bool
	upCh     chan struct{}
}

func (c *Channel) setUpdating(v bool) {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	if c.updating == v {
		return
	}
	c.updating = v
	if v && c.upCh != nil {
		close(c.upCh)
	}
	if v {
		c.upCh = nil
	}
}

// updateState reports whether an update holds the lock and, if not, the
// channel closed when one begins.
func (c *Channel) updateState() (bool, <-chan struct{}) {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	if !c.updating && c.upCh == nil {
		c.upCh = make(chan struct{})
	}
	return c.updating, c.upCh
}

// HostID returns the host entry id this channel serves.
func (c *Channel) HostID() string { return c.hostID }

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Close tears down the channel. In-flight commands surface their errors;
// nothing is retried on a closing channel.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		if err := c.runner.close(); err != nil {
			log.Printf("[session] close channel %s: %v", c.hostID, err)
		}
	}
}

// Lock acquires the per-host operation lock. With forUpdate set, user
// operations arriving while the lock is held queue under the 30-second
// deadline instead of waiting indefinitely. The returned release func
// must be called exactly once.
func (c *Channel) Lock(ctx context.Context, forUpdate bool) (func(), error) {
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	if forUpdate {
		c.setUpdating(true)
		return func() {
			c.setUpdating(false)
			c.lock.release()
		}, nil
	}
	return c.lock.release, nil
}

// Invoke executes one remote program invocation under the category's
// deadline, queueing behind any in-flight operation first.
func (c *Channel) Invoke(ctx context.Context, program string, args []string, cat Category, stdin []byte) (*protocol.Envelope, error) {
	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()

	// The queue deadline starts ticking when an update holds the lock,
	// whether that is already the case or happens while we wait.
	var queueExpired atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		updating, began := c.updateState()
		if !updating {
			select {
			case <-began:
			case <-watchDone:
				return
			}
		}
		select {
		case <-time.After(queueDeadline):
			queueExpired.Store(true)
			cancelAcquire()
		case <-watchDone:
		}
	}()

	err := c.lock.acquire(acquireCtx)
	close(watchDone)
	if err != nil {
		if queueExpired.Load() && ctx.Err() == nil {
			op := program
			if len(args) > 0 {
				op = program + " " + args[0]
			}
			c.bus.Publish(events.OpCancelledDuringUpdate{HostID: c.hostID, Operation: op})
			return nil, protocol.New(protocol.CodeCancelled,
				"operation %s cancelled: update in progress on host", op)
		}
		return nil, err
	}
	defer c.lock.release()

	return c.invoke(ctx, program, args, cat, stdin)
}

// InvokeLocked is Invoke for callers already holding the channel lock
// (the server-side updater runs its install step this way).
func (c *Channel) InvokeLocked(ctx context.Context, program string, args []string, cat Category, stdin []byte) (*protocol.Envelope, error) {
	return c.invoke(ctx, program, args, cat, stdin)
}

func (c *Channel) invoke(ctx context.Context, program string, args []string, cat Category, stdin []byte) (*protocol.Envelope, error) {
	if c.closed.Load() {
		return nil, protocol.New(protocol.CodeNotConnected, "channel to %s is closed", c.host)
	}

	cmd, err := buildCommand(program, args)
	if err != nil {
		return nil, protocol.New(protocol.CodeInvalidInput, "%v", err)
	}

	var env *protocol.Envelope
	for attempt := 0; ; attempt++ {
		env, err = c.runOnce(ctx, cmd, cat, stdin)
		if err != nil {
			return nil, err
		}

		remoteErr := env.Err()
		if remoteErr == nil || remoteErr.Code != protocol.CodeLocked || attempt >= lockedRetries {
			break
		}

		delay := retryDelay(attempt + 1)
		log.Printf("[session] %s busy on %s, retry %d/%d in %s", program, c.host, attempt+1, lockedRetries, delay)
		select {
		case <-ctx.Done():
			return nil, protocol.New(protocol.CodeCancelled, "cancelled while waiting for host lock")
		case <-time.After(delay):
		}
	}
	return env, nil
}

// runOnce executes the command under the category deadline and parses the
// envelope, applying the API compatibility rule.
func (c *Channel) runOnce(ctx context.Context, cmd string, cat Category, stdin []byte) (*protocol.Envelope, error) {
	runCtx, cancel := context.WithTimeout(ctx, cat.Deadline())
	defer cancel()

	stdout, err := c.runner.run(runCtx, cmd, stdin)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Deadline expiry closes the channel; the caller decides
			// whether to reconnect.
			c.Close()
			return nil, protocol.New(protocol.CodeDeadline,
				"command exceeded %s deadline (%s)", cat, cat.Deadline())
		}
		if errors.Is(err, context.Canceled) {
			c.Close()
			return nil, protocol.New(protocol.CodeCancelled, "command cancelled")
		}
		c.Close()
		return nil, protocol.New(protocol.CodeNotConnected, "channel failure: %v", err)
	}

	env, perr := protocol.ParseEnvelope(stdout)
	if perr != nil {
		return nil, perr
	}

	warn, compatErr := protocol.CheckCompat(env.APIVersion)
	if compatErr != nil {
		c.Close()
		return nil, compatErr
	}
	if warn != nil {
		c.bus.Publish(events.ApiDrift{HostID: c.hostID, ServerVersion: env.APIVersion})
	}
	return env, nil
}

// UploadLocked writes bytes to a remote path over the SFTP subchannel.
// Caller holds the channel lock. The remote file is written to a .part
// name and renamed so the target path never holds a partial file.
func (c *Channel) UploadLocked(ctx context.Context, remotePath string, contents io.Reader, mode os.FileMode) error {
	if c.closed.Load() {
		return protocol.New(protocol.CodeNotConnected, "channel to %s is closed", c.host)
	}

	client, err := c.runner.openSFTP()
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close()

	dir := pathDir(remotePath)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	part := remotePath + ".part"
	f, err := client.Create(part)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	if _, err := io.Copy(f, contents); err != nil {
		f.Close()
		client.Remove(part)
		return fmt.Errorf("write %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		client.Remove(part)
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := client.Chmod(part, mode); err != nil {
		client.Remove(part)
		return fmt.Errorf("chmod %s: %w", part, err)
	}
	if err := client.PosixRename(part, remotePath); err != nil {
		client.Remove(part)
		return fmt.Errorf("rename %s: %w", part, err)
	}
	return nil
}

// RenameLocked moves a remote file over the SFTP subchannel, creating
// the destination directory if needed. Caller holds the channel lock.
func (c *Channel) RenameLocked(ctx context.Context, oldPath, newPath string) error {
	if c.closed.Load() {
		return protocol.New(protocol.CodeNotConnected, "channel to %s is closed", c.host)
	}

	client, err := c.runner.openSFTP()
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close()

	dir := pathDir(newPath)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := client.PosixRename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

func pathDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
