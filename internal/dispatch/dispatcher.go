// Package dispatch turns caller requests into serialized device commands.
// The dispatcher resolves the session for a command's identity, runs the
// command on that session's lane, and applies the retry policy: transient
// failures are retried with capped exponential backoff, auth and permanent
// failures surface immediately, and a vendor call that outlives its per-call
// timeout tears the connection handle down before the next attempt.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"frankamera/camerad/internal/adapter"
	"frankamera/camerad/internal/camerr"
	"frankamera/camerad/internal/device"
	"frankamera/camerad/internal/journal"
	"frankamera/camerad/internal/metrics"
	"frankamera/camerad/internal/registry"
	"frankamera/camerad/internal/session"
)

type Kind string

const (
	KindMove            Kind = "move"
	KindSnapshot        Kind = "snapshot"
	KindStreamStart     Kind = "stream_start"
	KindStreamStop      Kind = "stream_stop"
	KindRecordingSearch Kind = "recording_search"
)

// ErrUnknownDevice is wrapped into a permanent ConnectError when no
// credential is configured for the target identity.
var ErrUnknownDevice = errors.New("no credential configured for device")

// Command is immutable once created. Exactly one params field is read,
// selected by Kind.
type Command struct {
	ID       string
	Identity device.Identity
	Kind     Kind

	Move       adapter.MoveParams
	Snapshot   adapter.SnapshotParams
	Stream     adapter.StreamParams
	StopHandle *adapter.StreamHandle
	Search     adapter.SearchParams
}

// Result reports the outcome of one command. Attempts counts every vendor
// attempt including the first; Retries is Attempts-1 for commands that
// needed the retry policy and 0 otherwise.
type Result struct {
	CommandID string
	Attempts  int
	Retries   int

	Snapshot *adapter.Snapshot
	Stream   *adapter.StreamHandle
	Segments []adapter.RecordingSegment
}

// CredentialSource resolves the configured credential for a device. The
// core never loads or stores credentials itself.
type CredentialSource interface {
	CredentialFor(id device.Identity) (device.Credential, bool)
}

type Policy struct {
	RetryLimit  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
}

type Dispatcher struct {
	log     zerolog.Logger
	reg     *registry.Registry
	creds   CredentialSource
	metrics *metrics.Metrics
	journal *journal.Journal
	policy  Policy

	// sleep is swappable so tests can capture the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(log zerolog.Logger, reg *registry.Registry, creds CredentialSource, m *metrics.Metrics, j *journal.Journal, policy Policy) *Dispatcher {
	if policy.RetryLimit < 0 {
		policy.RetryLimit = 0
	}
	if policy.RetryLimit == 0 {
		policy.RetryLimit = 3
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = 250 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 5 * time.Second
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 10 * time.Second
	}

	return &Dispatcher{
		log:     log,
		reg:     reg,
		creds:   creds,
		metrics: m,
		journal: j,
		policy:  policy,
		sleep:   sleepCtx,
	}
}

// Submit runs one command to completion: synchronous for the caller,
// serialized per device internally. The returned Result is non-nil even on
// error so attempt counts stay observable.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (*Result, error) {
	start := time.Now()
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	id := device.Normalize(cmd.Identity)
	cmd.Identity = id
	res := &Result{CommandID: cmd.ID}

	cred, ok := d.creds.CredentialFor(id)
	if !ok {
		err := &camerr.ConnectError{Device: id, Class: camerr.Permanent, Err: ErrUnknownDevice}
		d.finish(cmd, res, start, err)
		return res, err
	}

	var submitErr error
	for resolve := 0; ; resolve++ {
		sess, err := d.reg.GetOrCreate(ctx, id, cred)
		if err != nil {
			submitErr = err
			break
		}

		err = sess.Do(ctx, func(ctx context.Context) error {
			return d.execute(ctx, sess, cmd, res)
		})
		if errors.Is(err, session.ErrClosed) && resolve == 0 {
			// The session was evicted between lookup and enqueue; resolve
			// a fresh one once.
			continue
		}
		submitErr = err
		break
	}

	d.finish(cmd, res, start, submitErr)
	return res, submitErr
}

// execute runs on the session lane and owns the retry loop for one command.
// Keeping retries inside the lane slot preserves per-device completion
// order: a retrying command never lets a later command overtake it.
func (d *Dispatcher) execute(ctx context.Context, sess *session.Session, cmd Command, res *Result) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, backoffDelay(d.policy.BaseBackoff, attempt, d.policy.MaxBackoff)); err != nil {
				return err
			}
			res.Retries++
		}
		res.Attempts = attempt + 1

		err := d.attempt(ctx, sess, cmd, res)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-call timeout fired: the handle's state is unknown,
			// tear it down before the next attempt.
			sess.Teardown(ctx, "vendor call timed out")
			err = &camerr.TimeoutError{Device: cmd.Identity, Op: string(cmd.Kind), Timeout: d.policy.CallTimeout}
		}

		class, classified := camerr.ClassOf(err)
		if !classified {
			// Caller cancellation or a programming error; not retryable.
			return err
		}
		if class != camerr.Transient {
			return err
		}
		if attempt >= d.policy.RetryLimit {
			var ce *camerr.ConnectError
			if errors.As(err, &ce) {
				// The device would not even connect after the full retry
				// budget; fail the session so the registry replaces it.
				sess.MarkFailed()
			}
			return &camerr.ExhaustedError{Device: cmd.Identity, Attempts: attempt + 1, Err: err}
		}

		d.log.Debug().
			Str("device", cmd.Identity.String()).
			Str("kind", string(cmd.Kind)).
			Int("attempt", attempt+1).
			Err(err).
			Msg("transient failure, retrying")
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sess *session.Session, cmd Command, res *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, d.policy.CallTimeout)
	defer cancel()

	if err := sess.EnsureConnected(callCtx); err != nil {
		return err
	}
	conn := sess.Conn()
	ad := sess.Adapter()

	switch cmd.Kind {
	case KindMove:
		return ad.MoveToPosition(callCtx, conn, cmd.Move)
	case KindSnapshot:
		snap, err := ad.CapturePicture(callCtx, conn, cmd.Snapshot)
		if err != nil {
			return err
		}
		res.Snapshot = snap
		return nil
	case KindStreamStart:
		h, err := ad.StartStream(callCtx, conn, cmd.Stream)
		if err != nil {
			return err
		}
		res.Stream = h
		return nil
	case KindStreamStop:
		return ad.StopStream(callCtx, conn, cmd.StopHandle)
	case KindRecordingSearch:
		segs, err := ad.SearchRecordings(callCtx, conn, cmd.Search)
		if err != nil {
			return err
		}
		res.Segments = segs
		return nil
	default:
		return &camerr.OperationError{
			Device: cmd.Identity,
			Op:     string(cmd.Kind),
			Class:  camerr.Permanent,
			Err:    errors.New("unsupported command kind"),
		}
	}
}

func (d *Dispatcher) finish(cmd Command, res *Result, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		if class, ok := camerr.ClassOf(err); ok {
			outcome = class.String()
		} else {
			outcome = "error"
		}
	}
	elapsed := time.Since(start)

	d.metrics.ObserveCommand(string(cmd.Kind), outcome, res.Retries, elapsed)

	evt := d.log.Info()
	if err != nil {
		evt = d.log.Warn().Err(err)
	}
	evt.
		Str("command_id", cmd.ID).
		Str("device", cmd.Identity.String()).
		Str("kind", string(cmd.Kind)).
		Str("outcome", outcome).
		Int("attempts", res.Attempts).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("command finished")

	if d.journal != nil {
		// Journal with a short background context so a cancelled caller
		// still leaves an audit row.
		jctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		errText := ""
		if err != nil {
			errText = err.Error()
		}
		d.journal.RecordCommand(jctx, journal.Entry{
			CommandID: cmd.ID,
			Device:    cmd.Identity.String(),
			Kind:      string(cmd.Kind),
			Outcome:   outcome,
			Attempts:  res.Attempts,
			Retries:   res.Retries,
			Duration:  elapsed,
			Error:     errText,
		})
	}
}

// backoffDelay returns the wait before retry number `retry` (1-based):
// base, then doubling, capped at max.
func backoffDelay(base time.Duration, retry int, max time.Duration) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if retry < 1 {
		retry = 1
	}
	if retry > 16 {
		retry = 16
	}
	d := base * time.Duration(1<<(retry-1))
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
