// Package sweep coordinates a rotary stage and an acquisition device
// into deterministic reflectance sweeps. A Sequencer owns one stage
// port and one DAQ port and runs at most one Session over them at a
// time; the session visits every plan point in order, moving, settling,
// sampling, and emitting one Record per point.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/daq"
	"github.com/mbiselx/reflectance-measure/device"
	"github.com/mbiselx/reflectance-measure/stage"
)

// ErrSweepActive is returned by Run while a session holds the ports.
var ErrSweepActive = errors.New("sweep: a session is already active")

// State is the lifecycle of a session. It only ever moves forward:
// Pending to Running, then exactly one of the terminal states.
type State int

const (
	Pending State = iota
	Running
	Completed
	Aborted
	Failed
)

func (st State) String() string {
	switch st {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// ProgressFunc is invoked from the sweep worker after each point with
// the number of points finished and the plan size. It must not block.
type ProgressFunc func(done, total int)

// Sequencer owns the two device ports. While a session is active the
// ports belong to it exclusively; direct port access must wait for the
// session to end.
type Sequencer struct {
	motion stage.Controller
	acq    daq.Acquirer

	mu      sync.Mutex
	current *Session
}

// New returns a Sequencer over the given ports.
func New(motion stage.Controller, acq daq.Acquirer) *Sequencer {
	return &Sequencer{motion: motion, acq: acq}
}

// Run validates the plan and starts a session. It fails with
// ErrSweepActive while an earlier session is still running; finished
// sessions are never restarted, a new Run creates a fresh one. The
// returned session's Stream yields records as points complete.
func (q *Sequencer) Run(ctx context.Context, plan Plan, progress ProgressFunc) (*Session, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.Active() {
		return nil, ErrSweepActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s := newSession(plan.normalized(), q.motion, q.acq, progress, cancel)
	q.current = s
	go s.run(ctx)
	return s, nil
}

// Abort aborts the active session, if any.
func (q *Sequencer) Abort() {
	q.mu.Lock()
	s := q.current
	q.mu.Unlock()
	if s != nil {
		s.Abort()
	}
}

// Session returns the most recent session, which may already have
// finished, or nil before the first Run.
func (q *Sequencer) Session() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Session is one execution of a plan. Sessions are single-use: once
// finished or aborted they stay in their terminal state forever.
type Session struct {
	plan       Plan
	motion     stage.Controller
	acq        daq.Acquirer
	onProgress ProgressFunc
	cancel     context.CancelFunc

	records chan Record

	abortOnce sync.Once
	abort     chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	paused bool
	done   []Record
	err    error
}

func newSession(plan Plan, motion stage.Controller, acq daq.Acquirer, progress ProgressFunc, cancel context.CancelFunc) *Session {
	s := &Session{
		plan:       plan,
		motion:     motion,
		acq:        acq,
		onProgress: progress,
		cancel:     cancel,
		records:    make(chan Record),
		abort:      make(chan struct{}),
		state:      Pending,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Plan returns the plan this session executes.
func (s *Session) Plan() Plan { return s.plan }

// Stream returns the live record channel. It closes when the session
// reaches a terminal state. Records the consumer did not take before an
// abort remain available from Records.
func (s *Session) Stream() <-chan Record { return s.records }

// Records returns a copy of the records accumulated so far.
func (s *Session) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.done...)
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session still owns the ports.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Pending || s.state == Running
}

// Err returns the fault that ended a Failed session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Paused reports whether the worker is holding between points.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause holds the worker at the next point boundary. The point in
// flight still completes and emits its record.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending || s.state == Running {
		s.paused = true
	}
}

// Resume releases a paused worker.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.cond.Broadcast()
}

// Abort ends the session at the next step boundary. The stage gets a
// stop and the DAQ an abort right away so that in-flight waits cut
// short; the record of the interrupted point is discarded, records
// already emitted are preserved. Abort is idempotent and safe from any
// goroutine. Aborting a finished session is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	active := s.state == Pending || s.state == Running
	s.mu.Unlock()
	if !active {
		return
	}
	s.abortOnce.Do(func() {
		close(s.abort)
		s.cancel()
		if err := s.motion.Stop(); err != nil {
			log.Printf("sweep: stopping stage during abort: %v", err)
		}
		if err := s.acq.Abort(); err != nil {
			log.Printf("sweep: aborting acquisition: %v", err)
		}
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// run is the sweep worker. It is the only goroutine that commands the
// ports; everything else reaches them through Abort.
func (s *Session) run(ctx context.Context) {
	defer close(s.records)
	defer s.cancel()

	// A paused worker waits on cond, so context death must broadcast.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	s.setState(Running)

	if err := s.prepare(ctx); err != nil {
		if s.interrupted(ctx) {
			s.Abort()
			s.finish(Aborted, nil)
			return
		}
		s.finish(Failed, err)
		return
	}

	total := len(s.plan.Points)
	for i, point := range s.plan.Points {
		if !s.waitResume(ctx) {
			s.Abort()
			s.finish(Aborted, nil)
			return
		}
		rec, fault := s.measure(ctx, i, point)
		if s.interrupted(ctx) {
			s.Abort()
			s.finish(Aborted, nil)
			return
		}
		if fault != nil {
			rec.Status = StatusFailed
			rec.Samples = nil
			rec.Fault = fault
			rec.Time = time.Now()
		}
		if !s.emit(ctx, rec) {
			s.Abort()
			s.finish(Aborted, nil)
			return
		}
		if s.onProgress != nil {
			s.onProgress(i+1, total)
		}
		if fault != nil && (fault.Fatal() || !s.plan.ContinueOnFault) {
			s.finish(Failed, fault)
			return
		}
	}
	s.finish(Completed, nil)
}

// prepare configures the DAQ and readies the stage before the first
// point. Any failure here is fatal to the session.
func (s *Session) prepare(ctx context.Context) error {
	cfg := daq.Config{
		Channel:     s.plan.Channel,
		SampleRate:  s.plan.SampleRate,
		SampleCount: s.plan.SamplesPerPoint,
	}
	if err := s.acq.Configure(cfg); err != nil {
		return faultOf(device.Acquisition, "configuring acquisition", err)
	}
	if e, ok := s.motion.(stage.Enabler); ok {
		on, err := e.Enabled()
		if err != nil {
			return faultOf(device.Motion, "querying motor drive", err)
		}
		if !on {
			log.Printf("sweep: enabling motor drive")
			if err := e.Enable(true); err != nil {
				return faultOf(device.Motion, "enabling motor drive", err)
			}
		}
	}
	if s.plan.HomeFirst {
		if h, ok := s.motion.(stage.Homer); ok {
			log.Printf("sweep: homing stage")
			if err := h.Home(ctx, s.plan.SettleTimeout); err != nil {
				return faultOf(device.Motion, "homing", err)
			}
		} else {
			log.Printf("sweep: controller cannot home, skipping home search")
		}
	}
	return nil
}

// measure runs one point: move, settle, dwell, sample, read back. A nil
// fault means the returned record is complete (possibly degraded); the
// caller is responsible for checking for interruption, since a record
// cut short by abort must be discarded rather than emitted.
func (s *Session) measure(ctx context.Context, index int, point angle.User) (Record, *device.Fault) {
	rec := Record{Index: index, Angle: point.Degrees(), Time: time.Now()}

	if err := s.motion.MoveTo(point.Device()); err != nil {
		return rec, faultOf(device.Motion, "starting move", err)
	}
	if err := s.motion.WaitSettled(ctx, s.plan.SettleTimeout); err != nil {
		return rec, faultOf(device.Motion, "waiting for settle", err)
	}
	if s.plan.SettleTime > 0 {
		select {
		case <-ctx.Done():
			return rec, nil
		case <-time.After(s.plan.SettleTime):
		}
	}
	samples, err := s.acq.Acquire(ctx)
	if err != nil {
		return rec, faultOf(device.Acquisition, "acquiring samples", err)
	}
	rec.Samples = samples
	rec.Value = reduce(s.plan.Averaging, samples)
	rec.Time = time.Now()
	rec.Status = StatusOK
	if pos, err := s.motion.Position(); err != nil {
		rec.Status = StatusDegraded
		rec.Fault = faultOf(device.Motion, "reading back position", err)
	} else {
		rec.DeviceAngle = pos.Degrees()
	}
	return rec, nil
}

// emit hands one record to the consumer and keeps a copy. It gives up
// when the session aborts so a slow or absent consumer cannot wedge the
// worker.
func (s *Session) emit(ctx context.Context, rec Record) bool {
	s.mu.Lock()
	s.done = append(s.done, rec)
	s.mu.Unlock()
	select {
	case s.records <- rec:
		return true
	case <-s.abort:
		return false
	case <-ctx.Done():
		return false
	}
}

// waitResume blocks while the session is paused. It returns false when
// the wait ended because of abort or context death.
func (s *Session) waitResume(ctx context.Context) bool {
	s.mu.Lock()
	for s.paused && ctx.Err() == nil && !s.aborted() {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return !s.interrupted(ctx)
}

func (s *Session) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

func (s *Session) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || s.aborted()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Pending {
		s.state = state
	}
}

// finish moves the session to a terminal state. Only the first terminal
// transition wins.
func (s *Session) finish(state State, fault error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending && s.state != Running {
		return
	}
	s.state = state
	s.err = fault
	if fault != nil {
		log.Printf("sweep: session %s after %d of %d points: %v", state, len(s.done), len(s.plan.Points), fault)
	} else {
		log.Printf("sweep: session %s after %d of %d points", state, len(s.done), len(s.plan.Points))
	}
}

// faultOf classifies a port error, passing through faults the adapters
// already classified.
func faultOf(src device.Source, detail string, err error) *device.Fault {
	if f, ok := device.As(err); ok {
		return f
	}
	return device.Wrap(src, device.Unknown, detail, err)
}
