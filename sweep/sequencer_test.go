package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/daq"
	"github.com/mbiselx/reflectance-measure/device"
)

// eventLog records the interleaving of port calls so tests can assert
// that the sweep never overlaps motion and acquisition.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// settleGate lets a test hold the worker inside WaitSettled: entered is
// closed when the worker arrives, and the worker stays until release is
// closed or its context dies.
type settleGate struct {
	entered chan struct{}
	release chan struct{}
}

func newSettleGate() *settleGate {
	return &settleGate{entered: make(chan struct{}), release: make(chan struct{})}
}

type fakeStage struct {
	log *eventLog

	mu        sync.Mutex
	moves     []angle.Device
	stops     int
	pos       angle.Device
	moveErr   map[int]error       // by move index
	settleErr map[int]error       // by move index
	gates     map[int]*settleGate // by move index
	posErr    error
}

func (f *fakeStage) MoveTo(target angle.Device) error {
	f.mu.Lock()
	idx := len(f.moves)
	f.moves = append(f.moves, target)
	err := f.moveErr[idx]
	if err == nil {
		f.pos = target
	}
	f.mu.Unlock()
	f.log.add(fmt.Sprintf("move %g", target.Degrees()))
	return err
}

func (f *fakeStage) Settled() (bool, error) { return true, nil }

func (f *fakeStage) WaitSettled(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	idx := len(f.moves) - 1
	err := f.settleErr[idx]
	gate := f.gates[idx]
	f.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.log.add("settle")
	return err
}

func (f *fakeStage) Position() (angle.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return 0, f.posErr
	}
	return f.pos, nil
}

func (f *fakeStage) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeStage) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeStage) moveTargets() []angle.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]angle.Device(nil), f.moves...)
}

type enablableStage struct {
	*fakeStage

	emu     sync.Mutex
	enabled bool
	enables []bool
}

func (e *enablableStage) Enabled() (bool, error) {
	e.emu.Lock()
	defer e.emu.Unlock()
	return e.enabled, nil
}

func (e *enablableStage) Enable(on bool) error {
	e.emu.Lock()
	defer e.emu.Unlock()
	e.enabled = on
	e.enables = append(e.enables, on)
	return nil
}

type homingStage struct {
	*fakeStage

	hmu   sync.Mutex
	homes int
}

func (h *homingStage) Home(ctx context.Context, timeout time.Duration) error {
	h.hmu.Lock()
	h.homes++
	h.hmu.Unlock()
	h.log.add("home")
	return nil
}

type fakeDAQ struct {
	log *eventLog

	mu         sync.Mutex
	cfg        daq.Config
	configErr  error
	samples    []float64
	acquires   int
	acquireErr map[int]error // by acquisition index
	aborts     int
}

func (f *fakeDAQ) Configure(cfg daq.Config) error {
	f.mu.Lock()
	f.cfg = cfg
	err := f.configErr
	f.mu.Unlock()
	f.log.add("configure")
	return err
}

func (f *fakeDAQ) Acquire(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	idx := f.acquires
	f.acquires++
	err := f.acquireErr[idx]
	samples := append([]float64(nil), f.samples...)
	f.mu.Unlock()
	f.log.add("acquire")
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (f *fakeDAQ) Abort() error {
	f.mu.Lock()
	f.aborts++
	f.mu.Unlock()
	return nil
}

func (f *fakeDAQ) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeDAQ) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func testPlan(points ...float64) Plan {
	pts := make([]angle.User, 0, len(points))
	for _, p := range points {
		pts = append(pts, angle.User(p))
	}
	return Plan{
		Points:          pts,
		SamplesPerPoint: 3,
		SampleRate:      1000,
		SettleTimeout:   time.Second,
	}
}

func collect(s *Session) []Record {
	var recs []Record
	for rec := range s.Stream() {
		recs = append(recs, rec)
	}
	return recs
}

func statuses(recs []Record) []RecordStatus {
	out := make([]RecordStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Status)
	}
	return out
}

func TestSweepVisitsPointsInOrder(t *testing.T) {
	log := &eventLog{}
	motion := &fakeStage{log: log}
	acq := &fakeDAQ{log: log, samples: []float64{1, 2, 3}}
	seq := New(motion, acq)

	sess, err := seq.Run(context.Background(), testPlan(10, 20, 30), nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}
	if diff := cmp.Diff([]angle.Device{-10, -20, -30}, motion.moveTargets()); diff != "" {
		t.Errorf("move targets mismatch (-want +got):\n%s", diff)
	}
	want := []string{
		"configure",
		"move -10", "settle", "acquire",
		"move -20", "settle", "acquire",
		"move -30", "settle", "acquire",
	}
	if diff := cmp.Diff(want, log.snapshot()); diff != "" {
		t.Errorf("port call interleaving mismatch (-want +got):\n%s", diff)
	}

	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Index != i {
			t.Errorf("record %d has index %d", i, rec.Index)
		}
		if rec.Status != StatusOK {
			t.Errorf("record %d status = %v, want ok", i, rec.Status)
		}
		if rec.Value != 2 {
			t.Errorf("record %d value = %v, want 2", i, rec.Value)
		}
		wantAngle := []float64{10, 20, 30}[i]
		if rec.Angle != wantAngle {
			t.Errorf("record %d angle = %v, want %v", i, rec.Angle, wantAngle)
		}
		if rec.DeviceAngle != -wantAngle {
			t.Errorf("record %d device angle = %v, want %v", i, rec.DeviceAngle, -wantAngle)
		}
	}
}

func TestSweepConfiguresAcquisitionFromPlan(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{samples: []float64{1}}
	plan := testPlan(0)
	plan.Channel = 2
	plan.SamplesPerPoint = 7
	plan.SampleRate = 250

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)

	want := daq.Config{Channel: 2, SampleRate: 250, SampleCount: 7}
	if diff := cmp.Diff(want, acq.cfg); diff != "" {
		t.Errorf("acquisition config mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressReportsEachPoint(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{samples: []float64{1}}

	var mu sync.Mutex
	var progress [][2]int
	sess, err := New(motion, acq).Run(context.Background(), testPlan(1, 2, 3, 4), func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)

	want := [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, progress); diff != "" {
		t.Errorf("progress calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateAdjacentPointsMoveTwice(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{samples: []float64{1}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(5, 5), nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if diff := cmp.Diff([]angle.Device{-5, -5}, motion.moveTargets()); diff != "" {
		t.Errorf("move targets mismatch (-want +got):\n%s", diff)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
}

func TestPointFaultContinuesWhenAsked(t *testing.T) {
	motion := &fakeStage{
		settleErr: map[int]error{1: device.New(device.Motion, device.Timeout, "motion not complete")},
	}
	acq := &fakeDAQ{samples: []float64{2}}
	plan := testPlan(1, 2, 3)
	plan.ContinueOnFault = true

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}
	if diff := cmp.Diff([]RecordStatus{StatusOK, StatusFailed, StatusOK}, statuses(recs)); diff != "" {
		t.Errorf("record statuses mismatch (-want +got):\n%s", diff)
	}
	if recs[1].Fault == nil || recs[1].Fault.Kind != device.Timeout {
		t.Errorf("failed record fault = %v, want timeout", recs[1].Fault)
	}
	if recs[1].Samples != nil {
		t.Errorf("failed record has samples %v", recs[1].Samples)
	}
	// acquisition is skipped for the faulted point
	if got := acq.acquireCount(); got != 2 {
		t.Errorf("acquire count = %d, want 2", got)
	}
}

func TestPointFaultEndsSweepByDefault(t *testing.T) {
	motion := &fakeStage{
		settleErr: map[int]error{1: device.New(device.Motion, device.Timeout, "motion not complete")},
	}
	acq := &fakeDAQ{samples: []float64{2}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(1, 2, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Failed {
		t.Fatalf("session state = %v, want failed", got)
	}
	if diff := cmp.Diff([]RecordStatus{StatusOK, StatusFailed}, statuses(recs)); diff != "" {
		t.Errorf("record statuses mismatch (-want +got):\n%s", diff)
	}
	if got := len(motion.moveTargets()); got != 2 {
		t.Errorf("move count = %d, want 2", got)
	}
	if f, ok := device.As(sess.Err()); !ok || f.Kind != device.Timeout {
		t.Errorf("session error = %v, want timeout fault", sess.Err())
	}
}

func TestFatalFaultOverridesContinue(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{
		samples:    []float64{2},
		acquireErr: map[int]error{1: device.New(device.Acquisition, device.CommError, "device dropped")},
	}
	plan := testPlan(1, 2, 3)
	plan.ContinueOnFault = true

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Failed {
		t.Fatalf("session state = %v, want failed", got)
	}
	if diff := cmp.Diff([]RecordStatus{StatusOK, StatusFailed}, statuses(recs)); diff != "" {
		t.Errorf("record statuses mismatch (-want +got):\n%s", diff)
	}
	// no further port traffic after a fatal fault
	if got := len(motion.moveTargets()); got != 2 {
		t.Errorf("move count = %d, want 2", got)
	}
	if f, ok := device.As(sess.Err()); !ok || f.Kind != device.CommError {
		t.Errorf("session error = %v, want comm fault", sess.Err())
	}
}

func TestLimitFaultAlwaysFatal(t *testing.T) {
	motion := &fakeStage{
		moveErr: map[int]error{0: device.New(device.Motion, device.Limit, "target outside travel")},
	}
	acq := &fakeDAQ{samples: []float64{2}}
	plan := testPlan(120, 0)
	plan.ContinueOnFault = true

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Failed {
		t.Fatalf("session state = %v, want failed", got)
	}
	if len(recs) != 1 || recs[0].Status != StatusFailed {
		t.Fatalf("records = %v, want one failed record", recs)
	}
	if got := acq.acquireCount(); got != 0 {
		t.Errorf("acquire count = %d, want 0", got)
	}
}

func TestAbortDuringSettle(t *testing.T) {
	gate := newSettleGate()
	motion := &fakeStage{gates: map[int]*settleGate{1: gate}}
	acq := &fakeDAQ{samples: []float64{1}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(0, 1, 2, 3, 4), nil)
	if err != nil {
		t.Fatal(err)
	}
	recsCh := make(chan []Record, 1)
	go func() { recsCh <- collect(sess) }()

	<-gate.entered // worker is now blocked settling point 1
	sess.Abort()
	recs := <-recsCh

	if got := sess.State(); got != Aborted {
		t.Fatalf("session state = %v, want aborted", got)
	}
	if len(recs) != 1 || recs[0].Index != 0 {
		t.Fatalf("records after abort = %v, want just point 0", recs)
	}
	if got := motion.stopCount(); got != 1 {
		t.Errorf("stage stop count = %d, want 1", got)
	}
	if got := acq.abortCount(); got != 1 {
		t.Errorf("daq abort count = %d, want 1", got)
	}
	// a second abort is a no-op
	sess.Abort()
	if got := motion.stopCount(); got != 1 {
		t.Errorf("stage stop count after second abort = %d, want 1", got)
	}
}

func TestContextCancelAborts(t *testing.T) {
	gate := newSettleGate()
	motion := &fakeStage{gates: map[int]*settleGate{0: gate}}
	acq := &fakeDAQ{samples: []float64{1}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := New(motion, acq).Run(ctx, testPlan(0, 1, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	recsCh := make(chan []Record, 1)
	go func() { recsCh <- collect(sess) }()

	<-gate.entered
	cancel()
	recs := <-recsCh

	if got := sess.State(); got != Aborted {
		t.Fatalf("session state = %v, want aborted", got)
	}
	if len(recs) != 0 {
		t.Fatalf("records after cancel = %v, want none", recs)
	}
	if got := motion.stopCount(); got != 1 {
		t.Errorf("stage stop count = %d, want 1", got)
	}
}

func TestOneSessionAtATime(t *testing.T) {
	gate := newSettleGate()
	motion := &fakeStage{gates: map[int]*settleGate{0: gate}}
	acq := &fakeDAQ{samples: []float64{1}}
	seq := New(motion, acq)

	first, err := seq.Run(context.Background(), testPlan(0, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	recsCh := make(chan []Record, 1)
	go func() { recsCh <- collect(first) }()
	<-gate.entered

	if _, err := seq.Run(context.Background(), testPlan(5), nil); !errors.Is(err, ErrSweepActive) {
		t.Fatalf("second Run error = %v, want ErrSweepActive", err)
	}

	first.Abort()
	<-recsCh

	// the ports are free again once the session is terminal
	second, err := seq.Run(context.Background(), testPlan(5), nil)
	if err != nil {
		t.Fatalf("Run after abort: %v", err)
	}
	if second == first {
		t.Fatal("Run reused the aborted session")
	}
	collect(second)
	if got := second.State(); got != Completed {
		t.Errorf("second session state = %v, want completed", got)
	}
	if got := seq.Session(); got != second {
		t.Error("Session() does not return the latest session")
	}
}

func TestAbortAfterFinishIsNoop(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{samples: []float64{1}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)
	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}

	sess.Abort()
	if got := sess.State(); got != Completed {
		t.Errorf("state after late abort = %v, want completed", got)
	}
	if got := motion.stopCount(); got != 0 {
		t.Errorf("stage stop count = %d, want 0", got)
	}
}

func TestPauseHoldsBetweenPoints(t *testing.T) {
	gate := newSettleGate()
	motion := &fakeStage{gates: map[int]*settleGate{0: gate}}
	acq := &fakeDAQ{samples: []float64{1}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(1, 2, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	<-gate.entered
	// Pause lands while the worker is still inside point 0, so the point
	// completes and the worker holds before point 1.
	sess.Pause()
	close(gate.release)

	first := <-sess.Stream()
	if first.Index != 0 {
		t.Fatalf("first record index = %d", first.Index)
	}

	select {
	case rec := <-sess.Stream():
		t.Fatalf("got record %d while paused", rec.Index)
	case <-time.After(50 * time.Millisecond):
	}
	if !sess.Paused() {
		t.Error("session does not report paused")
	}
	if got := len(motion.moveTargets()); got != 1 {
		t.Errorf("move count while paused = %d, want 1", got)
	}

	sess.Resume()
	var rest []Record
	for rec := range sess.Stream() {
		rest = append(rest, rec)
	}
	if len(rest) != 2 {
		t.Fatalf("got %d records after resume, want 2", len(rest))
	}
	if got := sess.State(); got != Completed {
		t.Errorf("session state = %v, want completed", got)
	}
}

func TestAbortWhilePaused(t *testing.T) {
	gate := newSettleGate()
	motion := &fakeStage{gates: map[int]*settleGate{0: gate}}
	acq := &fakeDAQ{samples: []float64{1}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(1, 2, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	<-gate.entered
	sess.Pause()
	close(gate.release)
	<-sess.Stream()

	sess.Abort()
	for range sess.Stream() {
	}
	if got := sess.State(); got != Aborted {
		t.Errorf("session state = %v, want aborted", got)
	}
	if got := len(sess.Records()); got != 1 {
		t.Errorf("accumulated records = %d, want 1", got)
	}
}

func TestDegradedWhenReadbackFails(t *testing.T) {
	motion := &fakeStage{posErr: device.New(device.Motion, device.CommError, "no reply to position query")}
	acq := &fakeDAQ{samples: []float64{4, 6}}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(10), nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != StatusDegraded {
		t.Errorf("record status = %v, want degraded", rec.Status)
	}
	if rec.Value != 5 {
		t.Errorf("record value = %v, want 5", rec.Value)
	}
	if rec.Fault == nil {
		t.Error("degraded record carries no fault")
	}
	if rec.DeviceAngle != 0 {
		t.Errorf("device angle = %v, want 0 for failed readback", rec.DeviceAngle)
	}
}

func TestConfigureFailureFailsSession(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{configErr: errors.New("range write rejected")}

	sess, err := New(motion, acq).Run(context.Background(), testPlan(1, 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Failed {
		t.Fatalf("session state = %v, want failed", got)
	}
	if len(recs) != 0 {
		t.Errorf("records = %v, want none", recs)
	}
	if got := len(motion.moveTargets()); got != 0 {
		t.Errorf("move count = %d, want 0", got)
	}
	f, ok := device.As(sess.Err())
	if !ok || f.Source != device.Acquisition || f.Kind != device.Unknown {
		t.Errorf("session error = %v, want unclassified acquisition fault", sess.Err())
	}
}

func TestMotorDriveEnabledBeforeSweep(t *testing.T) {
	motion := &enablableStage{fakeStage: &fakeStage{}}
	acq := &fakeDAQ{samples: []float64{1}}
	seq := New(motion, acq)

	sess, err := seq.Run(context.Background(), testPlan(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)

	if diff := cmp.Diff([]bool{true}, motion.enables); diff != "" {
		t.Errorf("enable calls mismatch (-want +got):\n%s", diff)
	}

	// an already-enabled drive is left alone
	sess, err = seq.Run(context.Background(), testPlan(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)
	if diff := cmp.Diff([]bool{true}, motion.enables); diff != "" {
		t.Errorf("enable calls after second sweep mismatch (-want +got):\n%s", diff)
	}
}

func TestHomeFirst(t *testing.T) {
	log := &eventLog{}
	motion := &homingStage{fakeStage: &fakeStage{log: log}}
	acq := &fakeDAQ{log: log, samples: []float64{1}}
	plan := testPlan(15)
	plan.HomeFirst = true

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	collect(sess)

	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}
	want := []string{"configure", "home", "move -15", "settle", "acquire"}
	if diff := cmp.Diff(want, log.snapshot()); diff != "" {
		t.Errorf("port call interleaving mismatch (-want +got):\n%s", diff)
	}
}

func TestHomeFirstWithoutHomerStillSweeps(t *testing.T) {
	motion := &fakeStage{}
	acq := &fakeDAQ{samples: []float64{1}}
	plan := testPlan(15)
	plan.HomeFirst = true

	sess, err := New(motion, acq).Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := collect(sess)

	if got := sess.State(); got != Completed {
		t.Fatalf("session state = %v, want completed", got)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want 1", len(recs))
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	seq := New(&fakeStage{}, &fakeDAQ{})
	if _, err := seq.Run(context.Background(), Plan{}, nil); err == nil {
		t.Fatal("Run accepted an empty plan")
	}
}
