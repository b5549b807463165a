// Package esp300 drives one axis of a Newport ESP300-series motion
// controller over its serial command protocol. Commands are short ASCII
// lines ("1PA-45.0000" moves axis 1); queries end in a reply line from
// the controller. Replies to frequent queries are cached briefly so
// that settle polling and status polling do not double the traffic.
package esp300

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/device"
	"github.com/mbiselx/reflectance-measure/stage"
)

// ErrNotConnected is returned while the serial port is down. Operations
// wrap it in a comm fault.
var ErrNotConnected = errors.New("esp300: not connected")

// Config describes one controller axis.
type Config struct {
	// Port is the serial port name, such as /dev/ttyUSB0 or COM3. Leave
	// empty when handing an existing transport to New.
	Port string
	// Baud defaults to 19200, the controller's factory setting.
	Baud int
	// Axis is the controller axis number, 1 to 3. Defaults to 1.
	Axis int
	// Travel bounds accepted targets in the device frame. The zero value
	// means no bounds.
	Travel stage.TravelRange
	// PollInterval between motion-complete queries. Defaults to 100ms.
	PollInterval time.Duration
	// StatusInterval between status pushes. Defaults to 500ms.
	StatusInterval time.Duration
	// CacheValidity is how long query replies stay fresh. Defaults to
	// 100ms; negative disables caching.
	CacheValidity time.Duration
	// ReplyTimeout bounds the wait for a reply line. Defaults to 1s.
	ReplyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 19200
	}
	if c.Axis == 0 {
		c.Axis = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 500 * time.Millisecond
	}
	switch {
	case c.CacheValidity < 0:
		c.CacheValidity = 0
	case c.CacheValidity == 0:
		c.CacheValidity = 100 * time.Millisecond
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = time.Second
	}
	return c
}

type cachedReply struct {
	val string
	at  time.Time
}

// Stage is one rotary axis. It implements stage.Controller plus the
// Enabler and Homer capabilities.
type Stage struct {
	cfg Config
	cb  stage.StatusCallback

	// mu serializes command/reply transactions on the wire.
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	replies chan string
	cache   map[string]cachedReply
}

// New wraps an existing transport, typically a simulator pipe. The
// stage does not reconnect when conn fails.
func New(ctx context.Context, conn io.ReadWriteCloser, cfg Config, cb stage.StatusCallback) *Stage {
	s := &Stage{cfg: cfg.withDefaults(), cb: cb}
	s.attach(conn)
	go s.statusLoop(ctx)
	return s
}

// Connect opens the configured serial port and verifies that the axis
// answers. The stage reopens the port by itself if it drops later.
func Connect(ctx context.Context, cfg Config, cb stage.StatusCallback) (*Stage, error) {
	cfg = cfg.withDefaults()
	if cfg.Port == "" {
		return nil, errors.New("esp300: no port configured")
	}
	s := &Stage{cfg: cfg, cb: cb}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	go s.statusLoop(ctx)
	return s, nil
}

func (s *Stage) reopen() error {
	port, err := serial.OpenPort(&serial.Config{Name: s.cfg.Port, Baud: s.cfg.Baud})
	if err != nil {
		return fmt.Errorf("esp300: opening %s: %w", s.cfg.Port, err)
	}
	s.attach(port)
	if err := s.probeAxis(); err != nil {
		s.mu.Lock()
		s.conn.Close()
		s.conn = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Stage) attach(conn io.ReadWriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.replies = make(chan string, 4)
	s.cache = make(map[string]cachedReply)
	go readLoop(conn, s.replies)
}

// readLoop owns all reads from one connection and closes the reply
// channel when the connection dies.
func readLoop(conn io.Reader, replies chan<- string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		replies <- scanner.Text()
	}
	close(replies)
}

func (s *Stage) probeAxis() error {
	id, err := s.transact(fmt.Sprintf("%dID?", s.cfg.Axis))
	if err != nil {
		return fmt.Errorf("esp300: querying axis %d: %w", s.cfg.Axis, err)
	}
	if strings.EqualFold(id, "unknown") {
		return fmt.Errorf("esp300: controller reports no stage on axis %d", s.cfg.Axis)
	}
	return nil
}

// Connected reports whether the serial link is up.
func (s *Stage) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Stage) transact(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactLocked(cmd)
}

// transactLocked writes one query and waits for its reply line. Stale
// replies orphaned by an earlier timeout are flushed first so queries
// and replies cannot pair up wrong.
func (s *Stage) transactLocked(cmd string) (string, error) {
	if s.conn == nil {
		return "", ErrNotConnected
	}
	for drained := false; !drained; {
		select {
		case _, ok := <-s.replies:
			if !ok {
				s.dropLocked(errors.New("read side closed"))
				return "", ErrNotConnected
			}
		default:
			drained = true
		}
	}
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", cmd); err != nil {
		s.dropLocked(err)
		return "", fmt.Errorf("esp300: writing %q: %w", cmd, err)
	}
	select {
	case line, ok := <-s.replies:
		if !ok {
			s.dropLocked(errors.New("connection closed"))
			return "", ErrNotConnected
		}
		return strings.TrimSpace(line), nil
	case <-time.After(s.cfg.ReplyTimeout):
		return "", fmt.Errorf("esp300: no reply to %q within %s", cmd, s.cfg.ReplyTimeout)
	}
}

// sendLocked writes one command that the controller does not answer.
func (s *Stage) sendLocked(cmd string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", cmd); err != nil {
		s.dropLocked(err)
		return fmt.Errorf("esp300: writing %q: %w", cmd, err)
	}
	return nil
}

func (s *Stage) dropLocked(err error) {
	if s.conn == nil {
		return
	}
	log.Printf("esp300: connection lost: %v", err)
	s.conn.Close()
	s.conn = nil
}

// cachedQuery answers from the reply cache when the entry is still
// fresh, matching the controller's own update rate.
func (s *Stage) cachedQuery(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.CacheValidity > 0 {
		if e, ok := s.cache[cmd]; ok && time.Since(e.at) < s.cfg.CacheValidity {
			return e.val, nil
		}
	}
	val, err := s.transactLocked(cmd)
	if err == nil && s.cfg.CacheValidity > 0 {
		s.cache[cmd] = cachedReply{val: val, at: time.Now()}
	}
	return val, err
}

func (s *Stage) invalidateLocked(cmds ...string) {
	for _, cmd := range cmds {
		delete(s.cache, cmd)
	}
}

func (s *Stage) posQuery() string    { return fmt.Sprintf("%dPA?", s.cfg.Axis) }
func (s *Stage) enableQuery() string { return fmt.Sprintf("%dMO?", s.cfg.Axis) }

// MoveTo commands an absolute move. Targets outside the travel range
// fail with a limit fault before anything reaches the wire.
func (s *Stage) MoveTo(target angle.Device) error {
	if s.cfg.Travel != (stage.TravelRange{}) && !s.cfg.Travel.Contains(target) {
		return device.New(device.Motion, device.Limit,
			fmt.Sprintf("target %.4f outside travel [%.4f, %.4f]",
				target.Degrees(), s.cfg.Travel.Min.Degrees(), s.cfg.Travel.Max.Degrees()))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendLocked(fmt.Sprintf("%dPA%.4f", s.cfg.Axis, target.Degrees())); err != nil {
		return device.Wrap(device.Motion, device.CommError, "sending move command", err)
	}
	s.invalidateLocked("TS", s.posQuery())
	return nil
}

// Settled reports whether the axis has finished its last motion.
func (s *Stage) Settled() (bool, error) {
	busy, err := s.busy()
	return !busy, err
}

// busy reads the controller's status byte; bit axis-1 is set while the
// axis is still executing a motion.
func (s *Stage) busy() (bool, error) {
	reply, err := s.cachedQuery("TS")
	if err != nil {
		return false, device.Wrap(device.Motion, device.CommError, "querying motion status", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || v < 0 || v > 255 {
		return false, device.New(device.Motion, device.CommError,
			fmt.Sprintf("unparseable status byte %q", reply))
	}
	return v>>(uint(s.cfg.Axis)-1)&1 == 1, nil
}

// WaitSettled polls the axis until motion completes. On timeout it asks
// the controller for its last error so the fault says why the axis
// never settled.
func (s *Stage) WaitSettled(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		settled, err := s.Settled()
		if err != nil {
			return err
		}
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			detail := fmt.Sprintf("motion not complete after %s", timeout)
			if code, msg, err := s.lastError(); err == nil && code != 0 {
				detail = fmt.Sprintf("%s; controller error %d: %s", detail, code, msg)
			}
			return device.New(device.Motion, device.Timeout, detail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// lastError reads the controller's error buffer: "code, timestamp,
// message".
func (s *Stage) lastError() (int, string, error) {
	reply, err := s.cachedQuery("TB")
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(reply, ",", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("esp300: unparseable error buffer %q", reply)
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("esp300: unparseable error code in %q", reply)
	}
	return code, strings.TrimSpace(parts[2]), nil
}

// Position reads back the current device-frame angle.
func (s *Stage) Position() (angle.Device, error) {
	reply, err := s.cachedQuery(s.posQuery())
	if err != nil {
		return 0, device.Wrap(device.Motion, device.CommError, "querying position", err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, device.New(device.Motion, device.CommError,
			fmt.Sprintf("unparseable position %q", reply))
	}
	return angle.Device(f), nil
}

// Stop halts motion immediately. It is safe at any time.
func (s *Stage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendLocked(fmt.Sprintf("%dST", s.cfg.Axis)); err != nil {
		return device.Wrap(device.Motion, device.CommError, "sending stop", err)
	}
	s.invalidateLocked("TS", s.posQuery())
	return nil
}

// Enabled reports whether the motor drive is powered.
func (s *Stage) Enabled() (bool, error) {
	reply, err := s.cachedQuery(s.enableQuery())
	if err != nil {
		return false, device.Wrap(device.Motion, device.CommError, "querying motor state", err)
	}
	return strings.TrimSpace(reply) == "1", nil
}

// Enable powers the motor drive on or off.
func (s *Stage) Enable(on bool) error {
	cmd := fmt.Sprintf("%dMF", s.cfg.Axis)
	if on {
		cmd = fmt.Sprintf("%dMO", s.cfg.Axis)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendLocked(cmd); err != nil {
		return device.Wrap(device.Motion, device.CommError, "switching motor drive", err)
	}
	s.invalidateLocked(s.enableQuery())
	return nil
}

// Home starts a home search and waits for it to complete. The axis ends
// up at its index position.
func (s *Stage) Home(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	err := s.sendLocked(fmt.Sprintf("%dOR", s.cfg.Axis))
	if err == nil {
		s.invalidateLocked("TS", s.posQuery())
	}
	s.mu.Unlock()
	if err != nil {
		return device.Wrap(device.Motion, device.CommError, "sending home search", err)
	}
	return s.WaitSettled(ctx, timeout)
}

// statusLoop pushes periodic snapshots to the status callback and, when
// a serial port is configured, reopens it after a drop.
func (s *Stage) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
		}
		if !s.Connected() {
			if s.cfg.Port == "" {
				s.notify(stage.Status{})
				continue
			}
			if err := s.reopen(); err != nil {
				log.Printf("esp300: reconnecting to %s: %v", s.cfg.Port, err)
				s.notify(stage.Status{})
				continue
			}
			log.Printf("esp300: reconnected to %s", s.cfg.Port)
		}
		s.notify(s.snapshot())
	}
}

// snapshot gathers a best-effort status; fields stay zero for queries
// that fail mid-drop.
func (s *Stage) snapshot() stage.Status {
	var st stage.Status
	st.Connected = s.Connected()
	if !st.Connected {
		return st
	}
	if pos, err := s.Position(); err == nil {
		st.Position = pos.Degrees()
	}
	if busy, err := s.busy(); err == nil {
		st.Moving = busy
	}
	if on, err := s.Enabled(); err == nil {
		st.Enabled = on
	}
	if code, msg, err := s.lastError(); err == nil && code != 0 {
		st.ErrorCode = code
		st.ErrorMessage = msg
	}
	return st
}

func (s *Stage) notify(st stage.Status) {
	if s.cb != nil {
		s.cb(st)
	}
}
