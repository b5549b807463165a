package esp300

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Simulator speaks the controller's command dialect over an in-memory
// pipe: absolute moves with a constant-velocity servo, the motion
// status byte, motor power, home searches, stop, and the error buffer.
// Only axis 1 carries a stage, like the bench unit.
type Simulator struct {
	conn net.Conn

	// velocity is the servo speed in degrees per second. Tests crank it
	// up so moves land within one step.
	velocity float64
	stepSize time.Duration

	mu      sync.Mutex
	pos     float64
	target  float64
	enabled bool
	errCode int
	errMsg  string
}

// NewSimulator returns a simulator and the client end of its pipe. Run
// must be started for the simulator to answer.
func NewSimulator() (*Simulator, net.Conn) {
	client, server := net.Pipe()
	return &Simulator{
		conn:     server,
		velocity: 40,
		stepSize: 25 * time.Millisecond,
		errMsg:   "NO ERROR",
	}, client
}

// Run services the pipe until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.stepSize)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.step(s.stepSize.Seconds())
			}
		}
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(s.conn)
		for scanner.Scan() {
			reply := s.handle(strings.TrimSpace(scanner.Text()))
			if reply == "" {
				continue
			}
			if _, err := fmt.Fprintf(s.conn, "%s\r\n", reply); err != nil {
				return err
			}
		}
		return scanner.Err()
	})
	return g.Wait()
}

// step advances the servo toward its target. A powered-off motor holds
// position.
func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	delta := s.target - s.pos
	maxStep := s.velocity * dt
	switch {
	case math.Abs(delta) <= maxStep:
		s.pos = s.target
	case delta > 0:
		s.pos += maxStep
	default:
		s.pos -= maxStep
	}
}

var cmdRE = regexp.MustCompile(`^(\d*)([A-Za-z]{2})(\??)\s*(.*)$`)

// handle parses one command line and returns the reply, or "" for
// commands the controller does not answer.
func (s *Simulator) handle(line string) string {
	m := cmdRE.FindStringSubmatch(line)
	if m == nil {
		s.setError(6, "COMMAND DOES NOT EXIST")
		return ""
	}
	axis := 0
	if m[1] != "" {
		axis, _ = strconv.Atoi(m[1])
	}
	cmd := strings.ToUpper(m[2])
	query := m[3] == "?"
	arg := strings.TrimSpace(m[4])

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cmd == "TS":
		status := 0
		if s.pos != s.target {
			status |= 1 // axis 1 busy
		}
		return strconv.Itoa(status)
	case cmd == "TB":
		return fmt.Sprintf("%d, 0, %s", s.errCode, s.errMsg)
	case axis != 1:
		if cmd == "ID" && query {
			return "Unknown"
		}
		s.setErrorLocked(37, "AXIS NUMBER OUT OF RANGE")
		return ""
	case cmd == "ID" && query:
		return "URS100BCC"
	case cmd == "PA" && query:
		return strconv.FormatFloat(s.pos, 'f', 4, 64)
	case cmd == "PA":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			s.setErrorLocked(7, "PARAMETER OUT OF RANGE")
			return ""
		}
		if !s.enabled {
			s.setErrorLocked(110, "AXIS-1 MOTOR NOT ON")
			return ""
		}
		s.target = v
		return ""
	case cmd == "MO" && query:
		if s.enabled {
			return "1"
		}
		return "0"
	case cmd == "MO":
		s.enabled = true
		return ""
	case cmd == "MF":
		s.enabled = false
		return ""
	case cmd == "OR":
		if !s.enabled {
			s.setErrorLocked(110, "AXIS-1 MOTOR NOT ON")
			return ""
		}
		// the home search runs the axis to its index at 0
		s.target = 0
		return ""
	case cmd == "ST":
		s.target = s.pos
		return ""
	}
	s.setErrorLocked(6, "COMMAND DOES NOT EXIST")
	return ""
}

func (s *Simulator) setError(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(code, msg)
}

func (s *Simulator) setErrorLocked(code int, msg string) {
	s.errCode = code
	s.errMsg = msg
}

// state returns the servo position and target, for tests.
func (s *Simulator) state() (pos, target float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.target
}
