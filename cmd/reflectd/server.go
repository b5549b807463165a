package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbiselx/reflectance-measure/angle"
	"github.com/mbiselx/reflectance-measure/daq"
	"github.com/mbiselx/reflectance-measure/stage"
	"github.com/mbiselx/reflectance-measure/sweep"
)

// SweepStatus summarizes the current or most recent session.
type SweepStatus struct {
	State string `json:"state"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Error string `json:"error,omitempty"`
}

// Status is the combined bench snapshot pushed to clients.
type Status struct {
	Stage stage.Status `json:"stage"`
	DAQ   daq.Status   `json:"daq"`
	Sweep SweepStatus  `json:"sweep"`
}

// Message is the envelope for everything the daemon pushes over a
// websocket: "status" snapshots and sweep "record"s.
type Message struct {
	Type   string        `json:"type"`
	Status *Status       `json:"status,omitempty"`
	Record *sweep.Record `json:"record,omitempty"`
}

// Command is a request from a websocket client. Angles are in the
// operator convention, degrees.
type Command struct {
	Command string `json:"command"`

	// start_sweep
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	Step            float64 `json:"step"`
	Samples         int     `json:"samples"`
	Rate            float64 `json:"rate"`
	SettleTime      float64 `json:"settle_time"`
	Averaging       string  `json:"averaging"`
	ContinueOnFault bool    `json:"continue_on_fault"`
	HomeFirst       bool    `json:"home_first"`

	// move
	Position float64 `json:"position"`
}

type Server struct {
	// ctx is the daemon lifetime; it parents every sweep session.
	ctx     context.Context
	channel int

	mu     sync.Mutex
	seq    *sweep.Sequencer
	motion stage.Controller

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
	records    []sweep.Record
	version    int
}

func NewServer(ctx context.Context, channel int) *Server {
	s := &Server{ctx: ctx, channel: channel}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	s.status.Sweep.State = "idle"
	// Wake the websocket writers when the daemon shuts down.
	go func() {
		<-ctx.Done()
		s.statusCond.Broadcast()
	}()
	return s
}

// Bind attaches the instrument ports once they are open. Must be called
// before the HTTP handlers are served.
func (s *Server) Bind(motion stage.Controller, acq daq.Acquirer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motion = motion
	s.seq = sweep.New(motion, acq)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				break
			}
			s.dispatch(msg)
		}
	}()

	// The writer parks in cond.Wait; a broadcast gets it to notice the
	// connection is gone.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
			cancel()
		}
		s.statusCond.Broadcast()
	}()

	fw := s.watch()
	for {
		msgs := fw.next(ctx)
		if msgs == nil {
			return
		}
		for _, m := range msgs {
			if err := conn.WriteJSON(m); err != nil {
				log.Print(err)
				return
			}
		}
	}
}

// dispatch executes one client command. Commands are serialized; errors
// are logged, not returned, the client sees their effect in the status
// feed.
func (s *Server) dispatch(msg Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Command {
	case "start_sweep":
		avg, err := sweep.ParseAveraging(msg.Averaging)
		if err != nil {
			log.Printf("start_sweep: %v", err)
			return
		}
		plan := sweep.Plan{
			Points:          sweep.PointsBetween(msg.Start, msg.End, msg.Step),
			SettleTime:      time.Duration(msg.SettleTime * float64(time.Second)),
			SamplesPerPoint: msg.Samples,
			SampleRate:      msg.Rate,
			Channel:         s.channel,
			Averaging:       avg,
			ContinueOnFault: msg.ContinueOnFault,
			HomeFirst:       msg.HomeFirst,
		}
		if plan.SamplesPerPoint == 0 {
			plan.SamplesPerPoint = 10
		}
		if plan.SampleRate == 0 {
			plan.SampleRate = 100
		}
		s.startSweep(plan)

	case "measure":
		// One point at the current angle, through the same machinery as
		// a sweep so the result arrives as a record.
		pos, err := s.motion.Position()
		if err != nil {
			log.Printf("measure: %v", err)
			return
		}
		plan := sweep.Plan{
			Points:          []angle.User{pos.User()},
			SamplesPerPoint: msg.Samples,
			SampleRate:      msg.Rate,
			Channel:         s.channel,
		}
		if plan.SamplesPerPoint == 0 {
			plan.SamplesPerPoint = 10
		}
		if plan.SampleRate == 0 {
			plan.SampleRate = 100
		}
		s.startSweep(plan)

	case "move":
		if sess := s.seq.Session(); sess != nil && sess.Active() {
			log.Print("move: refused, sweep active")
			return
		}
		if err := s.motion.MoveTo(angle.User(msg.Position).Device()); err != nil {
			log.Printf("move: %v", err)
		}

	case "stop":
		s.seq.Abort()
		if err := s.motion.Stop(); err != nil {
			log.Printf("stop: %v", err)
		}

	case "abort":
		s.seq.Abort()

	default:
		log.Printf("unknown command %q", msg.Command)
	}
}

func (s *Server) startSweep(plan sweep.Plan) {
	sess, err := s.seq.Run(s.ctx, plan, s.progress)
	if err != nil {
		log.Printf("start_sweep: %v", err)
		return
	}
	s.statusMu.Lock()
	s.records = nil
	s.status.Sweep = SweepStatus{State: sweep.Running.String(), Total: len(plan.Points)}
	s.bumpLocked()
	s.statusMu.Unlock()
	go s.drain(sess)
}

// drain forwards a session's records to the watchers and publishes the
// terminal state once the stream closes.
func (s *Server) drain(sess *sweep.Session) {
	for rec := range sess.Stream() {
		s.addRecord(rec)
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Sweep.State = sess.State().String()
	if err := sess.Err(); err != nil {
		s.status.Sweep.Error = err.Error()
	}
	s.bumpLocked()
}

// StageStatus is a stage.StatusCallback.
func (s *Server) StageStatus(st stage.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Stage = st
	s.bumpLocked()
}

// DAQStatus is a daq.StatusCallback.
func (s *Server) DAQStatus(st daq.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.DAQ = st
	s.bumpLocked()
}

func (s *Server) progress(done, total int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Sweep.Done = done
	s.status.Sweep.Total = total
	s.bumpLocked()
}

func (s *Server) addRecord(rec sweep.Record) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.records = append(s.records, rec)
	s.bumpLocked()
}

// bumpLocked wakes every watcher. Callers hold statusMu for writing.
func (s *Server) bumpLocked() {
	s.version++
	s.statusCond.Broadcast()
}

// watcher follows the server's published versions, delivering each
// record exactly once plus the freshest status.
type watcher struct {
	s       *Server
	version int
	sent    int
}

func (s *Server) watch() *watcher {
	return &watcher{s: s, version: -1}
}

// next blocks until something changed since the last call, then returns
// the unsent records followed by a status snapshot. It returns nil once
// ctx ends.
func (w *watcher) next(ctx context.Context) []Message {
	w.s.statusMu.RLock()
	defer w.s.statusMu.RUnlock()
	for w.s.version <= w.version {
		if ctx.Err() != nil {
			return nil
		}
		w.s.statusCond.Wait()
	}
	w.version = w.s.version

	// records reset when a new sweep starts
	if w.sent > len(w.s.records) {
		w.sent = 0
	}
	var msgs []Message
	for _, rec := range w.s.records[w.sent:] {
		rec := rec
		msgs = append(msgs, Message{Type: "record", Record: &rec})
	}
	w.sent = len(w.s.records)

	status := w.s.status
	msgs = append(msgs, Message{Type: "status", Status: &status})
	return msgs
}
