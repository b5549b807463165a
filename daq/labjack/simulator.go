package labjack

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Simulator answers the slice of Modbus TCP the device dialect uses:
// float32 analog inputs at 2*channel readable with function 3 or 4, and
// float32 range registers at 40000+2*channel writable with function 16.
// Unknown functions and addresses get Modbus exceptions, like the real
// unit.
type Simulator struct {
	lis net.Listener

	mu      sync.Mutex
	volts   map[int]float64
	ranges  map[int]float64
	latency time.Duration
}

// NewSimulator listens on an ephemeral localhost port. Run must be
// called to service connections.
func NewSimulator() (*Simulator, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Simulator{
		lis:    lis,
		volts:  make(map[int]float64),
		ranges: make(map[int]float64),
	}, nil
}

// Addr is the host:port the simulator listens on.
func (s *Simulator) Addr() string {
	return s.lis.Addr().String()
}

// SetVoltage pins the reading of an analog input channel.
func (s *Simulator) SetVoltage(channel int, volts float64) {
	s.mu.Lock()
	s.volts[channel] = volts
	s.mu.Unlock()
}

// Range reports the last range written for a channel, or the power-on
// default.
func (s *Simulator) Range(channel int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ranges[channel]; ok {
		return r
	}
	return defaultRange
}

// SetLatency delays every reply, standing in for a slow network link.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// Run accepts connections until ctx is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.lis.Close()
	})
	g.Go(func() error {
		for {
			conn, err := s.lis.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			go s.serve(ctx, conn)
		}
	})
	return g.Wait()
}

// serve handles one connection. Frames are MBAP: transaction and
// protocol IDs, a length covering unit ID plus PDU, then the PDU.
func (s *Simulator) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 || length > 254 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		s.mu.Lock()
		latency := s.latency
		s.mu.Unlock()
		if latency > 0 {
			time.Sleep(latency)
		}

		resp := s.handle(pdu)
		frame := make([]byte, 7+len(resp))
		copy(frame, header[:4])
		binary.BigEndian.PutUint16(frame[4:6], uint16(len(resp)+1))
		frame[6] = header[6]
		copy(frame[7:], resp)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *Simulator) handle(pdu []byte) []byte {
	if len(pdu) == 0 {
		return nil
	}
	fc := pdu[0]
	switch fc {
	case 3, 4: // read holding / input registers
		if len(pdu) < 5 {
			return exception(fc, 3)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		if count == 0 || count > 125 {
			return exception(fc, 3)
		}
		resp := make([]byte, 2+2*count)
		resp[0] = fc
		resp[1] = byte(2 * count)
		for i := uint16(0); i < count; i++ {
			binary.BigEndian.PutUint16(resp[2+2*i:], s.word(addr+i))
		}
		return resp

	case 16: // write multiple registers
		if len(pdu) < 6 {
			return exception(fc, 3)
		}
		addr := binary.BigEndian.Uint16(pdu[1:3])
		count := binary.BigEndian.Uint16(pdu[3:5])
		if int(pdu[5]) != 2*int(count) || len(pdu) < 6+int(pdu[5]) {
			return exception(fc, 3)
		}
		if addr < rangeBase || count%2 != 0 {
			return exception(fc, 2)
		}
		s.mu.Lock()
		for i := uint16(0); i < count; i += 2 {
			bits := binary.BigEndian.Uint32(pdu[6+2*i:])
			channel := int(addr-rangeBase+i) / 2
			s.ranges[channel] = float64(math.Float32frombits(bits))
		}
		s.mu.Unlock()
		resp := make([]byte, 5)
		copy(resp, pdu[:5])
		return resp

	default:
		return exception(fc, 1)
	}
}

// word resolves one register of a big-endian float32 pair.
func (s *Simulator) word(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value float64
	var offset uint16
	if addr >= rangeBase {
		offset = addr - rangeBase
		value = defaultRange
		if r, ok := s.ranges[int(offset)/2]; ok {
			value = r
		}
	} else {
		offset = addr
		value = s.volts[int(offset)/2]
	}

	bits := math.Float32bits(float32(value))
	if offset%2 == 0 {
		return uint16(bits >> 16)
	}
	return uint16(bits)
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}
