/*Package comm provides a terminated, request-response link to lab hardware
over a serial port or TCP.

A Link is opened once and kept for the life of the task that uses it; every
exchange is a single write of a terminated command followed by a read up to
the reply terminator.

	l := comm.NewLink("/dev/ttyUSB0", comm.SerialDialer(comm.SerialConf("/dev/ttyUSB0", 115200)))
	if err := l.Open(); err != nil {
		return err
	}
	defer l.Close()
	resp, err := l.SendRecv([]byte("RUN"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/octsync/util"
)

// Terminator is the default transmit and receive termination byte
const Terminator = byte('\r')

var (
	// ErrNotConnected is generated when Send or Recv is called on a closed link
	ErrNotConnected = errors.New("link is not open")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Dialer opens a new connection to the remote
type Dialer func() (io.ReadWriteCloser, error)

// SerialConf makes an 8N1 serial config with a one second read timeout
func SerialConf(port string, baud int) *serial.Config {
	return &serial.Config{
		Name:        port,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// SerialDialer opens the serial port described by conf
func SerialDialer(conf *serial.Config) Dialer {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPDialer connects to addr with the given connect timeout
func TCPDialer(addr string, timeout time.Duration) Dialer {
	return func() (io.ReadWriteCloser, error) {
		return util.TCPSetup(addr, timeout)
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Link is a concurrent-safe, terminated command link.  Commands are
// serialized; a reply is always read before the next command is sent.
type Link struct {
	// Addr is used in errors only
	Addr string

	// Timeout bounds each exchange on connections that support deadlines
	Timeout time.Duration

	// Patience bounds the total time spent retrying Open
	Patience time.Duration

	TxTerminator byte
	RxTerminator byte

	dial Dialer

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewLink returns a closed link to addr using dial
func NewLink(addr string, dial Dialer) *Link {
	return &Link{
		Addr:         addr,
		Timeout:      3 * time.Second,
		Patience:     3 * time.Second,
		TxTerminator: Terminator,
		RxTerminator: Terminator,
		dial:         dial}
}

// Open connects, retrying with exponential backoff until Patience has
// elapsed.  Opening an open link is a no-op.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := l.dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	// the serial pulse generators do not like being connection thrashed
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      l.Patience,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", l.Addr, err)
	}
	l.conn = conn
	l.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection.  Closing a closed link is a no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.rd = nil
	return err
}

// Connected is true between Open and Close
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// SendRecv sends b after appending the Tx terminator, then returns the
// response with the Rx terminator stripped
func (l *Link) SendRecv(b []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, ErrNotConnected
	}
	if d, ok := l.conn.(deadliner); ok && l.Timeout > 0 {
		d.SetDeadline(time.Now().Add(l.Timeout))
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, l.TxTerminator)
	if _, err := l.conn.Write(msg); err != nil {
		return nil, err
	}
	buf, err := l.rd.ReadBytes(l.RxTerminator)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{l.RxTerminator}), nil
}
