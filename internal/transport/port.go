package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Default settings.
const (
	// DefaultBaudRate matches the DALI bridge firmware.
	DefaultBaudRate = 9600

	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 2 * time.Second

	// serialPollTimeout lets the serial reader notice a close.
	serialPollTimeout = 200 * time.Millisecond

	readBufferSize = 256

	// maxPending caps buffered receive data nobody has picked up.
	maxPending = 4096
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// OpenFunc opens the connection for an endpoint.
type OpenFunc func(ctx context.Context, ep Endpoint, baud int) (io.ReadWriteCloser, error)

// Config holds port configuration.
type Config struct {
	// Connection is the device path or proxy address, see package docs.
	Connection string

	// DefaultPort is used for proxy addresses without a port.
	DefaultPort int

	// BaudRate for serial devices. Default: 9600.
	BaudRate int

	// ConnectTimeout bounds opening the port. Default: 5 seconds.
	ConnectTimeout time.Duration

	// IdleTimeout closes the port after this long without traffic.
	// Zero keeps the port open.
	IdleTimeout time.Duration

	// Open replaces the default opener, mainly for tests.
	Open OpenFunc

	// Logger is optional.
	Logger Logger
}

// Stats holds port counters.
type Stats struct {
	BytesTx      uint64
	BytesRx      uint64
	BytesDropped uint64
	Opens        uint64
	Errors       uint64
	Connected    bool
	LastActivity time.Time
}

// Port is a lazily opened byte-stream connection.
type Port struct {
	cfg      Config
	endpoint Endpoint
	open     OpenFunc
	logger   Logger

	mu       sync.Mutex
	conn     *connection
	pending  []byte
	readErr  error
	notify   func()
	closed   bool
	opening  bool
	openErr  error
	lastUsed time.Time

	bytesTx      atomic.Uint64
	bytesRx      atomic.Uint64
	bytesDropped atomic.Uint64
	opens        atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

// connection is one opened instance of the port with its reader.
type connection struct {
	rw   io.ReadWriteCloser
	done chan struct{}
	wg   sync.WaitGroup
}

// New validates cfg and creates a closed port.
func New(cfg Config) (*Port, error) {
	ep, err := ParseConnection(cfg.Connection, cfg.DefaultPort)
	if err != nil {
		return nil, err
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if ep.BaudRate > 0 {
		cfg.BaudRate = ep.BaudRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	open := cfg.Open
	if open == nil {
		open = defaultOpen
	}
	return &Port{
		cfg:      cfg,
		endpoint: ep,
		open:     open,
		logger:   cfg.Logger,
	}, nil
}

// Endpoint returns the parsed connection string.
func (p *Port) Endpoint() Endpoint { return p.endpoint }

// SetNotify sets the function called from the reader goroutine when data
// or a read error is available.
func (p *Port) SetNotify(fn func()) {
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
}

// IsOpen reports whether the connection is currently open.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Open opens the connection if it is not open yet. The device or proxy is
// opened without holding the port lock, so Transmit and Receive stay
// responsive while a slow proxy is dialled.
func (p *Port) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	rw, err := p.open(ctx, p.endpoint, p.cfg.BaudRate)
	if err != nil {
		p.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrOpenFailed, p.endpoint, err)
	}

	p.mu.Lock()
	if p.closed || p.conn != nil {
		closed := p.closed
		p.mu.Unlock()
		rw.Close()
		if closed {
			return ErrClosed
		}
		return nil
	}
	c := &connection{rw: rw, done: make(chan struct{})}
	p.conn = c
	p.readErr = nil
	p.openErr = nil
	p.lastUsed = time.Now()
	p.opens.Add(1)
	p.touch()
	c.wg.Add(1)
	go p.readLoop(c)
	p.mu.Unlock()

	p.logInfo("port opened", "connection", p.endpoint.String(), "baud", p.cfg.BaudRate)
	return nil
}

// openInBackground starts an Open unless one is running. Called with p.mu
// held. The outcome of a failed attempt is kept for the next Transmit.
func (p *Port) openInBackground() {
	if p.opening {
		return
	}
	p.opening = true
	go func() {
		err := p.Open(context.Background())
		p.mu.Lock()
		p.opening = false
		if err != nil && !errors.Is(err, ErrClosed) {
			p.openErr = err
		}
		p.mu.Unlock()
		if err != nil {
			p.logError("open failed", err)
		}
	}()
}

// Transmit writes b. It never waits for the port to open: on a closed port
// it starts opening it in the background and returns ErrNotOpen. The
// failure of a background open is returned by the following call.
func (p *Port) Transmit(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	c := p.conn
	if c == nil {
		if err := p.openErr; err != nil {
			p.openErr = nil
			p.mu.Unlock()
			return 0, err
		}
		p.openInBackground()
		p.mu.Unlock()
		return 0, ErrNotOpen
	}
	p.lastUsed = time.Now()
	p.mu.Unlock()

	if d, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	}

	n, err := c.rw.Write(b)
	p.bytesTx.Add(uint64(n))
	p.touch()
	if err != nil {
		p.errorsTotal.Add(1)
		p.logError("write failed", err)
		if p.detach(c) {
			go p.shutdown(c) //nolint:errcheck // write error already reported
		}
		return n, err
	}
	return n, nil
}

// Receive copies buffered received bytes into b without blocking.
// A read error of the connection is returned once, after its data.
func (p *Port) Receive(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
		if p.readErr != nil {
			err := p.readErr
			p.readErr = nil
			return n, err
		}
	}
	return n, nil
}

// Buffered returns the number of received bytes not yet picked up.
func (p *Port) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// CloseIfIdle closes the connection when it has been unused for the idle
// timeout at now. It reports whether the port was closed.
func (p *Port) CloseIfIdle(now time.Time) bool {
	if p.cfg.IdleTimeout <= 0 {
		return false
	}
	p.mu.Lock()
	c := p.conn
	idle := c != nil && now.Sub(p.lastUsed) >= p.cfg.IdleTimeout
	p.mu.Unlock()

	if !idle {
		return false
	}
	if !p.detach(c) {
		return false
	}
	p.logDebug("closing idle port", "connection", p.endpoint.String(), "idle_timeout", p.cfg.IdleTimeout.String())
	go p.shutdown(c) //nolint:errcheck // idle close
	return true
}

// Close closes the connection. The port cannot be reopened afterwards.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	c := p.conn
	p.mu.Unlock()

	if c != nil {
		return p.drop(c)
	}
	return nil
}

// Stats returns the port counters.
func (p *Port) Stats() Stats {
	var last time.Time
	if ts := p.lastActivity.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}
	return Stats{
		BytesTx:      p.bytesTx.Load(),
		BytesRx:      p.bytesRx.Load(),
		BytesDropped: p.bytesDropped.Load(),
		Opens:        p.opens.Load(),
		Errors:       p.errorsTotal.Load(),
		Connected:    p.IsOpen(),
		LastActivity: last,
	}
}

// drop closes c if it is still the current connection and waits for its
// reader to exit.
func (p *Port) drop(c *connection) error {
	if !p.detach(c) {
		return nil
	}
	return p.shutdown(c)
}

// detach unlinks c from the port if it is the current connection. Later
// calls see the port closed at once.
func (p *Port) detach(c *connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != c {
		return false
	}
	p.conn = nil
	return true
}

// shutdown closes a detached connection and waits for its reader.
func (p *Port) shutdown(c *connection) error {
	close(c.done)
	err := c.rw.Close()
	c.wg.Wait()
	p.logDebug("port closed", "connection", p.endpoint.String())
	return err
}

func (p *Port) readLoop(c *connection) {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			p.bytesRx.Add(uint64(n))
			p.touch()
			p.deliver(c, buf[:n], nil)
		}

		select {
		case <-c.done:
			return
		default:
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			p.errorsTotal.Add(1)
			if !errors.Is(err, io.EOF) {
				p.logError("read failed", err)
			} else {
				p.logWarn("connection closed by peer", "connection", p.endpoint.String())
			}
			p.deliver(c, nil, err)
			go p.drop(c) //nolint:errcheck // reader cannot wait for itself
			return
		}
	}
}

// deliver appends data (or records err) and fires the notification.
func (p *Port) deliver(c *connection, data []byte, err error) {
	p.mu.Lock()
	if p.conn != c {
		p.mu.Unlock()
		return
	}
	if len(data) > 0 {
		room := maxPending - len(p.pending)
		if room < len(data) {
			p.bytesDropped.Add(uint64(len(data) - max(room, 0)))
			data = data[:max(room, 0)]
		}
		p.pending = append(p.pending, data...)
		p.lastUsed = time.Now()
	}
	if err != nil {
		p.readErr = err
	}
	notify := p.notify
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (p *Port) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// defaultOpen opens serial devices with go.bug.st/serial and dials
// network endpoints.
func defaultOpen(ctx context.Context, ep Endpoint, baud int) (io.ReadWriteCloser, error) {
	switch ep.Kind {
	case KindSerial:
		sp, err := serial.Open(ep.Address, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, err
		}
		if err := sp.SetReadTimeout(serialPollTimeout); err != nil {
			sp.Close()
			return nil, err
		}
		// A poll timeout shows up as a zero-byte read, which the reader
		// treats as nothing received.
		return sp, nil
	default:
		var dialer net.Dialer
		return dialer.DialContext(ctx, ep.Kind.String(), ep.Address)
	}
}

func (p *Port) logInfo(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Info(msg, keysAndValues...)
	}
}

func (p *Port) logDebug(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, keysAndValues...)
	}
}

func (p *Port) logWarn(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, keysAndValues...)
	}
}

func (p *Port) logError(msg string, err error) {
	if p.logger != nil {
		p.logger.Error(msg, "connection", p.endpoint.String(), "error", err)
	}
}
