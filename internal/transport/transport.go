// Package transport provides the byte stream connections the MQTT session runs over.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultPort is used when an endpoint names only a host.
const DefaultPort = "1883"

var (
	ErrNotConnected = errors.New("not connected")
	errUnsupported  = errors.New("unsupported endpoint scheme")
)

// Handler receives the events of one connection attempt, in order:
// OnConnected, any number of OnData and OnError, then exactly one OnDisconnected.
// A failed dial produces OnError (unless cancelled) followed by OnDisconnected.
// Events are delivered from transport goroutines.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnError(err error)
	OnData(rx []byte)
}

// Transport is a single outbound byte stream connection.
type Transport interface {
	// Connect replaces any current connection and dials address in the background.
	Connect(address string, h Handler)
	// Disconnect closes the current connection or cancels a dial in progress.
	Disconnect()
	// Write queues p for sending on the current connection.
	Write(p []byte) error
}

// DialFunc opens the underlying connection.
type DialFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// NormalizeEndpoint turns "host" into "host:1883". Websocket URLs are left as is.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if strings.Contains(endpoint, "://") {
		if !strings.HasPrefix(endpoint, "ws://") {
			return "", errors.New(errUnsupported.Error() + ": " + endpoint)
		}
		return endpoint, nil
	}
	if endpoint == "" {
		return "", errors.New("empty endpoint")
	}

	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return net.JoinHostPort(strings.Trim(endpoint, "[]"), DefaultPort), nil
	}
	return endpoint, nil
}

// Stream implements Transport on top of a DialFunc.
type Stream struct {
	dial DialFunc

	mu  sync.Mutex
	cur *link
}

func New(dial DialFunc) *Stream {
	return &Stream{dial: dial}
}

type link struct {
	h       Handler
	cancel  context.CancelFunc
	closing int32

	conn    io.ReadWriteCloser
	tx      *bufio.Writer
	txFlush chan struct{}
	txLock  sync.Mutex
}

func (t *Stream) Connect(address string, h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{h: h, cancel: cancel, txFlush: make(chan struct{}, 1)}

	t.mu.Lock()
	old := t.cur
	t.cur = l
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	go t.run(ctx, l, address)
}

func (t *Stream) Disconnect() {
	t.mu.Lock()
	l := t.cur
	t.cur = nil
	t.mu.Unlock()

	if l != nil {
		l.close()
	}
}

func (t *Stream) Write(p []byte) error {
	t.mu.Lock()
	l := t.cur
	t.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}
	return l.writePacket(p)
}

func (t *Stream) run(ctx context.Context, l *link, address string) {
	defer l.h.OnDisconnected()

	conn, err := t.dial(ctx, address)
	if err != nil {
		if ctx.Err() == nil {
			l.h.OnError(err)
		}
		return
	}

	t.mu.Lock()
	if t.cur != l {
		t.mu.Unlock()
		conn.Close()
		return
	}
	l.txLock.Lock()
	l.conn = conn
	l.tx = bufio.NewWriter(conn)
	l.txLock.Unlock()
	t.mu.Unlock()

	go l.startWriter()
	l.h.OnConnected()
	l.reader()
	l.close()

	t.mu.Lock()
	if t.cur == l {
		t.cur = nil
	}
	t.mu.Unlock()
}

func (l *link) reader() {
	rx := make([]byte, 4096)
	for {
		n, err := l.conn.Read(rx)
		if n > 0 {
			data := make([]byte, n)
			copy(data, rx[:n])
			l.h.OnData(data)
		}
		if err != nil {
			if atomic.LoadInt32(&l.closing) == 0 && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.h.OnError(err)
			}
			return
		}
	}
}

func (l *link) startWriter() {
	for range l.txFlush {
		l.txLock.Lock()
		if l.tx.Buffered() > 0 {
			if err := l.tx.Flush(); err != nil {
				l.txLock.Unlock()
				if atomic.LoadInt32(&l.closing) == 0 {
					l.h.OnError(err)
				}
				l.close()
				return
			}
		}
		l.txLock.Unlock()
	}
}

func (l *link) writePacket(p []byte) error {
	l.txLock.Lock()
	defer l.txLock.Unlock()

	if l.conn == nil || atomic.LoadInt32(&l.closing) == 1 {
		return ErrNotConnected
	}
	if _, err := l.tx.Write(p); err != nil {
		return err
	}

	if len(l.txFlush) == 0 {
		select {
		case l.txFlush <- struct{}{}:
		default:
		}
	}
	return nil
}

// close is safe to call more than once.
func (l *link) close() {
	if !atomic.CompareAndSwapInt32(&l.closing, 0, 1) {
		return
	}
	l.cancel()

	l.txLock.Lock()
	if l.conn != nil {
		l.tx.Flush()
		l.conn.Close()
	}
	close(l.txFlush)
	l.txLock.Unlock()
}
