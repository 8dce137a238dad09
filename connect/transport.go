package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/bringyour/remoteblock/protocol"
)

var ErrSendQueueFull = errors.New("Send queue full.")
var ErrTransportClosed = errors.New("Transport closed.")

// implemented by `net.Conn`, websocket and quic streams
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type StreamTransportSettings struct {
	SendQueueSize       int
	ReceiveQueueSize    int
	MaxMessageByteCount ByteCount
	WriteTimeout        time.Duration
	// 0 means no read deadline. An idle session is not an error.
	ReadTimeout    time.Duration
	DecodeSettings *protocol.DecodeSettings
}

func DefaultStreamTransportSettings() *StreamTransportSettings {
	return &StreamTransportSettings{
		SendQueueSize:       32,
		ReceiveQueueSize:    32,
		MaxMessageByteCount: DefaultMaxMessageByteCount(),
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         0,
		DecodeSettings:      protocol.DefaultDecodeSettings(),
	}
}

type TransportStats struct {
	SendMessageCount    uint64
	SendByteCount       uint64
	ReceiveMessageCount uint64
	ReceiveByteCount    uint64
}

// StreamTransport carries whole messages over an ordered reliable byte stream.
// One goroutine reads and one writes. The first error from either ends the transport
// and closes the stream.
type StreamTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	id   Id
	conn io.ReadWriteCloser

	settings *StreamTransportSettings

	send    chan []byte
	receive chan protocol.Message

	stateLock sync.Mutex
	err       error

	sendMessageCount    atomic.Uint64
	sendByteCount       atomic.Uint64
	receiveMessageCount atomic.Uint64
	receiveByteCount    atomic.Uint64
}

func NewStreamTransportWithDefaults(ctx context.Context, conn io.ReadWriteCloser) *StreamTransport {
	return NewStreamTransport(ctx, conn, DefaultStreamTransportSettings())
}

func NewStreamTransport(ctx context.Context, conn io.ReadWriteCloser, settings *StreamTransportSettings) *StreamTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &StreamTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       NewId(),
		conn:     conn,
		settings: settings,
		send:     make(chan []byte, settings.SendQueueSize),
		receive:  make(chan protocol.Message, settings.ReceiveQueueSize),
	}
	go transport.run()
	return transport
}

func (self *StreamTransport) Id() Id {
	return self.id
}

func (self *StreamTransport) run() {
	defer self.cancel()

	g, gctx := errgroup.WithContext(self.ctx)
	g.Go(func() error {
		return self.writeLoop(gctx)
	})
	g.Go(func() error {
		return self.readLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// unblocks the reader and writer
		self.conn.Close()
		return nil
	})
	g.Wait()
	err := self.setErr(ErrTransportClosed)
	if errors.Is(err, ErrTransportClosed) {
		glog.V(1).Infof("[t]%s closed\n", self.id)
	} else {
		glog.Infof("[t]%s closed = %s\n", self.id, err)
	}
}

func (self *StreamTransport) writeLoop(ctx context.Context) error {
	deadline, hasDeadline := self.conn.(deadlineConn)
	for {
		select {
		case <-ctx.Done():
			return self.setErr(ErrTransportClosed)
		case b := <-self.send:
			if hasDeadline && 0 < self.settings.WriteTimeout {
				deadline.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			}
			if err := WriteFramed(self.conn, b); err != nil {
				if ctx.Err() != nil {
					return self.setErr(ErrTransportClosed)
				}
				return self.setErr(fmt.Errorf("write: %w", err))
			}
			self.sendMessageCount.Inc()
			self.sendByteCount.Add(uint64(FrameHeaderByteCount + len(b)))
			glog.V(2).Infof("[ts]%s-> %d\n", self.id, len(b))
		}
	}
}

func (self *StreamTransport) readLoop(ctx context.Context) error {
	defer close(self.receive)

	deadline, hasDeadline := self.conn.(deadlineConn)
	var offset int64
	for {
		if hasDeadline && 0 < self.settings.ReadTimeout {
			deadline.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		b, err := ReadFramed(self.conn, self.settings.MaxMessageByteCount, offset)
		if err != nil {
			var decodeErr *protocol.DecodeError
			switch {
			case errors.As(err, &decodeErr):
				return self.setErr(err)
			case ctx.Err() != nil:
				return self.setErr(ErrTransportClosed)
			case err == io.EOF:
				return self.setErr(ErrTransportClosed)
			default:
				return self.setErr(fmt.Errorf("read: %w", err))
			}
		}
		offset += int64(FrameHeaderByteCount + len(b))

		message, err := protocol.DecodeMessage(b, self.settings.DecodeSettings)
		if err != nil {
			return self.setErr(err)
		}
		self.receiveMessageCount.Inc()
		self.receiveByteCount.Add(uint64(FrameHeaderByteCount + len(b)))
		glog.V(2).Infof("[tr]%s<- %d\n", self.id, len(b))

		select {
		case <-ctx.Done():
			return self.setErr(ErrTransportClosed)
		case self.receive <- message:
		}
	}
}

// the first error wins
func (self *StreamTransport) setErr(err error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil {
		self.err = err
	}
	return self.err
}

// Err is the reason the transport ended, or nil while it runs.
func (self *StreamTransport) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

// Send enqueues the message without blocking.
func (self *StreamTransport) Send(message protocol.Message) error {
	_, err := self.SendWithByteCount(message)
	return err
}

// SendWithByteCount is `Send` that also returns the framed size of the message.
func (self *StreamTransport) SendWithByteCount(message protocol.Message) (ByteCount, error) {
	if err := self.Err(); err != nil {
		return 0, err
	}
	b, err := protocol.EncodeMessage(message)
	if err != nil {
		return 0, err
	}
	if self.settings.MaxMessageByteCount < ByteCount(len(b)) {
		return 0, fmt.Errorf("Message length %d exceeds max %d.", len(b), self.settings.MaxMessageByteCount)
	}
	select {
	case <-self.ctx.Done():
		return 0, ErrTransportClosed
	case self.send <- b:
		return ByteCount(FrameHeaderByteCount + len(b)), nil
	default:
		glog.Infof("[t]%s send queue full (%d)\n", self.id, cap(self.send))
		return 0, ErrSendQueueFull
	}
}

// Receive suspends until a complete message arrives, the transport ends or `ctx` is done.
func (self *StreamTransport) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case message, ok := <-self.receive:
		if !ok {
			if err := self.Err(); err != nil {
				return nil, err
			}
			return nil, ErrTransportClosed
		}
		return message, nil
	}
}

func (self *StreamTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *StreamTransport) Stats() TransportStats {
	return TransportStats{
		SendMessageCount:    self.sendMessageCount.Load(),
		SendByteCount:       self.sendByteCount.Load(),
		ReceiveMessageCount: self.receiveMessageCount.Load(),
		ReceiveByteCount:    self.receiveByteCount.Load(),
	}
}

func (self *StreamTransport) Close() {
	self.cancel()
}
