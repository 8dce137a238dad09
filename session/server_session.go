package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/bringyour/remoteblock/connect"
	"github.com/bringyour/remoteblock/producer"
	"github.com/bringyour/remoteblock/protocol"
)

var ErrAckTimeout = errors.New("Ack timeout.")

// IdAllocator hands out block ids unique to one session.
type IdAllocator interface {
	AllocateId() protocol.BlockId
}

// Editor is the server side state of one session.
// All calls come from the session goroutine.
type Editor interface {
	// the layout of the current state
	Layout() (*producer.Layout, error)
	// apply an input. Returns true if the layout changed.
	Input(input *protocol.Input) bool
}

// creates the editor for a new session. Block ids must come from `ids`.
type EditorFactory func(ctx context.Context, ids IdAllocator) Editor

type ServerSessionSettings struct {
	ProducerSettings   *producer.ProducerSettings
	SendWindowSettings *connect.SendWindowSettings
	// the session ends when frames are unacked and no ack arrives for this long
	AckTimeout time.Duration
	// retry interval when the transport send queue is full
	SendRetryTimeout time.Duration
}

func DefaultServerSessionSettings() *ServerSessionSettings {
	return &ServerSessionSettings{
		ProducerSettings:   producer.DefaultProducerSettings(),
		SendWindowSettings: connect.DefaultSendWindowSettings(),
		AckTimeout:         30 * time.Second,
		SendRetryTimeout:   100 * time.Millisecond,
	}
}

type ServerSessionStats struct {
	Id             connect.Id
	StartTime      time.Time
	FrameCount     uint64
	CoalescedCount uint64
	InputCount     uint64
	AckCount       uint64
	ResyncCount    uint64
	UnackedCount   int
	// the oldest unacked frame, 0 when all frames are acked
	OldestUnackedFrame uint64
	MeanAckRtt         time.Duration
	MinAckRtt          time.Duration
	Producer           producer.ProducerStats
	Transport          connect.TransportStats
}

// ServerSession drives one client. The run goroutine owns the producer and the editor.
// A frame is produced only when the layout changed and the send window is open.
// Changes while the window is closed coalesce into the next frame.
type ServerSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *connect.StreamTransport
	settings  *ServerSessionSettings

	producer   *producer.Producer
	sendWindow *connect.SendWindow
	editor     Editor

	startTime  time.Time
	invalidate chan struct{}

	stateLock sync.Mutex
	err       error

	frameCount     atomic.Uint64
	coalescedCount atomic.Uint64
	inputCount     atomic.Uint64
	ackCount       atomic.Uint64
	resyncCount    atomic.Uint64
}

func NewServerSessionWithDefaults(
	ctx context.Context,
	transport *connect.StreamTransport,
	editorFactory EditorFactory,
) *ServerSession {
	return NewServerSession(ctx, transport, editorFactory, DefaultServerSessionSettings())
}

func NewServerSession(
	ctx context.Context,
	transport *connect.StreamTransport,
	editorFactory EditorFactory,
	settings *ServerSessionSettings,
) *ServerSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	p := producer.NewProducer(settings.ProducerSettings)
	return &ServerSession{
		ctx:        cancelCtx,
		cancel:     cancel,
		transport:  transport,
		settings:   settings,
		producer:   p,
		sendWindow: connect.NewSendWindow(settings.SendWindowSettings),
		editor:     editorFactory(cancelCtx, p),
		startTime:  time.Now(),
		invalidate: make(chan struct{}, 1),
	}
}

func (self *ServerSession) Id() connect.Id {
	return self.transport.Id()
}

// Invalidate marks the layout as changed outside of input, e.g. by a background edit.
// Safe to call from any goroutine.
func (self *ServerSession) Invalidate() {
	select {
	case self.invalidate <- struct{}{}:
	default:
	}
}

// Run processes the session until the transport ends or `ctx` is done.
// The transport is closed on return.
func (self *ServerSession) Run() error {
	defer self.Close()

	messages := make(chan protocol.Message)
	receiveErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			message, err := self.transport.Receive(self.ctx)
			if err != nil {
				receiveErr <- err
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case messages <- message:
			}
		}
	}()

	// the first frame carries the initial layout
	dirty := true
	lastProgressTime := time.Now()
	for {
		var retry <-chan time.Time
		if dirty {
			if self.sendWindow.IsOpen() {
				sent, err := self.sendFrame()
				if err != nil {
					return self.setErr(err)
				}
				if sent {
					dirty = false
					lastProgressTime = time.Now()
				} else {
					retry = time.After(self.settings.SendRetryTimeout)
				}
			} else {
				glog.V(1).Infof("[ss]%s window closed, coalescing\n", self.Id())
			}
		}

		var ackTimeout <-chan time.Time
		if unackedCount, _ := self.sendWindow.Size(); 0 < unackedCount {
			timeout := self.settings.AckTimeout - time.Since(lastProgressTime)
			if timeout <= 0 {
				oldest, _ := self.sendWindow.PeekFirst()
				glog.Infof("[ss]%s no ack for frame %d after %s\n", self.Id(), oldest, self.settings.AckTimeout)
				return self.setErr(ErrAckTimeout)
			}
			ackTimeout = time.After(timeout)
		}

		select {
		case <-self.ctx.Done():
			return self.setErr(self.ctx.Err())
		case <-self.transport.Done():
			return self.setErr(self.transport.Err())
		case err := <-receiveErr:
			return self.setErr(err)
		case <-retry:
		case <-ackTimeout:
		case <-self.invalidate:
			dirty = self.markDirty(dirty)
		case message, ok := <-messages:
			if !ok {
				select {
				case err := <-receiveErr:
					return self.setErr(err)
				case <-self.ctx.Done():
					return self.setErr(self.ctx.Err())
				}
			}
			switch v := message.(type) {
			case *protocol.Input:
				self.inputCount.Inc()
				if self.handleInput(v) {
					dirty = self.markDirty(dirty)
				}
			case *protocol.Ack:
				self.ackCount.Inc()
				if 0 < self.sendWindow.Ack(v.SequenceNumber) {
					lastProgressTime = time.Now()
				}
			case *protocol.ResyncRequest:
				self.resyncCount.Inc()
				glog.Infof(
					"[ss]%s resync after %d = %s\n",
					self.Id(),
					v.LastSequenceNumber,
					v.Reason,
				)
				self.producer.Reset()
				self.sendWindow.Clear()
				lastProgressTime = time.Now()
				dirty = true
			default:
				return self.setErr(fmt.Errorf("Unexpected message from client: %T", message))
			}
		}
	}
}

func (self *ServerSession) markDirty(dirty bool) bool {
	if dirty {
		self.coalescedCount.Inc()
	}
	return true
}

func (self *ServerSession) handleInput(input *protocol.Input) (changed bool) {
	connect.HandleError(func() {
		changed = self.editor.Input(input)
	}, func(err error) {
		glog.Infof("[ss]%s input %s = %s\n", self.Id(), input.Event.InputKind(), err)
	})
	return
}

// returns false if the frame could not be queued and should be retried
func (self *ServerSession) sendFrame() (bool, error) {
	var layout *producer.Layout
	var layoutErr error
	connect.HandleError(func() {
		layout, layoutErr = self.editor.Layout()
	}, func(err error) {
		layoutErr = err
	})
	if layoutErr != nil {
		return false, fmt.Errorf("layout: %w", layoutErr)
	}

	frame, err := self.producer.Produce(layout)
	if err != nil {
		return false, fmt.Errorf("produce: %w", err)
	}

	byteCount, err := self.transport.SendWithByteCount(frame)
	if errors.Is(err, connect.ErrSendQueueFull) {
		// the dropped frame was already counted as delivered
		glog.Infof("[ss]%s dropped frame %d, next frame is full\n", self.Id(), frame.SequenceNumber)
		self.producer.Reset()
		return false, nil
	} else if err != nil {
		return false, err
	}
	self.sendWindow.Add(frame.SequenceNumber, byteCount)
	self.frameCount.Inc()
	glog.V(1).Infof(
		"[ss]%s frame %d full=%t blocks=%d roots=%d evict=%d (%db)\n",
		self.Id(),
		frame.SequenceNumber,
		frame.Full,
		len(frame.Blocks),
		len(frame.Roots),
		len(frame.Evict),
		byteCount,
	)
	return true, nil
}

func (self *ServerSession) setErr(err error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil {
		self.err = err
	}
	return self.err
}

// the reason the session ended, or nil while it runs
func (self *ServerSession) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *ServerSession) Stats() ServerSessionStats {
	unackedCount, _ := self.sendWindow.Size()
	oldestUnackedFrame, _ := self.sendWindow.PeekFirst()
	return ServerSessionStats{
		Id:                 self.Id(),
		StartTime:          self.startTime,
		FrameCount:         self.frameCount.Load(),
		CoalescedCount:     self.coalescedCount.Load(),
		InputCount:         self.inputCount.Load(),
		AckCount:           self.ackCount.Load(),
		ResyncCount:        self.resyncCount.Load(),
		UnackedCount:       unackedCount,
		OldestUnackedFrame: oldestUnackedFrame,
		MeanAckRtt:         self.sendWindow.MeanAckRtt(),
		MinAckRtt:          self.sendWindow.MinAckRtt(),
		Producer:           self.producer.Stats(),
		Transport:          self.transport.Stats(),
	}
}

func (self *ServerSession) Close() {
	self.cancel()
	self.transport.Close()
}
