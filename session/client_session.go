package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/bringyour/remoteblock/cache"
	"github.com/bringyour/remoteblock/connect"
	"github.com/bringyour/remoteblock/protocol"
)

// Renderer draws resolved trees. Called from the session goroutine.
// The tree stays valid after later frames are integrated.
type Renderer interface {
	Render(tree *cache.Tree)
}

type RendererFunc func(tree *cache.Tree)

func (self RendererFunc) Render(tree *cache.Tree) {
	self(tree)
}

type ClientSessionSettings struct {
	CacheSettings *cache.CacheSettings
}

func DefaultClientSessionSettings() *ClientSessionSettings {
	return &ClientSessionSettings{
		CacheSettings: cache.DefaultCacheSettings(),
	}
}

type ClientSessionStats struct {
	Id           connect.Id
	FrameCount   uint64
	IgnoredCount uint64
	ResyncCount  uint64
	InputCount   uint64
	Cache        cache.CacheStats
	Transport    connect.TransportStats
}

// ClientSession integrates frames into its own cache and acks each integrated frame.
// When a frame cannot be integrated the session requests a resync and ignores
// frames until a full frame arrives.
type ClientSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *connect.StreamTransport
	settings  *ClientSessionSettings
	cache     *cache.Cache
	renderer  Renderer

	stateLock      sync.Mutex
	awaitingResync bool

	frameCount   atomic.Uint64
	ignoredCount atomic.Uint64
	resyncCount  atomic.Uint64
	inputCount   atomic.Uint64
}

func NewClientSessionWithDefaults(
	ctx context.Context,
	transport *connect.StreamTransport,
	renderer Renderer,
) *ClientSession {
	return NewClientSession(ctx, transport, renderer, DefaultClientSessionSettings())
}

func NewClientSession(
	ctx context.Context,
	transport *connect.StreamTransport,
	renderer Renderer,
	settings *ClientSessionSettings,
) *ClientSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ClientSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		settings:  settings,
		cache:     cache.NewCache(settings.CacheSettings),
		renderer:  renderer,
	}
}

func (self *ClientSession) Id() connect.Id {
	return self.transport.Id()
}

func (self *ClientSession) Cache() *cache.Cache {
	return self.cache
}

// SendInput sends an input event to the server. Safe to call from any goroutine.
func (self *ClientSession) SendInput(event protocol.InputEvent) error {
	err := self.transport.Send(&protocol.Input{
		TimeMillis: uint64(time.Now().UnixMilli()),
		Event:      event,
	})
	if err != nil {
		return err
	}
	self.inputCount.Inc()
	return nil
}

// Run integrates frames until the transport ends or `ctx` is done.
// The cache and the transport are closed on return.
func (self *ClientSession) Run() error {
	defer self.Close()

	for {
		message, err := self.transport.Receive(self.ctx)
		if err != nil {
			return err
		}
		switch v := message.(type) {
		case *protocol.Frame:
			if err := self.handleFrame(v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("Unexpected message from server: %T", message)
		}
	}
}

func (self *ClientSession) isAwaitingResync() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.awaitingResync
}

func (self *ClientSession) setAwaitingResync(awaitingResync bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.awaitingResync = awaitingResync
}

func (self *ClientSession) handleFrame(frame *protocol.Frame) error {
	if !frame.Full && self.isAwaitingResync() {
		self.ignoredCount.Inc()
		glog.V(1).Infof("[cs]%s ignore frame %d while desynchronized\n", self.Id(), frame.SequenceNumber)
		return nil
	}

	tree, err := self.cache.Integrate(frame)
	if err != nil {
		var missing *protocol.MissingBlockError
		var violation *protocol.ProtocolInvariantViolation
		if errors.As(err, &missing) || errors.As(err, &violation) {
			return self.requestResync(err)
		}
		return fmt.Errorf("integrate frame %d: %w", frame.SequenceNumber, err)
	}
	self.setAwaitingResync(false)
	self.frameCount.Inc()

	if err := self.transport.Send(&protocol.Ack{SequenceNumber: frame.SequenceNumber}); err != nil {
		if !errors.Is(err, connect.ErrSendQueueFull) {
			return err
		}
		// acks are cumulative. The next ack covers this frame.
		glog.Infof("[cs]%s ack %d dropped\n", self.Id(), frame.SequenceNumber)
	}

	connect.HandleError(func() {
		self.renderer.Render(tree)
	})
	return nil
}

func (self *ClientSession) requestResync(cause error) error {
	self.setAwaitingResync(true)
	self.resyncCount.Inc()
	lastSequenceNumber := self.cache.LastSequenceNumber()
	glog.Infof("[cs]%s resync after %d = %s\n", self.Id(), lastSequenceNumber, cause)
	return self.transport.Send(&protocol.ResyncRequest{
		LastSequenceNumber: lastSequenceNumber,
		Reason:             cause.Error(),
	})
}

func (self *ClientSession) Stats() ClientSessionStats {
	return ClientSessionStats{
		Id:           self.Id(),
		FrameCount:   self.frameCount.Load(),
		IgnoredCount: self.ignoredCount.Load(),
		ResyncCount:  self.resyncCount.Load(),
		InputCount:   self.inputCount.Load(),
		Cache:        self.cache.Stats(),
		Transport:    self.transport.Stats(),
	}
}

func (self *ClientSession) Close() {
	self.cancel()
	self.transport.Close()
	self.cache.Close()
}
