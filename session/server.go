package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/remoteblock/connect"
)

var ErrMaxSessions = errors.New("Max sessions.")

type ServerSettings struct {
	ServerSessionSettings   *ServerSessionSettings
	StreamTransportSettings *connect.StreamTransportSettings
	WsSettings              *connect.WsSettings
	// 0 means no limit
	MaxSessionCount int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ServerSessionSettings:   DefaultServerSessionSettings(),
		StreamTransportSettings: connect.DefaultStreamTransportSettings(),
		WsSettings:              connect.DefaultWsSettings(),
		MaxSessionCount:         0,
	}
}

type SessionStatus struct {
	RemoteAddr string
	// tcp, ws or quic
	Network string
	ServerSessionStats
}

type serverSession struct {
	session    *ServerSession
	remoteAddr string
	network    string
}

// Server accepts connections from any number of listeners and runs one isolated
// session per connection.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	editorFactory EditorFactory
	settings      *ServerSettings

	stateLock sync.Mutex
	sessions  map[connect.Id]*serverSession

	waitGroup sync.WaitGroup
}

func NewServerWithDefaults(ctx context.Context, editorFactory EditorFactory) *Server {
	return NewServer(ctx, editorFactory, DefaultServerSettings())
}

func NewServer(ctx context.Context, editorFactory EditorFactory, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:           cancelCtx,
		cancel:        cancel,
		editorFactory: editorFactory,
		settings:      settings,
		sessions:      map[connect.Id]*serverSession{},
	}
}

// ServeTcp accepts until the listener fails or the server closes.
func (self *Server) ServeTcp(listener net.Listener) error {
	go func() {
		<-self.ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if self.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		if !self.startServing() {
			conn.Close()
			return nil
		}
		go func() {
			defer self.waitGroup.Done()
			self.Serve(conn, conn.RemoteAddr().String(), "tcp")
		}()
	}
}

// ServeQuic accepts until the listener fails or the server closes.
func (self *Server) ServeQuic(listener *connect.QuicListener) error {
	defer listener.Close()

	for {
		stream, err := listener.Accept(self.ctx)
		if err != nil {
			if self.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !self.startServing() {
			stream.Close()
			return nil
		}
		go func() {
			defer self.waitGroup.Done()
			self.Serve(stream, stream.RemoteAddr().String(), "quic")
		}()
	}
}

// HandleWs upgrades the request and runs a session on the websocket.
func (self *Server) HandleWs(w http.ResponseWriter, r *http.Request) {
	if !self.startServing() {
		http.Error(w, "Server closed.", http.StatusServiceUnavailable)
		return
	}
	defer self.waitGroup.Done()

	stream, err := connect.UpgradeWs(w, r, self.settings.WsSettings)
	if err != nil {
		glog.Infof("[s]ws upgrade %s = %s\n", r.RemoteAddr, err)
		return
	}
	self.Serve(stream, r.RemoteAddr, "ws")
}

// startServing counts a connection that `Close` waits for.
// Returns false once the server is closed.
// The caller must call `waitGroup.Done` when it returns true.
func (self *Server) startServing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return false
	}
	self.waitGroup.Add(1)
	return true
}

// Serve runs a session on the stream until it ends. The stream is closed on return.
func (self *Server) Serve(conn io.ReadWriteCloser, remoteAddr string, network string) error {
	if err := self.ctx.Err(); err != nil {
		conn.Close()
		return err
	}

	transport := connect.NewStreamTransport(self.ctx, conn, self.settings.StreamTransportSettings)
	session := NewServerSession(self.ctx, transport, self.editorFactory, self.settings.ServerSessionSettings)

	if !self.addSession(session, remoteAddr, network) {
		glog.Infof("[s]%s refused, max %d sessions\n", remoteAddr, self.settings.MaxSessionCount)
		session.Close()
		return ErrMaxSessions
	}
	defer self.removeSession(session.Id())

	glog.Infof("[s]%s session %s start (%s)\n", remoteAddr, session.Id(), network)
	err := session.Run()
	if err == nil || connect.IsDoneError(err) {
		glog.Infof("[s]%s session %s end\n", remoteAddr, session.Id())
	} else {
		glog.Infof("[s]%s session %s end = %s\n", remoteAddr, session.Id(), err)
	}
	return err
}

func (self *Server) addSession(session *ServerSession, remoteAddr string, network string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.settings.MaxSessionCount && self.settings.MaxSessionCount <= len(self.sessions) {
		return false
	}
	self.sessions[session.Id()] = &serverSession{
		session:    session,
		remoteAddr: remoteAddr,
		network:    network,
	}
	return true
}

func (self *Server) removeSession(id connect.Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sessions, id)
}

// Session returns the running session with the id.
func (self *Server) Session(id connect.Id) (*ServerSession, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.sessions[id]
	if !ok {
		return nil, false
	}
	return s.session, true
}

// Sessions returns the status of running sessions, oldest first.
func (self *Server) Sessions() []*SessionStatus {
	self.stateLock.Lock()
	sessions := make([]*serverSession, 0, len(self.sessions))
	for _, s := range self.sessions {
		sessions = append(sessions, s)
	}
	self.stateLock.Unlock()

	statuses := make([]*SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, &SessionStatus{
			RemoteAddr:         s.remoteAddr,
			Network:            s.network,
			ServerSessionStats: s.session.Stats(),
		})
	}
	slices.SortFunc(statuses, func(a *SessionStatus, b *SessionStatus) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.Id.String(), b.Id.String())
	})
	return statuses
}

func (self *Server) SessionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessions)
}

// Close ends all sessions and waits up to `timeout` for them to finish.
func (self *Server) Close(timeout time.Duration) {
	// no connection starts after this
	self.stateLock.Lock()
	self.cancel()
	self.stateLock.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		self.waitGroup.Wait()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		glog.Infof("[s]%d sessions did not end after %s\n", self.SessionCount(), timeout)
	}
}
