package connect

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsSettings struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

func DefaultWsSettings() *WsSettings {
	return &WsSettings{
		HandshakeTimeout: 2 * time.Second,
		ReadBufferSize:   int(kib(16)),
		WriteBufferSize:  int(kib(16)),
	}
}

// WsStream is a byte stream over binary websocket messages.
// Message boundaries are not significant: each write is one message and reads
// continue across messages.
type WsStream struct {
	ws *websocket.Conn

	// reads happen on one goroutine
	reader io.Reader

	writeLock sync.Mutex
}

func NewWsStream(ws *websocket.Conn) *WsStream {
	return &WsStream{
		ws: ws,
	}
}

func DialWs(ctx context.Context, url string, settings *WsSettings) (*WsStream, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   settings.ReadBufferSize,
		WriteBufferSize:  settings.WriteBufferSize,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWsStream(ws), nil
}

// UpgradeWs upgrades an http request. On error the response has already been written.
func UpgradeWs(w http.ResponseWriter, r *http.Request, settings *WsSettings) (*WsStream, error) {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   settings.ReadBufferSize,
		WriteBufferSize:  settings.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWsStream(ws), nil
}

func (self *WsStream) Read(p []byte) (int, error) {
	for {
		if self.reader == nil {
			messageType, reader, err := self.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				glog.V(2).Infof("[ws]other=%d\n", messageType)
				continue
			}
			self.reader = reader
		}
		n, err := self.reader.Read(p)
		if err == io.EOF {
			self.reader = nil
			if 0 < n {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (self *WsStream) Write(p []byte) (int, error) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if err := self.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (self *WsStream) SetReadDeadline(t time.Time) error {
	return self.ws.SetReadDeadline(t)
}

// note that for websocket a write deadline timeout cannot be recovered
func (self *WsStream) SetWriteDeadline(t time.Time) error {
	return self.ws.SetWriteDeadline(t)
}

func (self *WsStream) Close() error {
	return self.ws.Close()
}
