package wsmanager

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager depends on, narrowed
// to an interface so tests can substitute a fake transport without a
// live socket (spec.md §4.F tests rely on fakeable connect/read/write).
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a new Conn to url with the given headers.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// GorillaDialer is the production Dialer, backed by gorilla/websocket.
func GorillaDialer(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
