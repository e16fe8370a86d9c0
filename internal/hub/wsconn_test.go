package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveWSConn accepts one websocket, wraps it in a WSConn and hands it back.
func serveWSConn(t *testing.T) (*WSConn, *websocket.Conn, <-chan struct{}) {
	t.Helper()
	accepted := make(chan *WSConn, 1)
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewWSConn(ws, "alice", nil)
		accepted <- c
		c.Serve(func([]byte) {}, func() { close(closed) })
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-accepted:
		return c, client, closed
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil, nil
	}
}

func TestWSConnDeliversMessages(t *testing.T) {
	c, client, _ := serveWSConn(t)

	require.NoError(t, c.Send([]byte(`{"event":"task:created"}`)))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"task:created"}`, string(msg))
}

func TestWSConnCloseSendsNormalClosure(t *testing.T) {
	c, client, closed := serveWSConn(t)
	// A delivered message means the writer is running.
	require.NoError(t, c.Send([]byte(`{}`)))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	c.Close()
	assert.False(t, c.Open())
	assert.ErrorIs(t, c.Send([]byte("late")), ErrConnClosed)

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("onClose never ran")
	}
}
