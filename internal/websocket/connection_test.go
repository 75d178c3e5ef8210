package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketPair returns the server side of a live websocket and the client
// that dialed it.
func socketPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	return server, client
}

func readText(t *testing.T, client *websocket.Conn) string {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	server, _ := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	defer conn.Close()

	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, 256, cap(conn.writeCh))
	assert.False(t, conn.IsAuthenticated())

	other := NewConnection(server, ConnOptions{SendBuffer: 8})
	defer other.Close()
	assert.NotEqual(t, conn.ID(), other.ID())
	assert.Equal(t, 8, cap(other.writeCh))
}

func TestConnection_Credentials(t *testing.T) {
	server, _ := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	defer conn.Close()

	conn.SetCredentials("p1", "alice", "editor")
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "p1", conn.GetProjectID())
	assert.Equal(t, "alice", conn.GetUserID())
	assert.Equal(t, "editor", conn.GetRole())
}

func TestConnection_SendDeliversInOrder(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	defer conn.Close()

	for _, frame := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, conn.Send([]byte(frame)))
	}
	assert.Equal(t, `{"n":1}`, readText(t, client))
	assert.Equal(t, `{"n":2}`, readText(t, client))
	assert.Equal(t, `{"n":3}`, readText(t, client))
}

func TestConnection_WriteJSON(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.JSONEq(t, `{"type":"ping"}`, readText(t, client))

	assert.ErrorIs(t, conn.WriteJSON(make(chan int)), ErrInvalidJSON)
}

func TestConnection_CloseIdempotent(t *testing.T) {
	server, _ := socketPair(t)
	conn := NewConnection(server, ConnOptions{})

	require.NoError(t, conn.Close())
	assert.NotPanics(t, func() { _ = conn.Close() })

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestConnection_CloseWithErrorFlushesQueue(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnOptions{})

	require.NoError(t, conn.Send([]byte(`{"n":1}`)))
	require.NoError(t, conn.Send([]byte(`{"n":2}`)))
	conn.CloseWithError([]byte(`{"type":"error"}`), websocket.CloseTryAgainLater, "busy")

	assert.Equal(t, `{"n":1}`, readText(t, client))
	assert.Equal(t, `{"n":2}`, readText(t, client))
	assert.Equal(t, `{"type":"error"}`, readText(t, client))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after CloseWithError")
	}
	assert.NotPanics(t, func() { conn.CloseWithError(nil, websocket.CloseNormalClosure, "") })
}

func TestConnection_SendAfterClose(t *testing.T) {
	server, _ := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send([]byte(`{}`)), ErrConnectionClosed)
}

// FUNCTIONAL VALIDATION TEST: a full buffer fails after the enqueue timeout
// instead of blocking the caller.
func TestConnection_SendTimesOutWhenBufferFull(t *testing.T) {
	server, _ := socketPair(t)
	conn := &Connection{
		conn:           server,
		writeCh:        make(chan []byte, 1),
		enqueueTimeout: 20 * time.Millisecond,
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	defer conn.cancel()

	// No writer goroutine: the first frame fills the buffer.
	require.NoError(t, conn.Send([]byte(`1`)))
	start := time.Now()
	assert.ErrorIs(t, conn.Send([]byte(`2`)), ErrSendTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestConnection_ConcurrentSends(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnOptions{SendBuffer: 64})
	defer conn.Close()

	const senders, perSender = 8, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, conn.Send([]byte(`{}`)))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < senders*perSender; i++ {
		readText(t, client)
	}
}

func TestConnection_WriteFailureClosesConnection(t *testing.T) {
	server, client := socketPair(t)
	conn := NewConnection(server, ConnOptions{})
	defer conn.Close()

	require.NoError(t, client.Close())
	require.NoError(t, server.UnderlyingConn().Close())

	assert.Eventually(t, func() bool {
		_ = conn.Send([]byte(`{}`))
		select {
		case <-conn.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
