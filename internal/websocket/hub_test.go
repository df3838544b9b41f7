package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *gorillaws.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestBroadcastReachesClients(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(EventCacheReloaded, map[string]int{"addresses": 4})

	for _, conn := range []*gorillaws.Conn{a, b} {
		var ev struct {
			Type string         `json:"type"`
			Data map[string]int `json:"data"`
		}
		readJSON(t, conn, &ev)
		assert.Equal(t, EventCacheReloaded, ev.Type)
		assert.Equal(t, 4, ev.Data["addresses"])
	}
}

func TestIdentifyReplacesOldConnection(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, url)
	require.NoError(t, first.WriteJSON(BaseMessage{Type: "DEVICE_IDENTIFY", DeviceID: "scanner-01", MsgID: "1"}))
	var ack map[string]string
	readJSON(t, first, &ack)
	assert.Equal(t, "ACK", ack["type"])
	assert.Equal(t, "1", ack["msgId"])

	second := dial(t, url)
	require.NoError(t, second.WriteJSON(BaseMessage{Type: "DEVICE_IDENTIFY", DeviceID: "scanner-01", MsgID: "2"}))
	readJSON(t, second, &ack)
	assert.Equal(t, "2", ack["msgId"])

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.SendToDevice("scanner-01", map[string]string{"type": "PING"}))
	assert.False(t, hub.SendToDevice("scanner-99", map[string]string{"type": "PING"}))

	var ping map[string]string
	readJSON(t, second, &ping)
	assert.Equal(t, "PING", ping["type"])
}
