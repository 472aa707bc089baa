package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushFallbackWhenNoSession(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "k1", NewWSRegistry())
	err := p.Notify(context.Background(), "f1", Notification{Kind: RequestOffered, RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "f1", got["recipient"])
	data := got["data"].(map[string]any)
	assert.Equal(t, "request.offered", data["kind"])
}

func TestPushProviderErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "", nil)
	assert.Error(t, p.Notify(context.Background(), "f1", Notification{Kind: RequestClosed}))
}

func TestNoSessionAndNoEndpoint(t *testing.T) {
	p := NewPushNotifier("", "", NewWSRegistry())
	assert.ErrorIs(t, p.Notify(context.Background(), "f1", Notification{}), ErrNoSession)
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	up := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("f1", conn)
		close(registered)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("session not registered")
	}
	assert.True(t, reg.Connected("f1"))

	require.NoError(t, reg.Notify(context.Background(), "f1", Notification{Kind: RequestOffered, RequestID: "r9"}))

	var n Notification
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "r9", n.RequestID)

	assert.ErrorIs(t, reg.Notify(context.Background(), "f2", Notification{}), ErrNoSession)
}
