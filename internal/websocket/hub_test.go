package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/internal/notify"
)

func testState(generation uint64) *models.AggregateState {
	return &models.AggregateState{
		Generation: generation,
		Guests: []models.GuestRecord{
			{Node: "pve1", VMID: 100, Name: "web", Type: models.GuestVM, Health: models.HealthCurrent},
		},
		Stats: models.Stats{Guests: 1},
	}
}

func startHub(t *testing.T, state *models.AggregateState) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(func() *models.AggregateState { return state })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestInitialStateOnConnect(t *testing.T) {
	_, server := startHub(t, testState(7))
	conn := dial(t, server, "")

	msg := readMessage(t, conn)
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, uint64(7), msg.Generation)
	require.NotNil(t, msg.Data)
}

func TestBroadcastReachesFullModeClient(t *testing.T) {
	hub, server := startHub(t, testState(1))
	conn := dial(t, server, "")
	readMessage(t, conn) // initial state

	hub.Deliver(notify.Event{
		ID:         "01J0TESTEVENT",
		Generation: 2,
		State:      testState(2),
		Diff:       &notify.Diff{ToGeneration: 2},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, "01J0TESTEVENT", msg.EventID)
	assert.Equal(t, uint64(2), msg.Generation)
}

func TestDiffModeClientReceivesDiffFrame(t *testing.T) {
	hub, server := startHub(t, testState(1))
	conn := dial(t, server, "?mode=diff")
	readMessage(t, conn) // initial state is always a full snapshot

	hub.Deliver(notify.Event{
		ID:         "01J0TESTEVENT",
		Generation: 2,
		State:      testState(2),
		Diff: &notify.Diff{
			FromGeneration: 1,
			ToGeneration:   2,
			Changed:        []models.GuestKey{{Node: "pve1", VMID: 100}},
		},
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "diff", msg.Type)
	assert.Equal(t, uint64(2), msg.Generation)

	payload, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var diff notify.Diff
	require.NoError(t, json.Unmarshal(payload, &diff))
	assert.Equal(t, []models.GuestKey{{Node: "pve1", VMID: 100}}, diff.Changed)
}

func TestEventsDeliveredInGenerationOrder(t *testing.T) {
	hub, server := startHub(t, testState(1))
	conn := dial(t, server, "")
	readMessage(t, conn)

	for gen := uint64(2); gen <= 5; gen++ {
		hub.Deliver(notify.Event{Generation: gen, State: testState(gen), Diff: &notify.Diff{ToGeneration: gen}})
	}

	var generations []uint64
	for i := 0; i < 4; i++ {
		generations = append(generations, readMessage(t, conn).Generation)
	}
	assert.Equal(t, []uint64{2, 3, 4, 5}, generations)
}

func TestPingPong(t *testing.T) {
	_, server := startHub(t, testState(1))
	conn := dial(t, server, "")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestRequestState(t *testing.T) {
	_, server := startHub(t, testState(9))
	conn := dial(t, server, "")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "requestState"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, uint64(9), msg.Generation)
}

func TestClientCountTracksConnections(t *testing.T) {
	hub, server := startHub(t, testState(1))
	require.Equal(t, 0, hub.ClientCount())

	conn := dial(t, server, "")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMalformedClientMessageIsIgnored(t *testing.T) {
	_, server := startHub(t, testState(1))
	conn := dial(t, server, "")
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestDeliverShedsOldestWhenQueueFull(t *testing.T) {
	// No run loop: the queue fills and shedding is observable directly.
	hub := NewHub(nil)

	for gen := uint64(1); gen <= 70; gen++ {
		hub.Deliver(notify.Event{Generation: gen, State: testState(gen)})
	}

	var queued []uint64
drain:
	for {
		select {
		case ev := <-hub.events:
			queued = append(queued, ev.Generation)
		default:
			break drain
		}
	}

	require.Len(t, queued, 64)
	assert.Equal(t, uint64(70), queued[len(queued)-1], "the newest generation survives a full queue")
	assert.Equal(t, uint64(7), queued[0], "the oldest generations are shed first")
}

func TestShutdownDisconnectsClients(t *testing.T) {
	hub := NewHub(func() *models.AggregateState { return testState(1) })
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(server.Close)

	conn := dial(t, server, "")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server side closes the connection on shutdown")
}
