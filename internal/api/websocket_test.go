package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/dragon-core/internal/auth"
	"github.com/nerrad567/dragon-core/internal/dragon"
	"github.com/nerrad567/dragon-core/internal/infrastructure/config"
	"github.com/nerrad567/dragon-core/internal/infrastructure/logging"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logging.Discard())
}

func subscribedClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	h.Register(c)
	return c
}

func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return WSMessage{}
	}
}

func expectNothing(t *testing.T, c *WSClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected message %s", data)
	default:
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	ticket, _ := decode[map[string]any](t, w)["ticket"].(string) //nolint:errcheck // checked below
	if ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	if _, ok := env.srv.tickets.redeem(ticket, time.Now()); !ok {
		t.Error("redeem() = false on first use, want true")
	}
	if _, ok := env.srv.tickets.redeem(ticket, time.Now()); ok {
		t.Error("redeem() = true on second use, want false")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()

	old := ts.issue("bench", auth.RoleOperator, now.Add(-2*ticketTTL))
	if _, ok := ts.redeem(old, now); ok {
		t.Error("redeem() = true for an expired ticket")
	}
	if _, ok := ts.tickets[old]; ok {
		t.Error("expired ticket was not consumed")
	}

	stale := ts.issue("", "", now.Add(-2*ticketTTL))
	fresh := ts.issue("", "", now)
	ts.sweep(now)
	if _, ok := ts.tickets[stale]; ok {
		t.Error("sweep kept a stale ticket")
	}
	if _, ok := ts.tickets[fresh]; !ok {
		t.Error("sweep dropped a fresh ticket")
	}
}

func TestWebSocket_RequiresTicket(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/api/v1/ws", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no ticket status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/ws?ticket=bogus", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bogus ticket status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	h := testHub(t)
	on := subscribedClient(h, ChannelDeviceState)
	off := subscribedClient(h, ChannelDeviceButton)

	h.Broadcast(ChannelDeviceState, map[string]any{"position_a": 10})

	if msg := receive(t, on); msg.Type != WSTypeEvent || msg.EventType != ChannelDeviceState {
		t.Errorf("msg = %+v", msg)
	}
	expectNothing(t, off)
}

func TestHub_ClientCount(t *testing.T) {
	h := testHub(t)
	if h.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", h.ClientCount())
	}
	c := subscribedClient(h)
	if h.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", h.ClientCount())
	}
	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", h.ClientCount())
	}
}

func TestHub_OnEventRoutesChannels(t *testing.T) {
	h := testHub(t)
	state := subscribedClient(h, ChannelDeviceState)
	button := subscribedClient(h, ChannelDeviceButton)

	h.OnEvent(dragon.Event{Kind: dragon.EventStateReport, A: 30, B: 60},
		dragon.StateSnapshot{PositionA: 30, PositionB: 60})
	h.OnEvent(dragon.Event{Kind: dragon.EventButtonReleased},
		dragon.StateSnapshot{PositionA: 30, PositionB: 60})
	h.OnEvent(dragon.Event{Kind: dragon.EventUnknown}, dragon.StateSnapshot{})

	msg := receive(t, state)
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["position_a"] != float64(30) || payload["position_b"] != float64(60) {
		t.Errorf("state payload = %v", msg.Payload)
	}
	expectNothing(t, state)

	msg = receive(t, button)
	payload, _ = msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["pressed"] != false || payload["position_a"] != float64(30) {
		t.Errorf("button payload = %v", msg.Payload)
	}
	expectNothing(t, button)
}

func TestHub_TransformationProgress(t *testing.T) {
	h := testHub(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	h.clock = func() time.Time { return now }

	started := subscribedClient(h, ChannelTransformationStarted)
	progress := subscribedClient(h, ChannelTransformationProgress)

	h.OnTransformation(dragon.Transformation{
		ID:        "t-1",
		Kind:      dragon.KindDirect,
		TargetA:   100,
		TargetB:   0,
		StartTime: start,
		EndTimeA:  start.Add(500 * time.Millisecond),
		EndTimeB:  start,
	})
	if msg := receive(t, started); msg.EventType != ChannelTransformationStarted {
		t.Errorf("started event = %q", msg.EventType)
	}

	now = start.Add(250 * time.Millisecond)
	h.tickProgress(now)
	msg := receive(t, progress)
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["complete"] != false || payload["percent_a"] != float64(50) {
		t.Errorf("mid progress = %v", payload)
	}

	now = start.Add(time.Second)
	h.tickProgress(now)
	msg = receive(t, progress)
	payload, _ = msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["complete"] != true {
		t.Errorf("final progress = %v, want complete", payload)
	}

	h.tickProgress(now.Add(time.Second))
	expectNothing(t, progress)
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h := testHub(t)
	c := subscribedClient(h, ChannelDeviceState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.ClientCount() != 0 {
		t.Errorf("clients after Run = %d, want 0", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("client send channel still open")
	}
}

func TestWebSocket_FullConnection(t *testing.T) {
	env := testServer(t)
	hubCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(hubCtx)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/auth/ws-ticket", "application/json", nil)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	err = json.NewDecoder(resp.Body).Decode(&ticket)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode ticket response: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket.Ticket
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceState}},
	}); err != nil {
		t.Fatalf("write subscribe message: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var response WSMessage
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if response.Type != WSTypeResponse || response.ID != "sub-1" {
		t.Errorf("response = %+v, want response to sub-1", response)
	}

	env.srv.hub.OnEvent(dragon.Event{Kind: dragon.EventStateReport, A: 5, B: 6},
		dragon.StateSnapshot{PositionA: 5, PositionB: 6})

	var event WSMessage
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelDeviceState {
		t.Errorf("event = %+v", event)
	}
}

func TestWSClient_Subscriptions(t *testing.T) {
	h := testHub(t)
	c := subscribedClient(h)

	c.handleMessage([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["device.state","device.button"]}}`))
	if msg := receive(t, c); msg.Type != WSTypeResponse || msg.ID != "s1" {
		t.Errorf("subscribe reply = %+v", msg)
	}
	if !c.isSubscribed(ChannelDeviceState) || !c.isSubscribed(ChannelDeviceButton) {
		t.Error("channels not subscribed")
	}

	c.handleMessage([]byte(`{"type":"unsubscribe","id":"u1","payload":{"channels":["device.button"]}}`))
	receive(t, c)
	if c.isSubscribed(ChannelDeviceButton) {
		t.Error("device.button still subscribed")
	}

	c.handleMessage([]byte(`{"type":"subscribe","id":"s2","payload":{"channels":["device.state","fans.secret"]}}`))
	msg := receive(t, c)
	if msg.Type != WSTypeError || msg.ID != "s2" {
		t.Errorf("unknown channel reply = %+v, want error", msg)
	}
	if c.isSubscribed("fans.secret") {
		t.Error("unknown channel subscribed")
	}
}

func TestWSClient_BadMessages(t *testing.T) {
	h := testHub(t)
	c := subscribedClient(h)

	tests := []struct {
		name     string
		data     string
		wantType string
	}{
		{"not json", `{nope`, WSTypeError},
		{"unknown type", `{"type":"dance"}`, WSTypeError},
		{"missing payload", `{"type":"subscribe"}`, WSTypeError},
		{"ping", `{"type":"ping","id":"p"}`, WSTypePong},
	}
	for _, tt := range tests {
		c.handleMessage([]byte(tt.data))
		if msg := receive(t, c); msg.Type != tt.wantType {
			t.Errorf("%s: reply type = %q, want %q", tt.name, msg.Type, tt.wantType)
		}
	}
}

func TestWSClient_DeliverAfterShutdown(t *testing.T) {
	h := testHub(t)
	c := subscribedClient(h, ChannelDeviceState)
	h.Unregister(c)

	// Must not panic on the closed queue.
	h.Broadcast(ChannelDeviceState, nil)
	if !c.deliver([]byte("x")) {
		t.Error("deliver on closed client = false, want true")
	}
}

func TestWSClient_QueueFull(t *testing.T) {
	c := &WSClient{send: make(chan []byte, 1), subscriptions: map[string]struct{}{}}
	if !c.deliver([]byte("a")) {
		t.Fatal("first deliver = false")
	}
	if c.deliver([]byte("b")) {
		t.Error("deliver on full queue = true, want false")
	}
}

func TestKeepaliveFrom(t *testing.T) {
	k := keepaliveFrom(config.WebSocketConfig{})
	if k.ping != defaultPingInterval || k.pong != defaultPongTimeout {
		t.Errorf("defaults = %+v", k)
	}
	k = keepaliveFrom(config.WebSocketConfig{PingInterval: 5, PongTimeout: 2})
	if k.ping != 5*time.Second || k.pong != 2*time.Second {
		t.Errorf("configured = %+v", k)
	}
}
