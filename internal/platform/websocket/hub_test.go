package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/events"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, TenantID: "default", Topics: topics, Send: make(chan []byte, 16)}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.Send:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("failed to unmarshal frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive a frame", c.ID)
	}
	return Message{}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Send:
		t.Fatalf("client %s should not have received a frame", c.ID)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", TopicCritical)

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount(TopicCritical) != 1 {
		t.Fatalf("expected 1 client on %s", TopicCritical)
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount(TopicCritical) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(c)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient("sub", TopicReports)
	other := newClient("other", TopicCritical)
	hub.Register(sub)
	hub.Register(other)

	hub.Broadcast(TopicReports, Message{Type: events.TypeReportFinalized, StudyUID: "1.2.3"})

	m := receive(t, sub)
	if m.Topic != TopicReports || m.StudyUID != "1.2.3" {
		t.Errorf("unexpected frame %+v", m)
	}
	assertSilent(t, other)
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{TopicCritical, TopicCritical}})
	if len(c.Topics) != 1 {
		t.Errorf("expected 1 topic, got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{TopicCritical}})
	if len(c.Topics) != 0 || hub.TopicCount(TopicCritical) != 0 {
		t.Errorf("expected no topics after unsubscribe, got %v", c.Topics)
	}
}

func TestHub_HandleEvent_Critical(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ward := newClient("ward", TopicCritical)
	study := newClient("study", StudyTopic("1.2.840.9"))
	reports := newClient("reports", TopicReports)
	hub.Register(ward)
	hub.Register(study)
	hub.Register(reports)

	evt := events.New(events.TypeCriticalRaised, "default", events.CriticalRaised{
		ID: "f1", StudyUID: "1.2.840.9", Severity: "life_threatening", Reason: "tension pneumothorax",
	})
	if err := hub.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := receive(t, ward)
	if m.Type != events.TypeCriticalRaised {
		t.Errorf("expected %s, got %s", events.TypeCriticalRaised, m.Type)
	}
	var p events.CriticalRaised
	if err := json.Unmarshal(m.Data, &p); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	if p.Reason != "tension pneumothorax" {
		t.Errorf("unexpected payload %+v", p)
	}

	if m := receive(t, study); m.Topic != StudyTopic("1.2.840.9") {
		t.Errorf("expected study topic, got %s", m.Topic)
	}
	assertSilent(t, reports)
}

func TestHub_HandleEvent_Finalized(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", TopicReports)
	hub.Register(c)

	evt := events.New(events.TypeReportFinalized, "default", events.ReportFinalized{StudyUID: "9.9"})
	if err := hub.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := receive(t, c); m.StudyUID != "9.9" {
		t.Errorf("unexpected frame %+v", m)
	}
}

func TestHub_HandleEvent_TenantIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	own := newClient("own", TopicCritical)
	other := &Client{ID: "other", TenantID: "acme", Topics: []string{TopicCritical}, Send: make(chan []byte, 4)}
	hub.Register(own)
	hub.Register(other)

	evt := events.New(events.TypeCriticalAcknowledged, "default", events.CriticalAcknowledged{ID: "f1", StudyUID: "1.2"})
	if err := hub.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receive(t, own)
	assertSilent(t, other)
}

func TestHub_FullBufferSkipsFrame(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{TopicReports}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast(TopicReports, Message{Type: "a"})
	hub.Broadcast(TopicReports, Message{Type: "b"})

	if m := receive(t, c); m.Type != "a" {
		t.Errorf("expected first frame, got %s", m.Type)
	}
	assertSilent(t, c)
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newClient("c", TopicCritical)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.Register(c)
			hub.Broadcast(TopicCritical, Message{Type: "x"})
			hub.Unregister(c)
		}(clients[i])
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHandler(NewHub(zerolog.Nop()), nil)
	if err := h.HandleConnect(c); err == nil {
		t.Fatal("expected error for non-upgrade request")
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://pacs.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected foreign origin to be rejected")
	}
	req.Header.Set("Origin", "https://pacs.example")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected allowed origin to pass")
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=" + TopicCritical
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(TopicCritical) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(TopicCritical) != 1 {
		t.Fatal("expected client subscribed from query parameter")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicReports}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	for hub.TopicCount(TopicReports) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	evt := events.New(events.TypeReportFinalized, "", events.ReportFinalized{StudyUID: "4.5.6"})
	if err := hub.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if got.Type != events.TypeReportFinalized || got.StudyUID != "4.5.6" {
		t.Errorf("unexpected frame %+v", got)
	}
}
