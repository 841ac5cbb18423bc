package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/domain"
)

func TestWebSocketPushesStart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(quizStart.Add(-30 * time.Second))
	env := newTestEnv(t, clock, sampleQuiz())

	conn := env.dial(t, "quiz-1", env.token(t, "s1"))
	first := readEligibility(t, conn)
	if first.State != domain.StateUpcoming || !first.HasReason(access.ReasonNotStarted) {
		t.Fatalf("expected UPCOMING first, got %+v", first)
	}

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	live := readEligibility(t, conn)
	if live.State != domain.StateLive || !live.CanEnter {
		t.Fatalf("expected LIVE push at start, got %+v", live)
	}

	_ = conn.Close()
	clock.BlockUntil(0)
}

func TestWebSocketPasswordRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(quizStart.Add(time.Minute))
	quiz := sampleQuiz()
	quiz.Protected = true
	quiz.Secret = "letmein"
	env := newTestEnv(t, clock, quiz)

	conn := env.dial(t, "quiz-1", env.token(t, "s1"))
	defer conn.Close()
	first := readEligibility(t, conn)
	if first.CanEnter || !first.HasReason(access.ReasonPasswordRequired) {
		t.Fatalf("expected password required, got %+v", first)
	}

	if err := conn.WriteJSON(map[string]any{"type": "password", "payload": map[string]any{"password": "letmein"}}); err != nil {
		t.Fatalf("write password: %v", err)
	}
	granted := readEligibility(t, conn)
	if !granted.CanEnter {
		t.Fatalf("expected entry granted after password, got %+v", granted)
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readNext(t, conn); typ != "error" {
		t.Fatalf("expected error for unsupported message, got %s", typ)
	}
}

func TestWebSocketUnknownQuiz(t *testing.T) {
	env := newTestEnv(t, clockwork.NewFakeClockAt(quizStart), sampleQuiz())
	conn := env.dial(t, "missing", env.token(t, "s1"))
	defer conn.Close()

	typ, payload := readNext(t, conn)
	if typ != "error" || payload["message"] != domain.ErrQuizNotFound.Error() {
		t.Fatalf("expected not found error, got %s %v", typ, payload)
	}
}

func (e *testEnv) dial(t *testing.T, quizID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + e.server.URL[len("http"):] + "/ws/quizzes/" + quizID + "/watch?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected upgrade, got %d", resp.StatusCode)
	}
	return conn
}

func readNext(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return msg.Type, msg.Payload
}

func readEligibility(t *testing.T, conn *websocket.Conn) access.Eligibility {
	t.Helper()
	var msg outboundMessage[access.Eligibility]
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg.Type != "eligibility" {
		t.Fatalf("expected eligibility, got %s", msg.Type)
	}
	return msg.Payload
}
