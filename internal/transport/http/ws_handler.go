package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/app"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/metrics"
	"quiz-access-service/internal/poller"
)

// WSHandler pushes eligibility changes to a waiting student. Each connection owns one
// poller; closing the connection stops it.
type WSHandler struct {
	service    *app.QuizService
	clock      clockwork.Clock
	policy     poller.Policy
	trustProxy bool
	log        *zap.Logger
	metrics    *metrics.Metrics
	limiter    *entryLimiter
	upgrader   websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, d Deps) *WSHandler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &WSHandler{
		service:    service,
		clock:      d.Clock,
		policy:     d.Policy,
		trustProxy: d.TrustProxy,
		log:        d.Logger,
		metrics:    d.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type passwordPayload struct {
	Password string `json:"password"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and watches eligibility for the quiz in the path.
// Clients may send {"type":"refresh"} or {"type":"password","payload":{"password":"..."}}.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	id := auth.FromContext(r.Context())
	origin := clientOrigin(r, h.trustProxy)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	var (
		secretMu sync.Mutex
		secret   string
	)
	fetch := poller.FetchFunc(func(ctx context.Context) (access.Eligibility, error) {
		secretMu.Lock()
		s := secret
		secretMu.Unlock()
		return h.service.Eligibility(ctx, quizID, id, app.EntryRequest{Origin: origin, Secret: s})
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := poller.New(h.clock, fetch, h.policy,
		poller.WithOnChange(func(e access.Eligibility) {
			enqueue(send, outboundMessage[any]{Type: "eligibility", Payload: e})
		}),
		poller.WithOnError(func(error) {
			enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "eligibility unavailable, retrying on reconnect"}})
		}),
		poller.WithLogger(h.log.With(zap.String("quiz", quizID), zap.String("student", id.Subject))),
		poller.WithMetrics(h.metrics),
	)

	if err := p.Refresh(ctx); err != nil {
		enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: publicMessage(err)}})
	} else {
		cur, _ := p.Current()
		p.Watch(ctx, cur.StartTime)
		h.readLoop(ctx, conn, p, send, quizID, id, origin, func(s string) {
			secretMu.Lock()
			secret = s
			secretMu.Unlock()
		})
	}

	p.Stop()
	close(send)
	<-writerDone
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, p *poller.Poller, send chan outboundMessage[any],
	quizID string, id auth.Identity, origin string, setSecret func(string)) {
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "refresh":
		case "password":
			var payload passwordPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid password payload"}})
				continue
			}
			caller := origin
			if id.Authenticated() {
				caller = id.Subject
			}
			if !h.limiter.allow(quizID, caller) {
				enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "too many password attempts"}})
				continue
			}
			setSecret(payload.Password)
		default:
			enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
			continue
		}
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			enqueue(send, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: publicMessage(err)}})
		}
	}
}

// enqueue never blocks: the poller calls it while locked. A full queue drops its oldest
// message so a slow client still ends up with the latest state.
func enqueue(send chan outboundMessage[any], msg outboundMessage[any]) {
	select {
	case send <- msg:
		return
	default:
	}
	select {
	case <-send:
	default:
	}
	select {
	case send <- msg:
	default:
	}
}

func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
