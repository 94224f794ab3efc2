package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/OpenAgentsInc/commander/internal/cryptographic/keys"
	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Server is a websocket relay backed by a MemoryRelay.
type Server struct {
	*httptest.Server
	Store *MemoryRelay

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(opts ...MemoryOption) *Server {
	s := &Server{conns: make(map[*websocket.Conn]struct{})}

	r := mux.NewRouter()
	r.HandleFunc("/", s.HandleWS()).Methods(http.MethodGet)
	s.Server = httptest.NewServer(r)
	s.Store = NewMemoryRelay(s.URL(), opts...)
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// DropConnections closes every client connection, as a relay restart would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.processWSMessage(r.Context(), conn)

		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *Server) processWSMessage(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("test relay socket closed", zap.Error(err))
			return
		}

		switch env := nostr.ParseMessage(data).(type) {
		case *nostr.ReqEnvelope:
			events, err := s.Store.Query(ctx, env.Filters)
			if err != nil {
				writeJSON(conn, &nostr.ClosedEnvelope{SubscriptionID: env.SubscriptionID, Reason: "error: " + err.Error()})
				continue
			}
			for _, ev := range events {
				id := env.SubscriptionID
				writeJSON(conn, &nostr.EventEnvelope{SubscriptionID: &id, Event: *ev})
			}
			eose := nostr.EOSEEnvelope(env.SubscriptionID)
			writeJSON(conn, &eose)
		case *nostr.EventEnvelope:
			ok := &nostr.OKEnvelope{EventID: env.Event.ID, OK: true}
			if err := keys.Verify(&env.Event); err != nil {
				ok.OK, ok.Reason = false, "invalid: "+err.Error()
			} else if err := s.Store.Send(ctx, &env.Event); err != nil {
				ok.OK, ok.Reason = false, strings.TrimPrefix(err.Error(), "rejected: ")
			}
			writeJSON(conn, ok)
		case *nostr.CloseEnvelope:
		default:
			notice := nostr.NoticeEnvelope("unsupported message")
			writeJSON(conn, &notice)
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal relay message failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("write relay message failed", zap.Error(err))
	}
}

// Sign signs a template and panics on failure. Test fixtures only.
func Sign(sk string, tmpl model.Template) *model.SignedMessage {
	msg, err := keys.Sign(sk, tmpl)
	if err != nil {
		panic(err)
	}
	return msg
}
