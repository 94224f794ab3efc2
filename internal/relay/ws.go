package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OpenAgentsInc/commander/internal/model"
	"github.com/OpenAgentsInc/commander/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	subscriptionBuf  = 64
	closeGracePeriod = time.Second
)

var errConnClosed = errors.New("relay connection closed")

type (
	wsRelay struct {
		url  string
		conn *websocket.Conn

		writeMu sync.Mutex

		mu   sync.Mutex
		subs map[string]*subscription
		// oks holds every send waiting for an OK, per event id.
		oks map[string][]chan okResult

		done      chan struct{}
		closeOnce sync.Once
		err       error
	}

	subscription struct {
		events  chan *model.SignedMessage
		eose    chan struct{}
		closed  chan string
		done    chan struct{}
		eoseHit sync.Once
	}

	okResult struct {
		ok     bool
		reason string
	}
)

// DialWebsocket opens a websocket connection to a relay and starts its read loop.
func DialWebsocket(ctx context.Context, url string) (Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	r := &wsRelay{
		url:  url,
		conn: conn,
		subs: make(map[string]*subscription),
		oks:  make(map[string][]chan okResult),
		done: make(chan struct{}),
	}
	go r.listen()
	return r, nil
}

func (r *wsRelay) URL() string {
	return r.url
}

func (r *wsRelay) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *wsRelay) Query(ctx context.Context, filters []model.Filter) ([]*model.SignedMessage, error) {
	id := uuid.NewString()
	sub := &subscription{
		events: make(chan *model.SignedMessage, subscriptionBuf),
		eose:   make(chan struct{}),
		closed: make(chan string, 1),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		close(sub.done)

		if r.Alive() {
			env := nostr.CloseEnvelope(id)
			if err := r.writeJSON(&env); err != nil {
				log.Debug("send CLOSE failed", zap.String("relay", r.url), zap.Error(err))
			}
		}
	}()

	req := nostr.ReqEnvelope{SubscriptionID: id, Filters: nostr.Filters(filters)}
	if err := r.writeJSON(&req); err != nil {
		return nil, err
	}

	var out []*model.SignedMessage
	for {
		select {
		case ev := <-sub.events:
			out = append(out, ev)
		case <-sub.eose:
			return drain(out, sub.events), nil
		case reason := <-sub.closed:
			return drain(out, sub.events), fmt.Errorf("subscription closed by relay: %s", reason)
		case <-r.done:
			return drain(out, sub.events), r.closedErr()
		case <-ctx.Done():
			return drain(out, sub.events), ctx.Err()
		}
	}
}

func drain(out []*model.SignedMessage, ch chan *model.SignedMessage) []*model.SignedMessage {
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (r *wsRelay) Send(ctx context.Context, msg *model.SignedMessage) error {
	ch := make(chan okResult, 1)

	r.mu.Lock()
	r.oks[msg.ID] = append(r.oks[msg.ID], ch)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		waiters := slices.DeleteFunc(r.oks[msg.ID], func(w chan okResult) bool { return w == ch })
		if len(waiters) == 0 {
			delete(r.oks, msg.ID)
		} else {
			r.oks[msg.ID] = waiters
		}
	}()

	if err := r.writeJSON(&nostr.EventEnvelope{Event: *msg}); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.ok {
			return &RejectedError{Reason: res.reason}
		}
		return nil
	case <-r.done:
		return r.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *wsRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		r.writeMu.Unlock()

		err = r.conn.Close()
		r.mu.Lock()
		r.err = errConnClosed
		r.mu.Unlock()
		close(r.done)
	})
	return err
}

func (r *wsRelay) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return errConnClosed
}

func (r *wsRelay) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if !r.Alive() {
		return r.closedErr()
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *wsRelay) listen() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			log.Debug("relay web socket closed", zap.String("relay", r.url), zap.Error(err))
			r.fail(err)
			return
		}

		switch env := nostr.ParseMessage(data).(type) {
		case *nostr.EventEnvelope:
			if env.SubscriptionID == nil {
				continue
			}
			sub := r.subscription(*env.SubscriptionID)
			if sub == nil {
				continue
			}
			ev := env.Event
			select {
			case sub.events <- &ev:
			case <-sub.done:
			case <-r.done:
				return
			}
		case *nostr.EOSEEnvelope:
			if sub := r.subscription(string(*env)); sub != nil {
				sub.eoseHit.Do(func() { close(sub.eose) })
			}
		case *nostr.ClosedEnvelope:
			if sub := r.subscription(env.SubscriptionID); sub != nil {
				select {
				case sub.closed <- env.Reason:
				default:
				}
			}
		case *nostr.OKEnvelope:
			r.mu.Lock()
			for _, ch := range r.oks[env.EventID] {
				select {
				case ch <- okResult{ok: env.OK, reason: env.Reason}:
				default:
				}
			}
			r.mu.Unlock()
		case *nostr.NoticeEnvelope:
			log.Info("relay notice", zap.String("relay", r.url), zap.String("notice", string(*env)))
		case nil:
			log.Debug("unparseable relay message", zap.String("relay", r.url))
		}
	}
}

func (r *wsRelay) subscription(id string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// fail records the read error and marks the connection dead.
func (r *wsRelay) fail(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = fmt.Errorf("%w: %v", errConnClosed, err)
		r.mu.Unlock()
		_ = r.conn.Close()
		close(r.done)
	})
}
