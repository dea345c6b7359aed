package actuator

import (
	"net/http"
	"sync"
	"time"

	"vivarium/internal/logs"
	"vivarium/internal/models"

	"github.com/gorilla/websocket"
)

const (
	hubSendBuffer   = 16
	hubWriteTimeout = 5 * time.Second
)

// Hub — рассылка завершённых актуаций подписчикам дашборда по WebSocket.
// У каждого подписчика свой writer-цикл и буфер: медленный клиент не
// тормозит ни Broadcast, ни остальных подписчиков.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
}

type subscriber struct {
	conn *websocket.Conn
	ch   chan models.ActuationEvent
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			// дашборд ходит с того же хоста, сторонних origin нет
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS — GET /api/v1/actuators/events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.Warnf("ws upgrade: %v", err)
		return
	}
	s := &subscriber{conn: conn, ch: make(chan models.ActuationEvent, hubSendBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(s)
	// читаем только ради detection закрытия, клиент ничего не шлёт
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(s)
				return
			}
		}
	}()
}

// writeLoop — единственный писатель своего conn; завершается по закрытию
// канала подписчика.
func (h *Hub) writeLoop(s *subscriber) {
	for ev := range s.ch {
		_ = s.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := s.conn.WriteJSON(ev); err != nil {
			h.drop(s)
		}
	}
	_ = s.conn.Close()
}

// drop удаляет подписчика и закрывает его канал. Все отправки идут под
// h.mu и только подписчикам из таблицы, так что send в закрытый канал
// исключён.
func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// Broadcast шлёт событие всем подписчикам и не блокируется: переполненный
// буфер значит клиент давно не читает, такого отцепляем.
func (h *Hub) Broadcast(ev models.ActuationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			logs.Logger.Warn("ws subscriber too slow, dropping")
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

// Close отцепляет всех подписчиков (teardown).
func (h *Hub) Close() {
	h.mu.Lock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}
