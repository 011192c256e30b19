package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetops/internal/notify"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// AlertsWSHandler streams escalation alerts (and order status events when
// requested via ?topics=) over a websocket. One connection, one broker
// subscription per topic, pings to keep intermediaries from cutting idle
// streams.
func (s *Server) AlertsWSHandler(w http.ResponseWriter, r *http.Request) {
	topics := []string{notify.EventEscalation}
	if v := r.URL.Query()["topics"]; len(v) > 0 {
		topics = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	events := make(chan Event, 16)
	stop := make(chan struct{})
	for _, topic := range topics {
		ch := s.Broker.Subscribe(topic)
		go func(topic string, ch chan Event) {
			defer s.Broker.Unsubscribe(topic, ch)
			for {
				select {
				case <-stop:
					return
				case evt, ok := <-ch:
					if !ok {
						return
					}
					select {
					case events <- evt:
					case <-stop:
						return
					}
				}
			}
		}(topic, ch)
	}

	// reader only detects close and refreshes the deadline on pongs
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go func() {
		defer close(stop)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt := <-events:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
