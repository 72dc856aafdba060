package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"marketrecorder/logger"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
	readTimeout           = 60 * time.Second
)

type subscriptionAck struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// session keeps one websocket subscribed to topic until ctx is done,
// reconnecting after reconnectDelay. Every dropped connection is reported
// through onDrop so watchers see the gap.
type session struct {
	url            string
	topic          string
	localIP        string
	reconnectDelay time.Duration
	log            *logger.Entry

	handle func(msg []byte) error
	onDrop func(err error)
}

func (s *session) dialer() *websocket.Dialer {
	d := *websocket.DefaultDialer
	if s.localIP != "" {
		if ip := net.ParseIP(s.localIP); ip != nil {
			nd := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			d.NetDialContext = nd.DialContext
		}
	}
	return &d
}

func (s *session) run(ctx context.Context) {
	delay := s.reconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	dialer := s.dialer()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.WithError(err).WithField("url", s.url).Warn("failed to connect to bybit websocket")
			s.drop(ctx, fmt.Errorf("connect %s: %w", s.url, err))
			if waitForReconnect(ctx, delay) {
				return
			}
			continue
		}

		if err := subscribe(conn, s.topic); err != nil {
			s.log.WithError(err).WithField("topic", s.topic).Warn("failed to subscribe to bybit topic")
			conn.Close()
			s.drop(ctx, fmt.Errorf("subscribe %s: %w", s.topic, err))
			if waitForReconnect(ctx, delay) {
				return
			}
			continue
		}

		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		startPingLoop(connCtx, conn, defaultKeepAlive, s.log)

		err = s.readMessages(conn)
		cancel()

		if ctx.Err() != nil {
			return
		}
		s.log.WithError(err).WithField("topic", s.topic).Warn("bybit websocket read loop ended")
		s.drop(ctx, fmt.Errorf("bybit stream %s interrupted: %w", s.topic, err))
		if waitForReconnect(ctx, delay) {
			return
		}
	}
}

func (s *session) drop(ctx context.Context, err error) {
	if ctx.Err() == nil && s.onDrop != nil {
		s.onDrop(err)
	}
}

func subscribe(conn *websocket.Conn, topic string) error {
	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  []string{topic},
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	return conn.WriteJSON(req)
}

func (s *session) readMessages(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame struct {
			subscriptionAck
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.log.WithError(err).Debug("failed to decode bybit message, skipping")
			continue
		}
		if frame.Op != "" {
			if frame.Op == "subscribe" && !frame.Success {
				return fmt.Errorf("subscription rejected: %s", frame.RetMsg)
			}
			continue
		}
		if frame.Topic != s.topic {
			continue
		}
		if err := s.handle(msg); err != nil {
			s.log.WithError(err).Debug("failed to handle bybit message")
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// bybit drops connections without an application level ping
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
}
