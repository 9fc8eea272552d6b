package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"tradefeed/internal/model"
	"tradefeed/internal/router"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var (
	// ErrSessionClosed is returned when delivering to a session whose transport is gone.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when a session's outgoing buffer is full.
	ErrSlowConsumer = errors.New("session send buffer full")
)

// clientMessage is sent by downstream clients.
type clientMessage struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// serverMessage is pushed to downstream clients.
type serverMessage struct {
	Type    string              `json:"type"`
	Path    string              `json:"path,omitempty"`
	Message *model.TradePayload `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Broker is the part of the topic router a session needs.
type Broker interface {
	Attach(topic string, sub router.Subscriber) (string, error)
	Unsubscribe(topic string, sub router.Subscriber)
	Detach(sub router.Subscriber)
}

// Session is one downstream websocket client. Deliveries are queued and written by
// a dedicated goroutine so a slow client never stalls Publish.
type Session struct {
	id           string
	logger       *slog.Logger
	conn         *websocket.Conn
	broker       Broker
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newSession(logger *slog.Logger, conn *websocket.Conn, broker Broker, buffer int, writeTimeout time.Duration) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		logger:       logger.With("subscriber", id),
		conn:         conn,
		broker:       broker,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Deliver queues a trade for the client.
func (s *Session) Deliver(topic string, payload model.TradePayload) error {
	data, err := json.Marshal(serverMessage{Type: "pub", Path: topic, Message: &payload})
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *Session) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.enqueue(data); err != nil {
		s.logger.Warn("Closing session after failed reply", "error", err)
		s.close()
	}
}

// close ends the session once and removes it from every topic.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broker.Detach(s)
		s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Session read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "sub":
			topic, err := s.broker.Attach(msg.Path, s)
			if err != nil {
				s.reply(serverMessage{Type: "error", Path: msg.Path, Error: err.Error()})
				continue
			}
			s.logger.Debug("Session subscribed", "topic", topic)
			s.reply(serverMessage{Type: "sub", Path: topic})
		case "unsub":
			s.broker.Unsubscribe(msg.Path, s)
			topic, _ := model.NormalizeTopic(msg.Path)
			s.reply(serverMessage{Type: "unsub", Path: topic})
		case "ping":
			s.reply(serverMessage{Type: "pong"})
		default:
			s.reply(serverMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("Session write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
