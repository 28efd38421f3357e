package broker

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/config"
)

// ErrStreamClosed is returned when a streaming call is made before Connect
// or after Close.
var ErrStreamClosed = errors.New("broker: stream not connected")

// Stream is the gateway websocket carrying update notifications and live
// bar data. A background goroutine only moves raw frames into a channel;
// parsing and series mutation happen on the caller's goroutine inside
// WaitForUpdate, so all bar data stays single-threaded.
type Stream struct {
	cfg    *config.Broker
	logger *zap.Logger

	conn     *websocket.Conn
	messages chan []byte
	quit     chan struct{}
	readErr  error // set by the read loop before messages is closed

	series map[int64]*BarSeries // by contract id
}

// NewStream creates an unconnected stream.
func NewStream(cfg *config.Broker, logger *zap.Logger) *Stream {
	return &Stream{
		cfg:    cfg,
		logger: logger,
		series: make(map[int64]*BarSeries),
	}
}

// Connect dials the gateway websocket and starts the read loop.
func (s *Stream) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if s.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.Dial(s.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway stream: %w", err)
	}
	s.conn = conn
	s.messages = make(chan []byte, 16)
	s.quit = make(chan struct{})
	go s.readLoop()

	s.logger.Info("Connected to gateway stream", zap.String("url", s.cfg.StreamURL))
	return nil
}

// readLoop forwards raw frames until the connection fails or Close is called.
func (s *Stream) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			close(s.messages)
			return
		}
		select {
		case s.messages <- payload:
		case <-s.quit:
			return
		}
	}
}

// Subscribe registers a bar series for live updates.
func (s *Stream) Subscribe(series *BarSeries) error {
	if s.conn == nil {
		return ErrStreamClosed
	}

	args, _ := json.Marshal(map[string]string{"period": series.Period, "bar": series.BarSize, "outsideRth": "true"})
	msg := "smh+" + strconv.FormatInt(series.Instrument.ConID, 10) + "+" + string(args)
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("failed to subscribe to bars for %s: %w", series.Instrument.Symbol, err)
	}

	s.series[series.Instrument.ConID] = series
	return nil
}

// Unsubscribe cancels a bar subscription. Unknown series are a no-op.
func (s *Stream) Unsubscribe(series *BarSeries) error {
	if _, ok := s.series[series.Instrument.ConID]; !ok {
		return nil
	}
	delete(s.series, series.Instrument.ConID)

	if s.conn == nil {
		return nil
	}
	msg := "smc+" + strconv.FormatInt(series.Instrument.ConID, 10)
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("failed to cancel bars for %s: %w", series.Instrument.Symbol, err)
	}
	return nil
}

// streamMessage is one websocket frame from the gateway.
type streamMessage struct {
	Topic string        `json:"topic"`
	Data  []barResponse `json:"data"`
}

// WaitForUpdate blocks until the gateway pushes a message or the timeout
// elapses. Bar messages are applied to their registered series; a timeout
// without a message is a normal return.
func (s *Stream) WaitForUpdate(timeout time.Duration) error {
	if s.conn == nil {
		return ErrStreamClosed
	}

	select {
	case payload, ok := <-s.messages:
		if !ok {
			return fmt.Errorf("gateway stream read failed: %w", s.readErr)
		}
		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("Ignoring unparseable stream message", zap.Error(err))
			return nil
		}
		s.dispatch(msg)
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// dispatch applies a bar update to its registered series.
func (s *Stream) dispatch(msg streamMessage) {
	if !strings.HasPrefix(msg.Topic, "smh+") {
		return
	}
	conID, err := strconv.ParseInt(strings.TrimPrefix(msg.Topic, "smh+"), 10, 64)
	if err != nil {
		return
	}
	series, ok := s.series[conID]
	if !ok {
		return
	}

	for _, b := range msg.Data {
		bar := b.bar()
		// Updates re-send the forming bar; replace it rather than append.
		if n := len(series.Bars); n > 0 && series.Bars[n-1].Time.Equal(bar.Time) {
			series.Bars[n-1] = bar
		} else {
			series.Bars = append(series.Bars, bar)
		}
	}
}

// Close cancels all subscriptions and closes the connection.
func (s *Stream) Close() error {
	if s.conn == nil {
		return nil
	}
	close(s.quit)
	err := s.conn.Close()
	s.conn = nil
	s.series = make(map[int64]*BarSeries)
	return err
}
