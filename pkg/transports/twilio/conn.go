package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
)

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

var (
	ErrConnClosed    = errors.New("twilio: media connection closed")
	ErrSendQueueFull = errors.New("twilio: send queue full")
)

// MediaConn is one Media Streams websocket. Reads happen on the caller's
// goroutine; writes are queued and flushed by a dedicated loop.
type MediaConn struct {
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
	onStart   func(callID string, c *MediaConn)

	mu        sync.Mutex
	streamID  string
	endReason string
	stopped   bool
}

var _ transports.Conn = (*MediaConn)(nil)

func newMediaConn(conn *websocket.Conn, log *slog.Logger, onStart func(string, *MediaConn)) *MediaConn {
	c := &MediaConn{
		conn:    conn,
		sendCh:  make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		log:     log,
		onStart: onStart,
	}
	go c.loop()
	return c
}

// ReadEvent returns the next validated event. Frames that fail validation
// return an error carrying errorsx.ReasonMalformedFrame and leave the
// connection usable. When the call was ended by a status callback the first
// read after the socket closes yields a Stop with that reason.
func (c *MediaConn) ReadEvent() (transports.Event, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.mu.Lock()
		reason, streamID := c.endReason, c.streamID
		deliver := reason != "" && !c.stopped
		c.stopped = c.stopped || deliver
		c.mu.Unlock()
		if deliver {
			return transports.Stop{StreamID: streamID, Reason: reason}, nil
		}
		return nil, fmt.Errorf("twilio: read: %w", err)
	}
	ev, err := decodeEvent(msg)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonMalformedFrame)
	}
	switch e := ev.(type) {
	case transports.Start:
		c.mu.Lock()
		c.streamID = e.StreamID
		c.mu.Unlock()
		if c.onStart != nil && e.CallID != "" {
			c.onStart(e.CallID, c)
		}
	case transports.Stop:
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
	}
	return ev, nil
}

func (c *MediaConn) SendMedia(streamID, payload string) error {
	return c.enqueue(outboundMedia{Event: "media", StreamID: streamID, Media: outboundPayload{Payload: payload}})
}

func (c *MediaConn) Clear(streamID string) error {
	return c.enqueue(outboundClear{Event: "clear", StreamID: streamID})
}

// SendDTMF sends one dtmf event per keypad digit. Twilio has no pause
// primitive on the stream, so w and W are skipped.
func (c *MediaConn) SendDTMF(streamID, digits string) error {
	sent := 0
	for _, r := range digits {
		if !strings.ContainsRune("0123456789*#", r) {
			continue
		}
		if err := c.enqueue(outboundDTMF{Event: "dtmf", StreamID: streamID, DTMF: TwilioDTMF{Digit: string(r)}}); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("twilio: no keypad digits in %q", digits)
	}
	return nil
}

func (c *MediaConn) enqueue(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- b:
		return nil
	default:
		return errorsx.Wrap(ErrSendQueueFull, errorsx.ReasonTransportSend)
	}
}

func (c *MediaConn) loop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("twilio_media_write_failed", errorsx.LogAttrs(errorsx.Wrap(err, errorsx.ReasonTransportSend))...)
				_ = c.Close()
				return
			}
		}
	}
}

// terminate records why the call ended and closes the socket, which unblocks
// the reader.
func (c *MediaConn) terminate(reason string) {
	c.mu.Lock()
	if c.endReason == "" {
		c.endReason = reason
	}
	c.mu.Unlock()
	_ = c.Close()
}

// Close is idempotent. Queued writes that were not yet flushed are dropped.
func (c *MediaConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
