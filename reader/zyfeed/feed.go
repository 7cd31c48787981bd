// Package zyfeed connects to the ZY market data relay, which republishes
// the exchanges' raw quotation frames over a websocket. Frames are
// forwarded untouched; decoding happens in the parser.
package zyfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/collector"
	"tickflow/logger"
	"tickflow/models"
)

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// Feed implements collector.Adapter over one websocket session. The
// lifecycle may call Connect again after a drop; each call replaces the
// previous session.
type Feed struct {
	tag  string
	url  string
	kind string
	log  *logger.Entry

	mu     sync.Mutex
	conn   *websocket.Conn
	ev     collector.Events
	closed bool
}

// New builds a feed for one relay endpoint. kind names the wire layout
// the relay carries (e.g. "dce_l1") and is stamped on every record; it
// may be empty when the parser can tell layouts apart on its own.
func New(tag, url, kind string) *Feed {
	return &Feed{
		tag:  tag,
		url:  url,
		kind: kind,
		log:  logger.GetLogger().WithComponent("zyfeed").WithFields(logger.Fields{"source": tag}),
	}
}

func (f *Feed) SourceTag() string { return f.tag }

func (f *Feed) Connect(ctx context.Context, ev collector.Events) error {
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.closed = false
	f.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.ev = ev
	f.mu.Unlock()

	go f.readLoop(conn, ev)
	f.log.WithFields(logger.Fields{"url": f.url}).Info("relay connected")
	ev.OnConnected()
	return nil
}

// Login is synthesized: the relay is anonymous.
func (f *Feed) Login(ctx context.Context, creds collector.Credentials) error {
	f.mu.Lock()
	ev := f.ev
	f.mu.Unlock()
	if ev != nil {
		ev.OnLoginResponse(true, nil)
	}
	return nil
}

// Subscribe sends the relay subscribe op. The relay does not ack, so a
// successful write is reported as acceptance per contract.
func (f *Feed) Subscribe(ctx context.Context, contracts []string) error {
	f.mu.Lock()
	conn, ev := f.conn, f.ev
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Args: contracts}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for _, c := range contracts {
		ev.OnSubscribeResponse(c, true, nil)
	}
	return nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	return nil
}

func (f *Feed) readLoop(conn *websocket.Conn, ev collector.Events) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			closed := f.closed || f.conn != conn
			f.mu.Unlock()
			if !closed {
				f.log.WithError(err).Warn("relay read failed")
				ev.OnDisconnected(err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		ev.OnMarketData(models.RawRecord{
			SourceTag: f.tag,
			Kind:      f.kind,
			Payload:   data,
			Received:  time.Now(),
		})
	}
}
