package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client is a Store implementation backed by a WebSocket connection to
// a document-store gateway.
//
// Wire protocol (JSON messages):
//
//	→ {"type":"subscribe","collection":"sales"}
//	→ {"type":"unsubscribe","collection":"sales"}
//	→ {"type":"commit","seq":7,"writes":[...]}
//	← {"type":"snapshot","collection":"sales","docs":[...],"fromCache":false}
//	← {"type":"ack","seq":7,"error":""}
//
// Snapshots are fanned out to the matching subscribers; acks resolve
// the pending commit with the same sequence number.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	mu      sync.Mutex
	subs    map[string]map[int]SnapshotFunc
	pending map[int64]chan string
	nextSub int
	nextSeq int64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// clientMessage is the envelope for both directions of the protocol.
type clientMessage struct {
	Type       string     `json:"type"`
	Collection string     `json:"collection,omitempty"`
	Seq        int64      `json:"seq,omitempty"`
	Writes     []Write    `json:"writes,omitempty"`
	Docs       []Document `json:"docs,omitempty"`
	FromCache  bool       `json:"fromCache,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Dial connects to a document-store gateway at url (ws:// or wss://).
//
// If logger is nil, a default logger writing to stderr is used.
func Dial(ctx context.Context, url string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway %s: %w", url, err)
	}
	conn.SetReadLimit(8 << 20)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		logger:  logger,
		subs:    make(map[string]map[int]SnapshotFunc),
		pending: make(map[int64]chan string),
		ctx:     runCtx,
		cancel:  cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Commit implements Store.Commit.
func (c *Client) Commit(ctx context.Context, writes []Write) error {
	if len(writes) > MaxBatchOps {
		return fmt.Errorf("batch of %d writes exceeds limit of %d", len(writes), MaxBatchOps)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("gateway connection closed")
	}
	c.nextSeq++
	seq := c.nextSeq
	ack := make(chan string, 1)
	c.pending[seq] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	msg := clientMessage{Type: "commit", Seq: seq, Writes: writes}
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, c.conn, msg); err != nil {
		return fmt.Errorf("failed to send commit: %w", err)
	}

	select {
	case errMsg := <-ack:
		if errMsg != "" {
			return fmt.Errorf("gateway rejected batch: %s", errMsg)
		}
		return nil
	case <-writeCtx.Done():
		return fmt.Errorf("commit not acknowledged: %w", writeCtx.Err())
	case <-c.ctx.Done():
		return errors.New("gateway connection closed")
	}
}

// Subscribe implements Store.Subscribe.
func (c *Client) Subscribe(ctx context.Context, collection string, fn SnapshotFunc) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("gateway connection closed")
	}
	subs := c.subs[collection]
	first := subs == nil
	if first {
		subs = make(map[int]SnapshotFunc)
		c.subs[collection] = subs
	}
	id := c.nextSub
	c.nextSub++
	subs[id] = fn
	c.mu.Unlock()

	if first {
		msg := clientMessage{Type: "subscribe", Collection: collection}
		if err := wsjson.Write(ctx, c.conn, msg); err != nil {
			c.mu.Lock()
			delete(c.subs[collection], id)
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", collection, err)
		}
	}

	cancel := func() {
		c.mu.Lock()
		delete(c.subs[collection], id)
		last := len(c.subs[collection]) == 0
		closed := c.closed
		c.mu.Unlock()

		if last && !closed {
			msg := clientMessage{Type: "unsubscribe", Collection: collection}
			unsubCtx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelWrite()
			if err := wsjson.Write(unsubCtx, c.conn, msg); err != nil {
				c.logger.Printf("Warning: failed to unsubscribe from %s: %v", collection, err)
			}
		}
	}
	return cancel, nil
}

// Close tears down the connection. Pending commits fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close gateway connection: %w", err)
	}
	return nil
}

// readLoop dispatches incoming snapshots and acks until the connection
// drops.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		var msg clientMessage
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.mu.Lock()
			alreadyClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			if !alreadyClosed {
				c.logger.Printf("Gateway connection lost: %v", err)
			}
			c.cancel()
			return
		}

		switch msg.Type {
		case "snapshot":
			snap := Snapshot{
				Collection: msg.Collection,
				Docs:       msg.Docs,
				FromCache:  msg.FromCache,
			}
			c.mu.Lock()
			fns := make([]SnapshotFunc, 0, len(c.subs[msg.Collection]))
			for _, fn := range c.subs[msg.Collection] {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(snap)
			}

		case "ack":
			c.mu.Lock()
			ack, ok := c.pending[msg.Seq]
			c.mu.Unlock()
			if ok {
				ack <- msg.Error
			}

		default:
			c.logger.Printf("Warning: unknown gateway message type %q", msg.Type)
		}
	}
}
