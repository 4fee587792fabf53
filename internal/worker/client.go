package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spellnet/internal/cluster"
)

var (
	// ErrUsernameTaken is returned by Dial when another session holds the name.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrNoServers is returned by Dial when the balancer had no backend.
	ErrNoServers = errors.New("no servers available")
	// ErrClientClosed is returned for calls on a closed client.
	ErrClientClosed = errors.New("client closed")
)

const defaultDialTimeout = 5 * time.Second

// Client is a control-channel client. It answers server lexicon polls with
// the words queued via QueueWords until the server confirms them.
type Client struct {
	conn     net.Conn
	reader   *cluster.FrameReader
	username string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending []string
	checks  []chan string
	acks    []func(reply string)
	err     error

	done chan struct{}
}

// Dial connects to addr (a worker or the balancer) and completes the
// username handshake.
func Dial(ctx context.Context, addr, username string) (*Client, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline, _ := dctx.Deadline()
	_ = conn.SetDeadline(deadline)
	reader := cluster.NewFrameReader(conn)
	reply, err := handshake(conn, reader, username)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != cluster.TokenAccept {
		conn.Close()
		switch reply {
		case cluster.TokenExists:
			return nil, ErrUsernameTaken
		case cluster.FrameNoServers, cluster.FrameAllServersDown:
			return nil, fmt.Errorf("%w: %s", ErrNoServers, reply)
		}
		return nil, fmt.Errorf("unexpected handshake reply %q", reply)
	}

	c := &Client{
		conn:     conn,
		reader:   reader,
		username: username,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func handshake(conn net.Conn, reader *cluster.FrameReader, username string) (string, error) {
	if err := cluster.WriteFrame(conn, username); err != nil {
		return "", err
	}
	reply, err := reader.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("read handshake reply: %w", err)
	}
	return reply, nil
}

// Username returns the name the client registered with.
func (c *Client) Username() string { return c.username }

// Check submits text under filename and waits for the annotated result.
func (c *Client) Check(ctx context.Context, filename, text string) (string, error) {
	ch := make(chan string, 1)

	c.writeMu.Lock()
	if err := c.enqueue(func() { c.checks = append(c.checks, ch) }); err != nil {
		c.writeMu.Unlock()
		return "", err
	}
	err := cluster.WriteFrame(c.conn, cluster.PrefixSubmit+filename)
	if err == nil {
		err = cluster.WriteFrame(c.conn, text)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return "", err
	}

	select {
	case result := <-ch:
		return strings.TrimPrefix(result, cluster.PrefixChecked), nil
	case <-c.done:
		return "", c.closeErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AddWords sends words as an unsolicited lexicon response and reports
// whether the server added any of them.
func (c *Client) AddWords(ctx context.Context, words []string) (bool, error) {
	ch := make(chan string, 1)
	if err := c.sendLexiconResponse(words, func(reply string) { ch <- reply }); err != nil {
		return false, err
	}
	select {
	case reply := <-ch:
		return reply == cluster.TokenPollSuccess, nil
	case <-c.done:
		return false, c.closeErr()
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// QueueWords adds words to report on the next server poll.
func (c *Client) QueueWords(words ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			c.pending = append(c.pending, w)
		}
	}
}

// Pending returns the words still waiting for a server poll.
func (c *Client) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pending...)
}

// Close sends the disconnect token and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = cluster.WriteFrame(c.conn, cluster.TokenDisconnect)
	c.writeMu.Unlock()
	c.fail(ErrClientClosed)
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) sendLexiconResponse(words []string, onAck func(string)) error {
	payload := cluster.TokenNoWords
	if len(words) > 0 {
		payload = strings.Join(words, ",")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enqueue(func() { c.acks = append(c.acks, onAck) }); err != nil {
		return err
	}
	if err := cluster.WriteFrame(c.conn, cluster.PrefixLexiconResponse+payload); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// enqueue registers a waiter unless the client already failed. Callers
// hold writeMu so waiters are queued in send order.
func (c *Client) enqueue(register func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	register()
	return nil
}

func (c *Client) readLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.fail(err)
			return
		}
		switch {
		case frame == cluster.TokenLexiconPoll:
			c.answerPoll()
		case strings.HasPrefix(frame, cluster.PrefixChecked):
			if ch := c.popCheck(); ch != nil {
				ch <- frame
			}
		case frame == cluster.TokenPollSuccess, frame == cluster.TokenNoNewWords:
			if fn := c.popAck(); fn != nil {
				fn(frame)
			}
		}
	}
}

// answerPoll reports the queued words. They are dropped from the queue once
// the server acknowledges them, whether or not they were new.
func (c *Client) answerPoll() {
	sent := c.Pending()
	_ = c.sendLexiconResponse(sent, func(string) {
		if len(sent) == 0 {
			return
		}
		acked := make(map[string]struct{}, len(sent))
		for _, w := range sent {
			acked[w] = struct{}{}
		}
		c.mu.Lock()
		c.pending = slices.DeleteFunc(c.pending, func(w string) bool {
			_, ok := acked[w]
			return ok
		})
		c.mu.Unlock()
	})
}

func (c *Client) popCheck() chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checks) == 0 {
		return nil
	}
	ch := c.checks[0]
	c.checks = c.checks[1:]
	return ch
}

func (c *Client) popAck() func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acks) == 0 {
		return nil
	}
	fn := c.acks[0]
	c.acks = c.acks[1:]
	return fn
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.checks = nil
	c.acks = nil
	_ = c.conn.Close()
	close(c.done)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
