package control

import (
	"bufio"
	"encoding/json"
	"image"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/stallwatch/internal/export"
	"github.com/tphakala/stallwatch/internal/mailbox"
	"github.com/tphakala/stallwatch/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   int
	commands map[string]int
	limited  int
}

func (c *countingMetrics) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
}

func (c *countingMetrics) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *countingMetrics) RecordRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limited++
}

func (c *countingMetrics) RecordCommand(command string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commands == nil {
		c.commands = map[string]int{}
	}
	if !ok {
		command += "!"
	}
	c.commands[command]++
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) string {
	t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(t, err)
	return c.read(t)
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func startServer(t *testing.T, cfg Config, mb *mailbox.Mailbox, status StatusFunc, opts ...Option) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	s := NewServer(cfg, mb, status, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { require.NoError(t, s.Stop()) })
	return s
}

func TestCommands(t *testing.T) {
	mb := &mailbox.Mailbox{}
	status := func() pipeline.Snapshot {
		return pipeline.Snapshot{Stalls: []pipeline.Stall{
			{Area: image.Rect(19, 19, 101, 101), Busy: true},
			{Area: image.Rect(159, 19, 241, 101)},
		}}
	}
	metrics := &countingMetrics{}
	s := startServer(t, Config{}, mb, status, WithMetrics(metrics))
	c := dial(t, s)

	assert.Equal(t, ReplyGet, c.send(t, "get"))
	var doc export.Status
	require.NoError(t, json.Unmarshal([]byte(c.read(t)), &doc))
	assert.Equal(t, 2, doc.Count)
	assert.True(t, doc.Block[0].Used)
	assert.Equal(t, 82, doc.Block[0].PosW)
	assert.False(t, mb.Pending(), "get does not touch the mailbox")

	assert.Equal(t, ReplyUpdate, c.send(t, "UPDATE"))
	assert.Equal(t, mailbox.Update, mb.Take())

	assert.Equal(t, ReplyCheck, c.send(t, "  check  "))
	assert.Equal(t, ReplyRemap, c.send(t, "remap"))
	assert.Equal(t, mailbox.Remap, mb.Take(), "newest unread command wins")

	assert.Equal(t, ReplyError, c.send(t, "none"))
	assert.Equal(t, ReplyError, c.send(t, "dance"))

	assert.Equal(t, ReplyBye, c.send(t, "quit"))
	assert.Equal(t, mailbox.Quit, mb.Take())

	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF, "server closes after BYE")

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.closed == 1
	}, 5*time.Second, 10*time.Millisecond)
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.opened)
	assert.Equal(t, 1, metrics.commands["get"])
	assert.Equal(t, 2, metrics.commands["invalid!"])
}

func TestGetWithoutStatus(t *testing.T) {
	s := startServer(t, Config{}, &mailbox.Mailbox{}, nil)
	c := dial(t, s)
	assert.Equal(t, ReplyGet, c.send(t, "get"))
	assert.JSONEq(t, `{"count":0,"block":[]}`, c.read(t))
}

func TestEmptyLinesIgnored(t *testing.T) {
	s := startServer(t, Config{}, &mailbox.Mailbox{}, nil)
	c := dial(t, s)
	_, err := io.WriteString(c.conn, "\n\r\n   \n")
	require.NoError(t, err)
	assert.Equal(t, ReplyCheck, c.send(t, "check"))
}

func TestMultipleClientsShareMailbox(t *testing.T) {
	mb := &mailbox.Mailbox{}
	s := startServer(t, Config{}, mb, nil)
	a := dial(t, s)
	b := dial(t, s)

	assert.Equal(t, ReplyUpdate, a.send(t, "update"))
	assert.Equal(t, ReplyCheck, b.send(t, "check"))
	assert.Equal(t, mailbox.Check, mb.Take())
	assert.Equal(t, mailbox.None, mb.Take())
}

func TestRateLimitDelaysCommands(t *testing.T) {
	metrics := &countingMetrics{}
	s := startServer(t, Config{RateLimit: 20, Burst: 1}, &mailbox.Mailbox{}, nil, WithMetrics(metrics))
	c := dial(t, s)

	start := time.Now()
	for range 3 {
		assert.Equal(t, ReplyCheck, c.send(t, "check"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.limited)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	s := startServer(t, Config{IdleTimeout: 50 * time.Millisecond}, &mailbox.Mailbox{}, nil)
	c := dial(t, s)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestLongLineDropsConnection(t *testing.T) {
	s := startServer(t, Config{}, &mailbox.Mailbox{}, nil)
	c := dial(t, s)
	long := make([]byte, 2*maxLineLength)
	for i := range long {
		long[i] = 'a'
	}
	_, _ = c.conn.Write(append(long, '\n'))
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}

func TestStopClosesClients(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"}, &mailbox.Mailbox{}, nil)
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "double start")

	c := dial(t, s)
	assert.Equal(t, ReplyCheck, c.send(t, "check"))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Nil(t, s.Addr())

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)
}

func TestStartBindFailure(t *testing.T) {
	s := NewServer(Config{Listen: "256.0.0.1:1"}, &mailbox.Mailbox{}, nil)
	require.Error(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":12345", cfg.Listen)
	assert.InDelta(t, 10, cfg.RateLimit, 0)
	assert.Equal(t, 5, cfg.Burst)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
}
