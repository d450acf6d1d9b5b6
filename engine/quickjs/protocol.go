package quickjs

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/jsbridge/modules"
)

// Frames are written by the session script to stderr.
// Format: \x00JSB:{json}\x00
const (
	framePrefix = "\x00JSB:"
	frameSuffix = "\x00"
)

const (
	msgReady = "ready"
	msgDone  = "done"
	msgHook  = "hook"
	msgLog   = "log"
)

// message is a frame sent by the script.
type message struct {
	Type    string          `json:"t"`
	Name    string          `json:"name,omitempty"`
	Args    []any           `json:"args,omitempty"`
	Queue   json.RawMessage `json:"queue,omitempty"`
	Flushed json.RawMessage `json:"flushed,omitempty"`
	Error   *scriptFailure  `json:"error,omitempty"`
	Text    string          `json:"text,omitempty"`
	Level   string          `json:"level,omitempty"`
}

// command is a line written to the script's stdin.
type command struct {
	Type   string `json:"t"`
	Code   string `json:"code,omitempty"`
	URL    string `json:"url,omitempty"`
	Module string `json:"module,omitempty"`
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`
	ID     any    `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	JSON   string `json:"json,omitempty"`
}

// reply answers a hook frame.
type reply struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type scriptFailure struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (f *scriptFailure) Error() string {
	return f.Message
}

// protocol intercepts stderr. Frames are decoded and queued on msgs, log
// frames go straight to the logger and anything else is logged as stderr.
type protocol struct {
	log  *zap.Logger
	msgs chan message

	buf    bytes.Buffer
	stderr bytes.Buffer
	mu     sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newProtocol(log *zap.Logger) *protocol {
	return &protocol{
		log:    log,
		msgs:   make(chan message, 16),
		closed: make(chan struct{}),
	}
}

func (p *protocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data)
	p.buf.Write(data)

	for {
		content := p.buf.String()
		start := strings.Index(content, framePrefix)
		if start == -1 {
			// Keep a possible partial prefix for the next write.
			keep := strings.LastIndexByte(content, 0)
			if keep == -1 {
				keep = len(content)
			}
			p.text(content[:keep])
			p.buf.Reset()
			p.buf.WriteString(content[keep:])
			break
		}

		p.text(content[:start])
		body := content[start+len(framePrefix):]
		end := strings.Index(body, frameSuffix)
		if end == -1 {
			p.buf.Reset()
			p.buf.WriteString(content[start:])
			break
		}
		p.buf.Reset()
		p.buf.WriteString(body[end+len(frameSuffix):])

		var msg message
		if err := json.Unmarshal([]byte(body[:end]), &msg); err != nil {
			p.log.Warn("malformed frame", zap.Error(err))
			continue
		}
		p.dispatch(msg)
	}

	return n, nil
}

func (p *protocol) dispatch(msg message) {
	if msg.Type == msgLog {
		modules.LogScript(p.log, msg.Level, msg.Text)
		return
	}
	select {
	case p.msgs <- msg:
	case <-p.closed:
	}
}

// text logs complete lines of plain stderr output.
func (p *protocol) text(s string) {
	if s == "" {
		return
	}
	p.stderr.WriteString(s)
	for {
		line, err := p.stderr.ReadString('\n')
		if err != nil {
			p.stderr.Reset()
			p.stderr.WriteString(line)
			return
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.log.Warn(line, zap.String("source", "stderr"))
		}
	}
}

// Close unblocks a script waiting to hand over a frame.
func (p *protocol) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// console logs stdout line by line.
type console struct {
	log *zap.Logger
	buf bytes.Buffer
	mu  sync.Mutex
}

func (c *console) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
	for {
		line, err := c.buf.ReadString('\n')
		if err != nil {
			c.buf.Reset()
			c.buf.WriteString(line)
			return len(data), nil
		}
		c.log.Info(strings.TrimRight(line, "\r\n"), zap.String("source", "console"))
	}
}
