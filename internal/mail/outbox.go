package mail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OutboxSender writes each message as an .eml file instead of sending it.
type OutboxSender struct {
	dir  string
	from From
	now  func() time.Time

	mu  sync.Mutex
	seq int
}

// NewOutboxSender creates dir if needed.
func NewOutboxSender(dir string, from From) (*OutboxSender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outbox %s: %w", dir, err)
	}
	return &OutboxSender{dir: dir, from: from, now: time.Now}, nil
}

// Send writes env to the outbox and returns the first error.
func (o *OutboxSender) Send(ctx context.Context, env Envelope) error {
	msg, err := Build(ctx, o.from, env)
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, o.fileName(env))
	if err := msg.WriteToFile(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Dir returns the outbox directory.
func (o *OutboxSender) Dir() string {
	return o.dir
}

func (o *OutboxSender) fileName(env Envelope) string {
	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	addr := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, env.ToAddress)
	return fmt.Sprintf("%s_%03d_%s_%s.eml", o.now().Format("20060102T150405"), seq, addr, env.Variant)
}
