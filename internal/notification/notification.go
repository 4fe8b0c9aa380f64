// Package notification pushes stall transitions to chat and push services
// through shoutrrr URLs.
package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
	"github.com/tphakala/stallwatch/internal/pipeline"
	"github.com/tphakala/stallwatch/internal/privacy"
)

// Sender delivers one message to every configured service.
// *router.ServiceRouter satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Config configures the notifier.
type Config struct {
	URLs    []string
	Timeout time.Duration
	Node    string
	Breaker CircuitBreakerConfig
}

// ConfigFromSettings maps the notification section onto Config.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		URLs:    slices.Clone(s.Notification.URLs),
		Timeout: s.Notification.Timeout,
		Node:    s.Main.Name,
		Breaker: DefaultCircuitBreakerConfig(),
	}
}

// Notifier is an events consumer that turns snapshots into push messages.
type Notifier struct {
	sender  Sender
	node    string
	breaker *CircuitBreaker
	log     logger.Logger
}

// New builds a shoutrrr sender for cfg.URLs.
func New(cfg Config) (*Notifier, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		// The raw error may echo a URL with its token.
		return nil, errors.Newf("invalid notification URL: %s", redact(err.Error(), cfg.URLs)).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return NewWithSender(sender, cfg), nil
}

// NewWithSender wraps an existing sender.
func NewWithSender(sender Sender, cfg Config) *Notifier {
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	return &Notifier{
		sender:  sender,
		node:    cfg.Node,
		breaker: NewCircuitBreaker(cfg.Breaker),
		log:     GetLogger(),
	}
}

// Name implements events.Consumer.
func (n *Notifier) Name() string { return "notify" }

// Breaker exposes the circuit breaker state.
func (n *Notifier) Breaker() *CircuitBreaker { return n.breaker }

// ProcessEvent sends a message for calibrations and transitions. Requested
// snapshots are not pushed.
func (n *Notifier) ProcessEvent(s pipeline.Snapshot) error {
	title, body, ok := Format(n.node, s)
	if !ok {
		return nil
	}
	if err := n.Send(context.Background(), title, body); err != nil {
		return errors.New(privacy.WrapError(err)).
			Component("notify").
			Category(errors.CategoryNotification).
			Context("reason", string(s.Reason)).
			Build()
	}
	return nil
}

// Send pushes one message through the circuit breaker.
func (n *Notifier) Send(ctx context.Context, title, body string) error {
	err := n.breaker.Call(ctx, func(context.Context) error {
		params := stypes.Params{}
		params.SetTitle(title)
		for _, e := range n.sender.Send(body, &params) {
			if e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.log.Debug("notification sent", logger.String("title", title))
	return nil
}

// Format renders the title and body of s. ok is false for snapshots that
// do not warrant a message.
func Format(node string, s pipeline.Snapshot) (title, body string, ok bool) {
	busy := s.Busy()
	total := len(s.Stalls)

	switch s.Reason {
	case pipeline.ReasonCalibrated:
		title = fmt.Sprintf("%s: calibrated %d stalls", node, total)
		body = fmt.Sprintf("%d stalls mapped, %d occupied.", total, busy)
		return title, body, true

	case pipeline.ReasonTransition:
		if len(s.Changed) == 0 {
			return "", "", false
		}
		var lines []string
		for _, i := range s.Changed {
			if i < 0 || i >= total {
				continue
			}
			state := "free"
			if s.Stalls[i].Busy {
				state = "occupied"
			}
			lines = append(lines, fmt.Sprintf("Stall %d is now %s.", i+1, state))
		}
		title = fmt.Sprintf("%s: %d of %d stalls occupied", node, busy, total)
		body = strings.Join(lines, "\n")
		return title, body, true
	}
	return "", "", false
}

// redact replaces any configured URL inside msg.
func redact(msg string, urls []string) string {
	for _, u := range urls {
		if u != "" {
			msg = strings.ReplaceAll(msg, u, "[redacted]")
		}
	}
	return msg
}

// GetLogger returns the notify module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("notify")
}
