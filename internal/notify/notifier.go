// Package notify delivers flow outcomes to operators over Telegram and
// Discord, filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Flow outcome events.
const (
	EventFlowSuccess         = "flow_success"
	EventFlowFailed          = "flow_failed"
	EventConfirmationTimeout = "confirmation_timeout"
)

// Message is one operator notification. Event is empty for messages sent
// through NotifyAll.
type Message struct {
	Event string
	Title string
	Body  string
}

// Sender delivers a Message over one channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
	Name() string
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier fans a message out to every sender. Notify honours the event
// filter; an empty filter lets every event through.
type Notifier struct {
	senders []Sender
	allow   map[string]struct{}
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allow := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allow[e] = struct{}{}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		allow:   allow,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a flow event notification if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if _, ok := n.allow[event]; len(n.allow) > 0 && !ok {
		n.logger.DebugContext(ctx, "event filtered", slog.String("event", event))
		return nil
	}
	return n.send(ctx, Message{Event: event, Title: title, Body: body})
}

// NotifyAll sends an unfiltered notification.
func (n *Notifier) NotifyAll(ctx context.Context, title, body string) error {
	return n.send(ctx, Message{Title: title, Body: body})
}

// send delivers m to every sender; one failing sender does not stop the rest.
func (n *Notifier) send(ctx context.Context, m Message) error {
	var errs []error
	for _, s := range n.senders {
		log := n.logger.With(slog.String("sender", s.Name()), slog.String("event", m.Event))
		if err := s.Send(ctx, m); err != nil {
			log.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		log.DebugContext(ctx, "notification sent", slog.String("title", m.Title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d senders failed: %w", len(errs), len(n.senders), errors.Join(errs...))
	}
	return nil
}
