package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"

	"github.com/MegaGrindStone/mcp-bridge"
)

// EventKind tells which variant a NotificationEvent is.
type EventKind int

const (
	// EventLog is a log message from the provider.
	EventLog EventKind = iota
	// EventProgress is a progress update for a request in flight.
	EventProgress
	// EventMessage is any other notification the provider sent.
	EventMessage
)

// NotificationEvent is an out-of-band notification from the provider. Only the fields of its Kind
// are set.
type NotificationEvent struct {
	Kind EventKind

	// EventLog
	Level  mcp.LogLevel
	Logger string
	Data   json.RawMessage

	// EventProgress
	ProgressToken mcp.MustString
	Progress      float64
	Total         float64

	// EventMessage
	Method  string
	Payload json.RawMessage
}

// Relay shows the provider's notifications to the operator. It implements mcp.LogReceiver,
// mcp.ProgressListener and mcp.MessageListener.
//
// Events are queued and written by a single goroutine, so they come out in the order they were
// received. The receiving side never blocks: when the queue is full the event is dropped and counted.
//
// Instances must be created with NewRelay, and released with Close.
type Relay struct {
	out     io.Writer
	logger  *slog.Logger
	buffer  int
	dropped atomic.Int64

	lock   sync.RWMutex
	closed bool
	events chan NotificationEvent
	done   chan struct{}
}

// RelayOption represents the options for the Relay.
type RelayOption func(*Relay)

const defaultRelayBuffer = 64

var (
	logStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	progressStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	messageStyle   = lipgloss.NewStyle().Faint(true)
	operatorStyle  = lipgloss.NewStyle().Bold(true)
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// NewRelay creates a Relay writing to out, and starts its writer.
func NewRelay(out io.Writer, options ...RelayOption) *Relay {
	r := &Relay{
		out:    out,
		logger: slog.Default(),
		buffer: defaultRelayBuffer,
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	r.events = make(chan NotificationEvent, r.buffer)

	go r.write()

	return r
}

// WithRelayBuffer sets how many events may wait to be written before new ones are dropped.
func WithRelayBuffer(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.buffer = size
		}
	}
}

// WithRelayLogger sets the logger for the Relay.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger.With(
			slog.String("package", "bridge"),
			slog.String("component", "relay"),
		)
	}
}

// OnEvent queues ev. It returns immediately, dropping ev if the queue is full or the relay is
// closed.
func (r *Relay) OnEvent(ev NotificationEvent) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// OnLog implements mcp.LogReceiver.
func (r *Relay) OnLog(params mcp.LogParams) {
	r.OnEvent(NotificationEvent{
		Kind:   EventLog,
		Level:  params.Level,
		Logger: params.Logger,
		Data:   params.Data,
	})
}

// OnProgress implements mcp.ProgressListener.
func (r *Relay) OnProgress(params mcp.ProgressParams) {
	r.OnEvent(NotificationEvent{
		Kind:          EventProgress,
		ProgressToken: params.ProgressToken,
		Progress:      params.Progress,
		Total:         params.Total,
	})
}

// OnMessage implements mcp.MessageListener. Notifications other than logs and progress are relayed;
// requests and responses are not.
func (r *Relay) OnMessage(msg mcp.JSONRPCMessage) {
	if msg.ID != "" || msg.Method == "" {
		return
	}
	switch msg.Method {
	case mcp.MethodNotificationsMessage, mcp.MethodNotificationsProgress:
		return
	}
	r.OnEvent(NotificationEvent{
		Kind:    EventMessage,
		Method:  msg.Method,
		Payload: msg.Params,
	})
}

// Dropped returns the number of events dropped so far.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Close writes the queued events and stops the writer. Events received afterwards are dropped.
func (r *Relay) Close() {
	r.lock.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.lock.Unlock()

	<-r.done
}

func (r *Relay) write() {
	defer close(r.done)

	for ev := range r.events {
		if _, err := fmt.Fprintln(r.out, Render(ev)); err != nil {
			r.logger.Error("failed to write event", slog.String("err", err.Error()))
		}
	}
}

// Render formats ev as a single line.
func Render(ev NotificationEvent) string {
	switch ev.Kind {
	case EventLog:
		line := fmt.Sprintf("[Server Log - %s]", strings.ToUpper(ev.Level.String()))
		if ev.Logger != "" {
			line += " " + ev.Logger + ":"
		}
		return logStyle.Render(line + " " + payloadText(ev.Data))
	case EventProgress:
		line := "[Progress] " + formatNumber(ev.Progress)
		if ev.Total > 0 {
			line += "/" + formatNumber(ev.Total)
		}
		return progressStyle.Render(line)
	case EventMessage:
		line := "[Client Log] Received message: " + ev.Method
		if len(ev.Payload) > 0 {
			line += " " + payloadText(ev.Payload)
		}
		return messageStyle.Render(line)
	default:
		return messageStyle.Render(fmt.Sprintf("[Unknown event %d]", ev.Kind))
	}
}

// payloadText returns a JSON string payload unquoted, and any other payload as compact JSON.
func payloadText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return singleLine(s)
	}
	return singleLine(string(raw))
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
