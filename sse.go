package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events transport. Clients open an event stream
// through HandleSSE, receive an "endpoint" event naming their message URL, and post their messages to
// HandleMessage. Server-to-client messages travel as "message" events on the stream.
//
// Instances must be created with NewSSEServer and shut down with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	lock     sync.Mutex
	sessions map[string]*sseServerSession

	newSessions chan *sseServerSession

	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements the client side of the Server-Sent Events transport.
// Instances must be created with NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	stopOnce   sync.Once
	done       chan struct{}
	sendClosed chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

var (
	errSSESessionNotFound = errors.New("session not found")
	errSSEMissingSession  = errors.New("missing sessionId query parameter")
)

// NewSSEServer creates an SSE server that tells its clients to post messages to messageURL. The
// messageURL may be relative, in which case clients resolve it against the URL they connected to.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:  messageURL,
		logger:      slog.Default(),
		sessions:    make(map[string]*sseServerSession),
		newSessions: make(chan *sseServerSession),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse_server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. If httpClient is nil,
// http.DefaultClient is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event received from the server.
// A larger event ends the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse_client"),
		)
	}
}

// Sessions implements the ServerTransport interface. It yields a Session for every event stream
// opened through HandleSSE, until Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.newSessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It stops every session and waits for the
// Sessions iterator to return.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.lock.Lock()
	sessions := make([]*sseServerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.lock.Unlock()
	for _, sess := range sessions {
		sess.halt()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler that opens an event stream for a new session. The stream stays
// open until the client disconnects, the session is stopped, or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		endpoint, err := s.endpointURL(sessID)
		if err != nil {
			s.logger.Error("failed to build endpoint URL", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		// Register before announcing the endpoint, so the first POST finds the session.
		s.lock.Lock()
		s.sessions[sessID] = srvSession
		s.lock.Unlock()

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		err = sess.Send(&msg)
		if err == nil {
			err = sess.Flush()
		}
		if err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			s.lock.Lock()
			delete(s.sessions, sessID)
			s.lock.Unlock()
			return
		}

		go srvSession.processSendMessages()

		defer func() {
			srvSession.Stop()

			s.lock.Lock()
			delete(s.sessions, sessID)
			s.lock.Unlock()
		}()

		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.newSessions <- srvSession:
		}

		select {
		case <-s.done:
		case <-r.Context().Done():
		case <-srvSession.done:
		}
	})
}

// HandleMessage returns an http.Handler for client messages sent via POST. The sessionId query
// parameter selects the session; the body is a single JSON-RPC message. Accepted messages are
// answered with 202 Accepted, the actual response travels on the event stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := sessionIDFromQuery(r.URL.Query())
		if sessID == "" {
			s.logger.Warn("failed to route message", slog.String("err", errSSEMissingSession.Error()))
			http.Error(w, errSSEMissingSession.Error(), http.StatusBadRequest)
			return
		}

		s.lock.Lock()
		sess, ok := s.sessions[sessID]
		s.lock.Unlock()
		if !ok {
			http.Error(w, errSSESessionNotFound.Error(), http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			http.Error(w, ErrSessionClosed.Error(), http.StatusServiceUnavailable)
		case <-sess.done:
			http.Error(w, ErrSessionClosed.Error(), http.StatusGone)
		case <-r.Context().Done():
		case sess.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		}
	})
}

func (s *SSEServer) endpointURL(sessID string) (string, error) {
	u, err := url.Parse(s.messageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse message URL: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", sessID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sessionIDFromQuery(q url.Values) string {
	for _, key := range []string{"sessionId", "sessionID", "session_id"} {
		if id := q.Get(key); id != "" {
			return id
		}
	}
	return ""
}

// StartSession implements the ClientTransport interface. It opens the event stream and waits, for as
// long as ctx allows, for the server to announce the message endpoint. The stream itself outlives
// ctx and ends when the returned Session is stopped.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stopConnect := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage, 10),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	endpoints := make(chan string, 1)
	readErrs := make(chan error, 1)
	go s.readEvents(resp.Body, sess, endpoints, readErrs)

	select {
	case endpoint := <-endpoints:
		if !stopConnect() {
			sess.Stop()
			return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
		}
		sess.messageURL = endpoint
		return sess, nil
	case err := <-readErrs:
		sess.Stop()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
		}
		return nil, err
	case <-ctx.Done():
		sess.Stop()
		return nil, fmt.Errorf("failed to wait for endpoint: %w", ctx.Err())
	}
}

func (s *SSEClient) readEvents(body io.ReadCloser, sess *sseClientSession, endpoints chan<- string,
	errs chan<- error,
) {
	defer func() {
		body.Close()
		close(sess.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointSeen := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE event", slog.String("err", err.Error()))
			}
			if !endpointSeen {
				errs <- fmt.Errorf("failed to read SSE stream: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSeen {
				continue
			}
			endpoint, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				errs <- err
				return
			}
			endpointSeen = true
			endpoints <- endpoint
		case "message", "":
			if !endpointSeen {
				s.logger.Warn("received message before endpoint")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case sess.messages <- msg:
			case <-sess.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointSeen {
		errs <- errors.New("SSE stream ended before the endpoint event")
	}
}

// resolveEndpoint resolves a possibly relative endpoint against the connect URL.
func (s *SSEClient) resolveEndpoint(data string) (string, error) {
	if data == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send posts msg to the message endpoint. Any 2xx status is success.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// The sse session is not safe for concurrent writes, so sends are queued.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.halt()
	<-s.sendClosed
}

// halt signals the session to end without waiting for its writer.
func (s *sseServerSession) halt() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
