package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a newline-delimited JSON-RPC transport over an io.Reader/io.Writer pair, such as
// a process's stdin and stdout, or the pipes of a child process. It carries exactly one session,
// and can be used as either ServerTransport or ClientTransport.
//
// Instances must be created with NewStdIO.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan stdIOLine

	startOnce   sync.Once
	stopOnce    sync.Once
	readOnce    sync.Once
	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line string
	err  error
}

// NewStdIO creates a StdIO transport reading from reader and writing to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			lines:         make(chan stdIOLine, 16),
			done:          make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface. It yields the single session and returns once
// that session has stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		s.sess.startWriter()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It stops the session and waits for the Sessions
// iterator to return.
func (s StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	s.sess.startWriter()
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Writes are serialized through the writer goroutine so concurrent messages never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		s.readOnce.Do(func() { go s.readLines() })

		for {
			var l stdIOLine
			select {
			case <-s.done:
				return
			case l = <-s.lines:
			}

			if l.err != nil {
				if !errors.Is(l.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", l.err.Error()))
				}
				// The peer is gone, so is the session.
				s.stopOnce.Do(func() { close(s.done) })
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(l.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.startOnce.Do(func() {
		close(s.writeClosed)
	})
	<-s.writeClosed
}

func (s *stdIOSession) startWriter() {
	s.startOnce.Do(func() {
		go s.processWriteMessages()
	})
}

// readLines runs for the lifetime of the reader. A blocked Read cannot be interrupted, so the
// goroutine only exits on a read error or once the session is done.
func (s *stdIOSession) readLines() {
	// bufio.Reader rather than bufio.Scanner, so long lines are not rejected.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil && line != "" {
			// Deliver a final unterminated line before the error.
			if !s.pushLine(stdIOLine{line: line}) {
				return
			}
		}
		if err != nil {
			s.pushLine(stdIOLine{err: err})
			return
		}
		if line == "" {
			continue
		}
		if !s.pushLine(stdIOLine{line: line}) {
			return
		}
	}
}

func (s *stdIOSession) pushLine(l stdIOLine) bool {
	select {
	case <-s.done:
		return false
	case s.lines <- l:
		return true
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
