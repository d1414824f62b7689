package tutorial

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/mcp-bridge"
)

// LogStreams implements mcp.LogHandler interface.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements mcp.LogHandler interface.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.levelLock.Lock()
	defer s.levelLock.Unlock()

	s.logLevel = level
}

func (s *Server) level() mcp.LogLevel {
	s.levelLock.Lock()
	defer s.levelLock.Unlock()

	return s.logLevel
}

// log queues msg for the client when level passes the client's threshold. Messages are dropped
// when nobody drains the stream fast enough.
func (s *Server) log(ctx context.Context, level mcp.LogLevel, msg string) {
	if level < s.level() {
		return
	}

	data, _ := json.Marshal(msg)
	params := mcp.LogParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	case s.logs <- params:
	default:
		s.logger.Warn("log stream full, dropping message",
			slog.String("level", level.String()),
			slog.String("message", msg))
	}
}
