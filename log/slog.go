package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	slogmulti "github.com/samber/slog-multi"
)

type RelayLogger struct {
	*slog.Logger
}

var relayLogger *RelayLogger

// InitLogger initializes the global logger. It must be called once before
// GetLogger.
func InitLogger(logLevel, format, output string, extraHandlers ...slog.Handler) error {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	var writer io.Writer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		return errors.New("invalid log output")
	}

	return initLoggerWithWriter(slogLevel, format, writer, extraHandlers...)
}

// InitLoggerWithWriter is mainly for tests that need to capture output.
func InitLoggerWithWriter(logLevel, format string, writer io.Writer) error {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return initLoggerWithWriter(slogLevel, format, writer)
}

func initLoggerWithWriter(slogLevel slog.Level, format string, writer io.Writer, extraHandlers ...slog.Handler) error {
	handlerOpts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(writer, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		return errors.New("invalid log format")
	}

	if len(extraHandlers) > 0 {
		handler = slogmulti.Fanout(append([]slog.Handler{handler}, extraHandlers...)...)
	}

	relayLogger = &RelayLogger{slog.New(handler)}
	return nil
}

func GetLogger() *RelayLogger {
	if relayLogger == nil {
		// tests and one-off tools may not have called InitLogger
		relayLogger = &RelayLogger{slog.Default()}
	}
	return relayLogger
}

func (rl *RelayLogger) error(ctx context.Context, msg string, err error, otherArgs ...any) {
	err = errors.WithStackDepth(err, 2)
	args := []any{"error", err.Error(), "stack", fmt.Sprintf("%+v", err)}
	args = append(args, otherArgs...)
	rl.Logger.ErrorContext(ctx, msg, args...)
}

func (rl *RelayLogger) Error(msg string, err error, otherArgs ...any) {
	rl.error(context.Background(), msg, err, otherArgs...)
}

func (rl *RelayLogger) ErrorContext(ctx context.Context, msg string, err error, otherArgs ...any) {
	rl.error(ctx, msg, err, otherArgs...)
}

// TimeTrack logs the time elapsed since start. Use with defer:
//
//	defer logger.TimeTrack(time.Now(), "CreateConnection")
func (rl *RelayLogger) TimeTrack(start time.Time, name string, otherArgs ...any) {
	rl.TimeTrackContext(context.Background(), start, name, otherArgs...)
}

func (rl *RelayLogger) TimeTrackContext(ctx context.Context, start time.Time, name string, otherArgs ...any) {
	elapsed := time.Since(start)
	args := []any{"name", name, "elapsed", elapsed.Nanoseconds()}
	args = append(args, otherArgs...)
	rl.Logger.Log(ctx, slog.LevelInfo, "time track", args...)
}

func (rl *RelayLogger) With(args ...any) *RelayLogger {
	return &RelayLogger{rl.Logger.With(args...)}
}

func (rl *RelayLogger) WithChainPair(srcChainID, dstChainID string) *RelayLogger {
	return rl.With(
		"src_chain_id", srcChainID,
		"dst_chain_id", dstChainID,
	)
}

func (rl *RelayLogger) WithClientPair(srcChainID, srcClientID, dstChainID, dstClientID string) *RelayLogger {
	return rl.With(
		"src_chain_id", srcChainID,
		"src_client_id", srcClientID,
		"dst_chain_id", dstChainID,
		"dst_client_id", dstClientID,
	)
}

func (rl *RelayLogger) WithConnectionPair(
	srcChainID, srcClientID, srcConnectionID string,
	dstChainID, dstClientID, dstConnectionID string,
) *RelayLogger {
	return rl.With(
		"src_chain_id", srcChainID,
		"src_client_id", srcClientID,
		"src_connection_id", srcConnectionID,
		"dst_chain_id", dstChainID,
		"dst_client_id", dstClientID,
		"dst_connection_id", dstConnectionID,
	)
}

func (rl *RelayLogger) WithChannelPair(
	srcChainID, srcPortID, srcChannelID string,
	dstChainID, dstPortID, dstChannelID string,
) *RelayLogger {
	return rl.With(
		"src_chain_id", srcChainID,
		"src_port_id", srcPortID,
		"src_channel_id", srcChannelID,
		"dst_chain_id", dstChainID,
		"dst_port_id", dstPortID,
		"dst_channel_id", dstChannelID,
	)
}

func (rl *RelayLogger) WithChannel(chainID, portID, channelID string) *RelayLogger {
	return rl.With(
		"chain_id", chainID,
		"port_id", portID,
		"channel_id", channelID,
	)
}

func (rl *RelayLogger) WithModule(moduleName string) *RelayLogger {
	return rl.With("module", moduleName)
}
