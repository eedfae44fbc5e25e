// pkg/log/logging.go
package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Standard log levels
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Event types
const (
	EventCallStateChange       = "call_state_change"
	EventRejection             = "rejection"
	EventCollaboratorFailure   = "collaborator_failure"
	EventWatcherDelivery       = "watcher_delivery"
	EventCircuitBreakerState   = "circuit_breaker_state"
	EventTransportConnected    = "transport_connected"
	EventTransportDisconnected = "transport_disconnected"
)

// Component types
const (
	ComponentSIP       = "sip"
	ComponentCalls     = "calls"
	ComponentRegistry  = "registry"
	ComponentService   = "service"
	ComponentTrigger   = "trigger"
	ComponentWebSocket = "websocket"
	ComponentAPI       = "api"
	ComponentStorage   = "storage"
	ComponentNotify    = "notify"
	ComponentConfig    = "config"
	ComponentHealth    = "health"
)

// Logger wraps zap.Logger to provide standardized logging
type Logger struct {
	*zap.Logger
	nodeID  string
	version string
}

// FileConfig enables rotated file output next to stdout
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config holds configuration for the logger
type Config struct {
	Development bool
	Level       zapcore.Level
	NodeID      string
	Version     string
	File        FileConfig
}

// NewLogger creates a new Logger with the given configuration
func NewLogger(config Config) (*Logger, error) {
	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if config.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	level := zap.NewAtomicLevelAt(config.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if config.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator), level))
	}

	opts := []zap.Option{zap.AddCaller()}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	zapLogger := zap.New(zapcore.NewTee(cores...), opts...)
	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Version != "" {
		zapLogger = zapLogger.With(zap.String("version", config.Version))
	}

	return &Logger{
		Logger:  zapLogger,
		nodeID:  config.NodeID,
		version: config.Version,
	}, nil
}

// Wrap gives a plain zap logger the event helpers.
func Wrap(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel
	}
	return level
}

// With creates a child logger with the given zap fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger:  l.Logger.With(fields...),
		nodeID:  l.nodeID,
		version: l.version,
	}
}

// LogCallStateChange logs a call moving to a new state
func (l *Logger) LogCallStateChange(ctx context.Context, callID, service, from, to string) {
	l.Info("Call state changed",
		zap.String("event_type", EventCallStateChange),
		zap.String("component", ComponentCalls),
		zap.String("call_id", callID),
		zap.String("service", service),
		zap.String("from", from),
		zap.String("state", to),
	)
}

// LogRejection logs a message rejected back to the caller
func (l *Logger) LogRejection(ctx context.Context, callID, class, reason string) {
	l.Warn("Message rejected",
		zap.String("event_type", EventRejection),
		zap.String("component", ComponentCalls),
		zap.String("call_id", callID),
		zap.String("class", class),
		zap.String("reason", reason),
	)
}

// LogCollaboratorFailure logs a failed call to a registration API, trigger or store
func (l *Logger) LogCollaboratorFailure(ctx context.Context, component, name, callID string, required bool, err error) {
	level := WarnLevel
	if required {
		level = ErrorLevel
	}
	l.Log(level, "Collaborator failed",
		zap.String("event_type", EventCollaboratorFailure),
		zap.String("component", component),
		zap.String("collaborator", name),
		zap.String("call_id", callID),
		zap.Bool("required", required),
		zap.Error(err),
	)
}

// LogWatcherDelivery logs a notification that could not be delivered
func (l *Logger) LogWatcherDelivery(ctx context.Context, transport, event string, err error) {
	l.Debug("Watcher delivery failed",
		zap.String("event_type", EventWatcherDelivery),
		zap.String("component", transport),
		zap.String("event", event),
		zap.Error(err),
	)
}

// LogCircuitBreakerStateChange logs a circuit breaker state change
func (l *Logger) LogCircuitBreakerStateChange(ctx context.Context, component string, backend string, state string, reason string) {
	l.Info("Circuit breaker state changed",
		zap.String("event_type", EventCircuitBreakerState),
		zap.String("component", component),
		zap.String("backend", backend),
		zap.String("state", state),
		zap.String("reason", reason),
	)
}

// LogTransportConnection logs a watcher or SIP transport connecting or going away
func (l *Logger) LogTransportConnection(ctx context.Context, component string, remote string, isConnected bool, reason string) {
	eventType := EventTransportConnected
	if !isConnected {
		eventType = EventTransportDisconnected
	}

	l.Info("Transport connection status changed",
		zap.String("event_type", eventType),
		zap.String("component", component),
		zap.String("remote", remote),
		zap.Bool("connected", isConnected),
		zap.String("reason", reason),
	)
}

// Log logs a message at the specified level
func (l *Logger) Log(level zapcore.Level, msg string, fields ...zap.Field) {
	switch level {
	case DebugLevel:
		l.Debug(msg, fields...)
	case InfoLevel:
		l.Info(msg, fields...)
	case WarnLevel:
		l.Warn(msg, fields...)
	case ErrorLevel:
		l.Error(msg, fields...)
	case FatalLevel:
		l.Fatal(msg, fields...)
	default:
		l.Info(msg, fields...)
	}
}
