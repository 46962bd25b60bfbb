// Package log provides the structured logger used across the module:
// pooled fluent events, console/file appenders, and configuration
// hot-reload through the config manager.
package log

import (
	"github.com/starfall-games/netsync/config"
)

// Logger is the event-factory contract shared by the package logger and
// peer-scoped loggers.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger *GameLogger

func init() {
	_defaultLogger = NewLogger(nil)
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh refreshes all appenders of the default logger.
func Refresh() {
	_defaultLogger.Refresh()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// InitializeWithConfigManager loads the "logger" section from the given
// manager and installs a hot-reloading default logger.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize initializes the default logger from the singleton config
// manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// Debug creates a debug-level event on the default logger.
func Debug() *LogEvent {
	return _defaultLogger.Debug()
}

// Info creates an info-level event on the default logger.
func Info() *LogEvent {
	return _defaultLogger.Info()
}

// Warn creates a warn-level event on the default logger.
func Warn() *LogEvent {
	return _defaultLogger.Warn()
}

// Error creates an error-level event on the default logger.
func Error() *LogEvent {
	return _defaultLogger.Error()
}

// Fatal creates a fatal-level event on the default logger. The process
// panics when the event is finished.
func Fatal() *LogEvent {
	return _defaultLogger.Fatal()
}
