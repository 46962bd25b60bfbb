package log

// LogCfg is the logging configuration, loadable through the config
// manager under the "logger" section and hot-reloadable.
type LogCfg struct {
	// LogPath is the target log file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Hot-reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB is the size-based rotation threshold in megabytes.
	FileSplitMB int `mapstructure:"splitmb"`

	// IsAsync moves file writes off the logging goroutine. Recommended
	// for servers where tick latency matters more than losing the last
	// few lines on a crash.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize caps buffered lines in async mode. Overflow drops.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// AsyncWriteMillSec is the async flush interval in milliseconds.
	AsyncWriteMillSec int `mapstructure:"asyncwritemillsec"`

	// CallerSkip adjusts stack depth for wrapper layers.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	// PeerWhiteList lists peer ids whose scoped loggers bypass level
	// filtering, for targeted debugging of a single connection in
	// production. Hot-reloadable.
	PeerWhiteList []uint64 `mapstructure:"peerWhiteList"`

	peerWhiteListSet map[uint64]struct{} `mapstructure:"-"`
}

// GetName ...
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate ...
func (cfg *LogCfg) Validate() error {
	return nil
}

// IsInWhiteList reports whether a peer id bypasses level filtering.
func (cfg *LogCfg) IsInWhiteList(peerID uint64) bool {
	if len(cfg.peerWhiteListSet) == 0 && len(cfg.PeerWhiteList) != 0 {
		cfg.peerWhiteListSet = make(map[uint64]struct{}, len(cfg.PeerWhiteList))
		for _, id := range cfg.PeerWhiteList {
			cfg.peerWhiteListSet[id] = struct{}{}
		}
	}

	_, exists := cfg.peerWhiteListSet[peerID]
	return exists
}

var _defaultCfg = &LogCfg{
	LogPath:         "./netsync.log",
	LogLevel:        DebugLevel,
	FileSplitMB:     50,
	IsAsync:         true,
	CallerSkip:      1,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
