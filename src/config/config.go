package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/feedhub/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// DefaultConfigName is the name, without extension, of the optional
// configuration file looked up in the data directory.
const DefaultConfigName = "feedhub"

// Default configuration values.
const (
	DefaultLogLevel       = "debug"
	DefaultIngestAddr     = "127.0.0.1:5000"
	DefaultFeedAddr       = "127.0.0.1:5050"
	DefaultFeedPath       = "/feed"
	DefaultServiceAddr    = "127.0.0.1:8000"
	DefaultMonitorAddr    = "127.0.0.1:8001"
	DefaultWampAddr       = ""
	DefaultWampRealm      = "feedhub"
	DefaultWampTopic      = "feedhub.line"
	DefaultMaxLineSize    = 1 << 20
	DefaultReadBufferSize = 4096
	DefaultSendQueueSize  = 256
	DefaultWriteTimeout   = 10 * time.Second
	DefaultFeedURL        = "ws://127.0.0.1:5050/feed"
	DefaultReconnectDelay = 2 * time.Second
)

// Config contains all the configuration properties of a feedhub process.
type Config struct {
	// DataDir is the directory searched for the optional feedhub config file.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// IngestAddr is the local address:port where producers open raw TCP
	// connections and stream line-delimited telemetry.
	IngestAddr string `mapstructure:"ingest-listen"`

	// FeedAddr is the local address:port of the websocket feed. Every line
	// received on IngestAddr is pushed to every connected feed client.
	FeedAddr string `mapstructure:"feed-listen"`

	// FeedPath is the HTTP path upgraded to the websocket feed. The root path
	// is always served as well.
	FeedPath string `mapstructure:"feed-path"`

	// ServiceAddr is the address:port of the HTTP API. An empty value
	// disables the service.
	ServiceAddr string `mapstructure:"service-listen"`

	// WampAddr is the address:port of an optional WAMP router which publishes
	// every line on WampTopic within WampRealm. An empty value disables it.
	WampAddr  string `mapstructure:"wamp-listen"`
	WampRealm string `mapstructure:"wamp-realm"`
	WampTopic string `mapstructure:"wamp-topic"`

	// MaxLineSize caps the number of bytes buffered for a single line on a
	// producer connection. A producer exceeding it is disconnected. Zero
	// means unbounded.
	MaxLineSize int `mapstructure:"max-line"`

	// ReadBufferSize is the size of the chunk read from producer sockets.
	ReadBufferSize int `mapstructure:"read-buffer"`

	// SendQueueSize is the number of lines buffered for each feed client.
	// Lines published while a client's queue is full are dropped for that
	// client only.
	SendQueueSize int `mapstructure:"send-queue"`

	// WriteTimeout bounds every write to a feed client.
	WriteTimeout time.Duration `mapstructure:"write-timeout"`

	// FeedURL is the websocket URL the monitor subscribes to.
	FeedURL string `mapstructure:"feed-url"`

	// ReconnectDelay is how long the monitor waits before redialing a lost
	// feed.
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:        DefaultDataDir(),
		LogLevel:       DefaultLogLevel,
		IngestAddr:     DefaultIngestAddr,
		FeedAddr:       DefaultFeedAddr,
		FeedPath:       DefaultFeedPath,
		ServiceAddr:    DefaultServiceAddr,
		WampAddr:       DefaultWampAddr,
		WampRealm:      DefaultWampRealm,
		WampTopic:      DefaultWampTopic,
		MaxLineSize:    DefaultMaxLineSize,
		ReadBufferSize: DefaultReadBufferSize,
		SendQueueSize:  DefaultSendQueueSize,
		WriteTimeout:   DefaultWriteTimeout,
		FeedURL:        DefaultFeedURL,
		ReconnectDelay: DefaultReconnectDelay,
	}

	return config
}

// NewTestConfig returns a config object bound to ephemeral loopback ports,
// with the service disabled and a logger that writes to the test log.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.IngestAddr = "127.0.0.1:0"
	config.FeedAddr = "127.0.0.1:0"
	config.ServiceAddr = ""
	config.WriteTimeout = time.Second
	config.ReconnectDelay = 50 * time.Millisecond
	config.logger = common.NewTestLogger(t)
	return config
}

// Logger returns a formatted logrus Entry, with prefix set to "feedhub".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(lfshook.PathMap{
				logrus.DebugLevel: c.LogFile,
				logrus.InfoLevel:  c.LogFile,
				logrus.WarnLevel:  c.LogFile,
				logrus.ErrorLevel: c.LogFile,
				logrus.FatalLevel: c.LogFile,
				logrus.PanicLevel: c.LogFile,
			}, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "feedhub")
}

// DefaultDataDir return the default directory name for the feedhub config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Feedhub")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Feedhub")
		} else {
			return filepath.Join(home, ".feedhub")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
