package commands

import (
	"github.com/mosaicnetworks/feedhub/src/hub"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/mosaicnetworks/feedhub/src/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRunCmd returns the command that starts the aggregation server
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the aggregation server",
		PreRunE: loadRunConfig,
		RunE:    runHub,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runHub(cmd *cobra.Command, args []string) error {
	telemetry.SetBuildInfo(version.Version)

	engine := hub.NewHub(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	go func() {
		sig := waitForSignal()
		_config.Logger().WithField("signal", sig).Info("Stopping")
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	// Listeners
	cmd.Flags().StringP("ingest-listen", "i", _config.IngestAddr, "Listen IP:Port for producer connections")
	cmd.Flags().StringP("feed-listen", "f", _config.FeedAddr, "Listen IP:Port for websocket subscribers")
	cmd.Flags().String("feed-path", _config.FeedPath, "HTTP path of the websocket feed")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service (empty to disable)")

	// WAMP
	cmd.Flags().String("wamp-listen", _config.WampAddr, "Listen IP:Port for the WAMP router (empty to disable)")
	cmd.Flags().String("wamp-realm", _config.WampRealm, "WAMP realm")
	cmd.Flags().String("wamp-topic", _config.WampTopic, "WAMP topic lines are published on")

	// Limits
	cmd.Flags().Int("max-line", _config.MaxLineSize, "Maximum line size in bytes (0 for unbounded)")
	cmd.Flags().Int("read-buffer", _config.ReadBufferSize, "Size of producer socket reads")
	cmd.Flags().Int("send-queue", _config.SendQueueSize, "Lines queued per subscriber before dropping")
	cmd.Flags().Duration("write-timeout", _config.WriteTimeout, "Deadline of a write to a subscriber")
}

func loadRunConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":        _config.DataDir,
		"LogLevel":       _config.LogLevel,
		"LogFile":        _config.LogFile,
		"IngestAddr":     _config.IngestAddr,
		"FeedAddr":       _config.FeedAddr,
		"FeedPath":       _config.FeedPath,
		"ServiceAddr":    _config.ServiceAddr,
		"WampAddr":       _config.WampAddr,
		"WampRealm":      _config.WampRealm,
		"WampTopic":      _config.WampTopic,
		"MaxLineSize":    _config.MaxLineSize,
		"ReadBufferSize": _config.ReadBufferSize,
		"SendQueueSize":  _config.SendQueueSize,
		"WriteTimeout":   _config.WriteTimeout,
	}).Debug("RUN")

	return nil
}
