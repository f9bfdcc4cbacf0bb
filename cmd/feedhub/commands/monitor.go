package commands

import (
	"net"

	"github.com/mosaicnetworks/feedhub/src/config"
	"github.com/mosaicnetworks/feedhub/src/monitor"
	"github.com/mosaicnetworks/feedhub/src/peers"
	"github.com/mosaicnetworks/feedhub/src/service"
	"github.com/mosaicnetworks/feedhub/src/telemetry"
	"github.com/mosaicnetworks/feedhub/src/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewMonitorCmd returns the command that follows a feed and serves the peer
// table it derives
func NewMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "monitor",
		Short:   "Track peer state from a running feed",
		PreRunE: loadMonitorConfig,
		RunE:    runMonitor,
	}
	AddMonitorFlags(cmd)
	return cmd
}

/*******************************************************************************
* MONITOR
*******************************************************************************/

func runMonitor(cmd *cobra.Command, args []string) error {
	telemetry.SetBuildInfo(version.Version)

	logger := _config.Logger()

	rec := peers.NewReconciler(nil, logger.WithField("component", "peers"))

	mon := monitor.NewMonitor(
		_config.FeedURL,
		_config.ReconnectDelay,
		rec,
		logger.WithField("component", "monitor"),
	)

	var srv *service.Service
	if _config.ServiceAddr != "" {
		l, err := net.Listen("tcp", _config.ServiceAddr)
		if err != nil {
			logger.Error("Cannot bind service address:", err)
			return err
		}

		srv = service.NewService(
			l.Addr().String(),
			mon,
			nil,
			rec,
			logger.WithField("component", "service"),
		)
		go srv.ServeListener(l)
	}

	go func() {
		sig := waitForSignal()
		logger.WithField("signal", sig).Info("Stopping")
		mon.Shutdown()
		if srv != nil {
			srv.Shutdown()
		}
	}()

	mon.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddMonitorFlags adds flags to the Monitor command
func AddMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("feed-url", "u", _config.FeedURL, "Websocket URL of the feed")
	cmd.Flags().Duration("reconnect-delay", _config.ReconnectDelay, "Delay between connection attempts")
	cmd.Flags().StringP("service-listen", "s", config.DefaultMonitorAddr, "Listen IP:Port for HTTP service (empty to disable)")
}

func loadMonitorConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":        _config.DataDir,
		"LogLevel":       _config.LogLevel,
		"LogFile":        _config.LogFile,
		"FeedURL":        _config.FeedURL,
		"ReconnectDelay": _config.ReconnectDelay,
		"ServiceAddr":    _config.ServiceAddr,
	}).Debug("MONITOR")

	return nil
}
