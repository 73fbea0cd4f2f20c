// Package main runs the OmniCore hardware interface: the control loop, the status publisher and
// the HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/components/arm/omnicore/rws"
	"go.viam.com/omnicore/config"
	"go.viam.com/omnicore/control"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/web"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"

	positionControllerName = "joint_group_position"
	shutdownTimeout        = 10 * time.Second
)

func main() {
	app := &cli.App{
		Name:  "omnicore-hw",
		Usage: "hardware interface for ABB OmniCore controllers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "path to the JSON config file",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "log at debug level regardless of the config",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, c.String(flagConfig), c.Bool(flagDebug))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, debug bool) (logging.Logger, io.Closer) {
	logger := logging.NewLogger("omnicore")
	if debug {
		logger.SetLevel(logging.DEBUG)
	} else {
		logger.SetLevel(cfg.ParsedLevel())
	}
	if cfg.File == "" {
		return logger, nil
	}
	appender, closer := logging.NewFileAppender(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
	logger.AddAppender(appender)
	return logger, closer
}

func run(ctx context.Context, configPath string, debug bool) (err error) {
	bootLogger := logging.NewLogger("omnicore")
	cfg, err := config.Read(configPath, bootLogger)
	if err != nil {
		return err
	}
	logger, logCloser := newLogger(cfg.Log, debug)
	defer func() {
		//nolint:errcheck
		logger.Sync()
		if logCloser != nil {
			err = multierr.Combine(err, logCloser.Close())
		}
	}()

	joints, err := cfg.JointTable()
	if err != nil {
		return errors.Wrap(err, "loading joint limits")
	}

	client, err := rws.NewClient(cfg.RWSClientConfig(), logger.Sublogger("rws"))
	if err != nil {
		return err
	}
	defer client.Close()
	sm, err := rws.NewStateMachine(client, cfg.StateMachineConfig(joints), logger.Sublogger("rws"))
	if err != nil {
		return err
	}

	hw, err := omnicore.NewHardware(
		cfg.HardwareConfig(joints),
		sm,
		omnicore.NewEGMStreamFactory(cfg.StreamConfig(joints), logger.Sublogger("egm")),
		logger.Sublogger("hw"),
	)
	if err != nil {
		return err
	}
	if err := hw.Init(ctx); err != nil {
		return errors.Wrap(err, "initializing hardware interface")
	}
	logger.Infow("hardware interface ready", "hardware", hw.String())

	loop, err := control.NewLoop(logger.Sublogger("control"), cfg.LoopConfig(), hw, clock.New())
	if err != nil {
		return multierr.Combine(err, shutdownHardware(hw))
	}
	position, err := control.NewJointGroupController(
		positionControllerName, omnicore.PositionInterface, referenceframe.JointNames(joints), joints, hw)
	if err != nil {
		return multierr.Combine(err, shutdownHardware(hw))
	}
	if err := loop.SwitchControllers([]control.Controller{position}, nil); err != nil {
		return multierr.Combine(err, shutdownHardware(hw))
	}
	if err := loop.Start(); err != nil {
		return multierr.Combine(err, shutdownHardware(hw))
	}

	server := web.NewServer(hw, position, loop, web.Options{
		BindAddress:    cfg.Web.BindAddress,
		AllowedOrigins: cfg.Web.AllowedOrigins,
		RequestTimeout: cfg.AckTimeout + cfg.EGM.ConnectTimeout,
	}, logger.Sublogger("web"))
	publisher := omnicore.NewStatusPublisher(hw, cfg.StatusPeriod(), logger.Sublogger("status"), server.Hub())

	if err := server.Start(); err != nil {
		loop.Stop()
		publisher.Close()
		return multierr.Combine(err, shutdownHardware(hw))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// the loop goes first so no cycle runs against a closing backend
	loop.Stop()
	err = shutdownHardware(hw)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		publisher.Close()
		return nil
	})
	g.Go(func() error {
		return server.Close(shutdownCtx)
	})
	return multierr.Combine(err, g.Wait())
}

func shutdownHardware(hw *omnicore.Hardware) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return hw.Shutdown(ctx)
}
