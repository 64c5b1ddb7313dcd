/*
DESCRIPTION
  booth runs an unattended video booth: participants scan an identity tag,
  press a button and are recorded, with recordings finalized and copied to a
  file share. A web interface provides status, a live preview and settings.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package main is the booth entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/booth/camera"
	"github.com/ausocean/booth/config"
	"github.com/ausocean/booth/upload"
	"github.com/ausocean/booth/web"
	"github.com/ausocean/utils/logging"
)

// Current software version.
const version = "v1.0.0"

// Logging configuration.
const (
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logSuppress  = true
)

// Used to indicate package in logging.
const pkg = "booth: "

func main() {
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	e, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Create lumberjack logger to handle logging to file.
	fileLog := &lumberjack.Logger{
		Filename:   e.LogPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	defer fileLog.Close()

	verbosity := logging.Info
	if e.Debug {
		verbosity = logging.Debug
	}
	log := logging.New(verbosity, io.MultiWriter(fileLog, os.Stderr), logSuppress)
	log.Info(pkg+"starting", "version", version, "data", e.DataDir, "addr", e.Addr)

	err = run(log, e)
	if err != nil {
		log.Error(pkg+"stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info(pkg + "stopped")
}

// run wires the booth together and blocks until a termination signal is
// received or a component fails.
func run(log logging.Logger, e config.Env) error {
	store := config.NewStore(e.SettingsPath(), log)
	_, err := store.Load()
	if err != nil {
		log.Warning(pkg+"could not load settings, using defaults", "path", store.Path(), "error", err)
	}

	cam := camera.NewArbiter(log, store.Current, e.IncomingDir(), e.OutgoingDir())
	defer cam.Close()

	var (
		p  booth.Peripherals
		hw *hardware
	)
	if e.NoHardware {
		log.Info(pkg + "running without hardware peripherals")
	} else {
		hw = newHardware(log, e)
		defer func() {
			err := hw.Close()
			if err != nil {
				log.Warning(pkg+"could not close peripherals", "error", err)
			}
		}()
		p = hw.peripherals()
	}
	p.Uploader = optionalUploader{upload.NewSamba(log, store.Current)}

	ctrl := booth.NewController(log, p, cam, store.Current)
	if hw != nil {
		hw.onPress = ctrl.ButtonPressed
	}
	srv := web.NewServer(log, cam, store, ctrl.Stage, e.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, e.Addr) })
	g.Go(func() error {
		err := store.Watch(ctx)
		if err != nil {
			log.Warning(pkg+"settings will not be reloaded on change", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// optionalUploader skips uploads while no share is configured.
type optionalUploader struct {
	*upload.Samba
}

func (u optionalUploader) Upload(ctx context.Context, path string) error {
	if !u.Configured() {
		return nil
	}
	return u.Samba.Upload(ctx, path)
}
