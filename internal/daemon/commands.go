package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tiroq/proctor/internal/diaglog"
	"github.com/tiroq/proctor/internal/ipc"
)

const (
	pollInterval = time.Second
	// writeSettle lets the CLI finish writing before the file is read.
	writeSettle = 50 * time.Millisecond
)

// watchCommands picks up CLI commands from cmd.txt, through fsnotify with a
// polling fallback.
func (d *Daemon) watchCommands(ctx context.Context) {
	if err := os.MkdirAll(string(d.dir), 0o755); err != nil {
		d.logger.Error("create runtime dir", zap.Error(err))
		return
	}
	cmdPath := d.dir.CommandPath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("fsnotify not available, falling back to polling", zap.Error(err))
		d.pollCommands(ctx, cmdPath)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(cmdPath)); err != nil {
		d.logger.Warn("cannot watch runtime dir, falling back to polling", zap.Error(err))
		d.pollCommands(ctx, cmdPath)
		return
	}
	d.logger.Debug("command watcher started", zap.String("path", cmdPath))

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	var lastCheck time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				d.pollCommands(ctx, cmdPath)
				return
			}
			if event.Name != cmdPath || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			time.Sleep(writeSettle)
			d.consumeCommand(ctx)
			lastCheck = time.Now()

		case <-pollTicker.C:
			if info, err := os.Stat(cmdPath); err == nil && info.ModTime().After(lastCheck) {
				time.Sleep(writeSettle)
				d.consumeCommand(ctx)
				lastCheck = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				d.pollCommands(ctx, cmdPath)
				return
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (d *Daemon) pollCommands(ctx context.Context, cmdPath string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var lastCheck time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(cmdPath)
			if err != nil || !info.ModTime().After(lastCheck) {
				continue
			}
			time.Sleep(writeSettle)
			d.consumeCommand(ctx)
			lastCheck = time.Now()
		}
	}
}

func (d *Daemon) consumeCommand(ctx context.Context) {
	cmd, err := d.dir.ReadCommand()
	if err != nil {
		d.logger.Warn("read command", zap.Error(err))
		return
	}
	if cmd != "" {
		d.HandleCommand(ctx, cmd)
	}
}

// HandleCommand executes one CLI command.
func (d *Daemon) HandleCommand(ctx context.Context, cmd ipc.Command) {
	d.setAction(string(cmd))
	d.logger.Info("command received", zap.String("command", string(cmd)))
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventCommandReceived,
		Payload:   map[string]any{"command": string(cmd), "source": "cli"},
	})

	switch cmd {
	case ipc.CmdDismissGaze:
		d.session.DismissWarning()
	case ipc.CmdDismissFullscreen:
		d.fullscreen.Dismiss(ctx)
	case ipc.CmdEnterFullscreen:
		if err := d.fullscreen.Enter(ctx); err != nil {
			d.setError(err)
		}
	case ipc.CmdExitFullscreen:
		if err := d.fullscreen.Exit(ctx); err != nil {
			d.setError(err)
		}
	case ipc.CmdStart:
		go func() {
			if err := d.session.Start(context.Background()); err != nil {
				d.setError(err)
			}
		}()
	case ipc.CmdStop:
		d.finishSession()
	case ipc.CmdReset:
		d.finishSession()
		if err := d.session.Reset(ctx); err != nil {
			d.setError(err)
		}
	case ipc.CmdQuit:
		d.Quit()
	}
	d.notify()
}
