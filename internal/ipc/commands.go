// Package ipc is the file-based channel between the proctor-core daemon and
// its CLI: commands go through cmd.txt, status comes back in status.json.
package ipc

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Command is a control request from the CLI to the daemon.
type Command string

const (
	CmdDismissGaze       Command = "dismiss-gaze"       // Acknowledge the gaze warning
	CmdDismissFullscreen Command = "dismiss-fullscreen" // Acknowledge the fullscreen warning and re-enter
	CmdEnterFullscreen   Command = "enter-fullscreen"   // Ask the page to go fullscreen
	CmdExitFullscreen    Command = "exit-fullscreen"    // Ask the page to leave fullscreen
	CmdStart             Command = "start"              // Start proctoring now
	CmdStop              Command = "stop"               // Stop proctoring now
	CmdReset             Command = "reset"              // Stop and zero the violation counter
	CmdQuit              Command = "quit"               // Shut the daemon down
)

// Commands lists every accepted command.
var Commands = []Command{
	CmdDismissGaze, CmdDismissFullscreen, CmdEnterFullscreen, CmdExitFullscreen,
	CmdStart, CmdStop, CmdReset, CmdQuit,
}

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand validates s.
func ParseCommand(s string) (Command, error) {
	cmd := Command(strings.TrimSpace(s))
	for _, known := range Commands {
		if cmd == known {
			return cmd, nil
		}
	}
	return "", ErrUnknownCommand
}

// Dir is the runtime directory shared by the daemon and the CLI.
type Dir string

// DefaultDir returns ~/.cache/proctor.
func DefaultDir() Dir {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return Dir(filepath.Join(home, ".cache", "proctor"))
}

// CommandPath returns the command file.
func (d Dir) CommandPath() string {
	return filepath.Join(string(d), "cmd.txt")
}

// WriteCommand leaves cmd for the daemon to pick up.
func (d Dir) WriteCommand(cmd Command) error {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.CommandPath(), []byte(cmd), 0o644)
}

// ReadCommand reads and clears the command file. It returns "" when nothing
// is pending or the file holds something unknown.
func (d Dir) ReadCommand() (Command, error) {
	data, err := os.ReadFile(d.CommandPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}

	// Clear first so a command is never executed twice.
	if err := os.WriteFile(d.CommandPath(), nil, 0o644); err != nil {
		return "", err
	}

	cmd, err := ParseCommand(string(data))
	if err != nil {
		return "", nil
	}
	return cmd, nil
}
