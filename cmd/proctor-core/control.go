package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/proctor/internal/ipc"
	"github.com/tiroq/proctor/internal/pidfile"
)

// staleAfter marks a status file the daemon has stopped refreshing.
const staleAfter = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's current status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, err := dir().ReadStatus()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errors.New("proctor-core is not running")
			}
			return err
		}

		// --json switches the printout to the raw status file.
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		printStatus(cmd, status)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:       "send <command>",
	Short:     "Send a control command to the running daemon",
	Long:      "Send a control command to the running daemon. Commands: dismiss-gaze, dismiss-fullscreen, enter-fullscreen, exit-fullscreen, start, stop, reset, quit.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: commandNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ipc.ParseCommand(args[0])
		if err != nil {
			return fmt.Errorf("%w: %q", err, args[0])
		}
		return writeCommand(cmd, c)
	},
}

var dismissCmd = &cobra.Command{
	Use:       "dismiss [gaze|fullscreen]",
	Short:     "Acknowledge a proctoring warning",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"gaze", "fullscreen"},
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "gaze"
		if len(args) == 1 {
			target = args[0]
		}
		switch target {
		case "gaze":
			return writeCommand(cmd, ipc.CmdDismissGaze)
		case "fullscreen":
			return writeCommand(cmd, ipc.CmdDismissFullscreen)
		default:
			return fmt.Errorf("unknown warning %q, expected gaze or fullscreen", target)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, sendCmd, dismissCmd)
}

func commandNames() []string {
	names := make([]string, 0, len(ipc.Commands))
	for _, c := range ipc.Commands {
		names = append(names, string(c))
	}
	return names
}

func writeCommand(cmd *cobra.Command, c ipc.Command) error {
	d := dir()
	pid, err := pidfile.Read(pidfile.PathIn(string(d), app))
	if err != nil || !pidfile.Running(pid) {
		return errors.New("proctor-core is not running")
	}
	if err := d.WriteCommand(c); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to PID %d\n", c, pid)
	return nil
}

func printStatus(cmd *cobra.Command, s *ipc.StatusSnapshot) {
	out := cmd.OutOrStdout()
	age := time.Since(s.Timestamp).Round(time.Second)

	fmt.Fprintf(out, "proctor-core %s (PID %d)\n", s.Version, s.PID)
	if age > staleAfter {
		fmt.Fprintf(out, "  warning: status is %s old, the daemon may be hung\n", age)
	}
	fmt.Fprintf(out, "  agent connected:  %t\n", s.AgentConnected)
	fmt.Fprintf(out, "  interview active: %t\n", s.InterviewActive)
	fmt.Fprintf(out, "  stage:            %s\n", s.Stage)
	if s.Role != "" {
		fmt.Fprintf(out, "  role:             %s\n", s.Role)
	}
	fmt.Fprintf(out, "  webcam:           %s\n", s.Proctor.Status)
	if s.Proctor.WebcamError != "" {
		fmt.Fprintf(out, "  webcam error:     %s\n", s.Proctor.WebcamError)
	}
	fmt.Fprintf(out, "  proctoring:       %t (gaze %s)\n", s.Proctor.Running, s.Proctor.GazeState)
	fmt.Fprintf(out, "  violations:       %d\n", s.Proctor.ViolationCount)
	fmt.Fprintf(out, "  gaze warning:     %t\n", s.Proctor.ShowWarning)
	fmt.Fprintf(out, "  fullscreen:       %t (supported %t, exits %d, warning %t)\n",
		s.Fullscreen.IsFullscreen, s.Fullscreen.Supported, s.Fullscreen.Exits, s.Fullscreen.ShowWarning)
	if s.LastAction != "" {
		fmt.Fprintf(out, "  last action:      %s\n", s.LastAction)
	}
	if s.LastError != "" {
		fmt.Fprintf(out, "  last error:       %s\n", s.LastError)
	}
}
