// Command vfsbrokerd is the broker's command-line entrypoint: it
// builds a Broker, wires in-memory backend instances, replays a
// startup mount list and runs the operations a client would issue.
//
// The real wire transport between a client task and the broker is out
// of scope for this repository, so this binary doubles as both an
// operator tool and a demonstration harness: serve constructs a
// broker, mounts backends and blocks; register-backend additionally
// mounts one extra backend instance on top of an otherwise empty
// broker and reports the resulting mount table, useful for scripting
// against the library without a live daemon to connect to.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vfsbroker/vfsbroker/blog"
)

// logLevelValue is a pflag.Value, the same pattern rclone uses for its
// own enum-like flags (e.g. a bandwidth spec or a size suffix): it
// validates the raw flag text at parse time instead of deferring to a
// PersistentPreRunE check, so a bad --log-level fails cobra's own flag
// parsing with its usual error/usage output rather than surfacing
// later as a generic command error.
type logLevelValue struct {
	level logrus.Level
}

func (v *logLevelValue) String() string { return v.level.String() }

func (v *logLevelValue) Set(raw string) error {
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return err
	}
	v.level = level
	return nil
}

func (v *logLevelValue) Type() string { return "level" }

var logLevel = &logLevelValue{level: logrus.InfoLevel}

var rootCmd = &cobra.Command{
	Use:   "vfsbrokerd",
	Short: "Run the virtual filesystem broker",
	Long: `
vfsbrokerd hosts the broker's mount namespace, node cache and
descriptor tables, forwarding path resolution and I/O to whichever
backend owns the node.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		blog.SetLevel(logLevel.level)
		return nil
	},
}

var _ pflag.Value = (*logLevelValue)(nil)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Var(logLevel, "log-level", "log level (panic, fatal, error, warn, info, debug, trace)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
