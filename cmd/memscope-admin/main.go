// Command memscope-admin drives a memscope service over its HTTP API and maintains the job
// archive database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	envServerURL     = "MEMSCOPE_URL"
)

// cli holds the global flags shared by every command.
type cli struct {
	serverURL string
	output    string
	timeout   time.Duration
	out       io.Writer
}

func (c *cli) client() *apiClient {
	return newAPIClient(c.serverURL, c.timeout)
}

func (c *cli) jsonOutput() bool {
	return c.output == outputJSON
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "memscope-admin",
		Short:         "Administer a memscope forensic analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch c.output {
			case outputTable, outputJSON:
				return nil
			default:
				return fmt.Errorf("invalid --output %q (valid options: table, json)", c.output)
			}
		},
	}
	root.SetOut(out)

	serverDefault := os.Getenv(envServerURL)
	if serverDefault == "" {
		serverDefault = defaultServerURL
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.serverURL, "server", serverDefault, "memscope API base URL (env "+envServerURL+")")
	flags.StringVarP(&c.output, "output", "o", outputTable, "output format: table or json")
	flags.DurationVar(&c.timeout, "timeout", 2*time.Minute, "HTTP request timeout")

	root.AddCommand(
		submitCmd(c),
		statusCmd(c),
		listCmd(c),
		watchCmd(c),
		resultCmd(c),
		reportCmd(c),
		cancelCmd(c),
		deleteCmd(c),
		capabilitiesCmd(c),
		archiveCmd(c),
		migrateCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command failure to callers
	}
}
