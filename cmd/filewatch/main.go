package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/corgile/filewatcher/pkg/logging"
	"github.com/corgile/filewatcher/pkg/watch"
)

// rootConfiguration stores configuration for the root command.
var rootConfiguration struct {
	// latency is the coalescer drain interval.
	latency time.Duration
	// skipInit suppresses the synthetic CREATED events from the initial
	// recursive enumeration of the watch root.
	skipInit bool
	// logLevel names the logging level, one of logging.NameToLevel's
	// recognized names.
	logLevel string
}

func rootMain(command *cobra.Command, arguments []string) error {
	if len(arguments) != 1 {
		return command.Help()
	}
	root := arguments[0]

	colorize := isatty.IsTerminal(os.Stdout.Fd())

	level, ok := logging.NameToLevel(rootConfiguration.logLevel)
	if !ok {
		return fmt.Errorf("unknown log level: %s", rootConfiguration.logLevel)
	}
	logger := logging.NewLogger(level)
	logger.Debugf("logging at level %s", level)

	service, err := watch.New(root, rootConfiguration.latency, func(batch watch.Batch) {
		for _, event := range batch {
			printEvent(event, colorize)
		}
	}, watch.WithSendInitEvents(!rootConfiguration.skipInit), watch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("unable to start watch service: %w", err)
	}
	defer service.Close()

	fmt.Printf("watching %s (latency %s)\n", root, rootConfiguration.latency)

	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, os.Interrupt, syscall.SIGTERM)
	<-signalTermination

	return nil
}

func printEvent(event watch.Event, colorize bool) {
	if event.Kind.Has(watch.KindFailed) {
		if colorize {
			fmt.Println(color.RedString("FAILED"), event.RelativePath)
		} else {
			fmt.Println("FAILED", event.RelativePath)
		}
		return
	}

	label := event.Kind.String()
	if colorize {
		label = color.CyanString(label)
	}
	fmt.Printf("%s %s %s\n", event.At.Format(time.RFC3339), label, event.RelativePath)
}

// rootCommand is the root command for the filewatch CLI.
var rootCommand = &cobra.Command{
	Use:          "filewatch <path>",
	Short:        "Watch a directory tree for filesystem changes",
	Args:         cobra.ExactArgs(1),
	RunE:         rootMain,
	SilenceUsage: true,
}

func init() {
	cobra.EnableCommandSorting = false

	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.DurationVar(&rootConfiguration.latency, "latency", 750*time.Millisecond, "coalescing window")
	flags.BoolVar(&rootConfiguration.skipInit, "skip-init", false, "suppress initial CREATED events for existing entries")
	flags.StringVar(&rootConfiguration.logLevel, "log-level", "info", "logging level: disabled, error, warn, info, debug, or trace")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
