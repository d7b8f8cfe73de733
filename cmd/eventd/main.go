// Command eventd is the device-management daemon's entry point: the
// supervisor process when invoked normally, and a single worker's body
// when re-exec'd with the hidden __worker argument (spec §4.3).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/coredevd/eventd"
	"github.com/coredevd/eventd/internal/config"
	"github.com/coredevd/eventd/internal/interfaces"
	"github.com/coredevd/eventd/internal/logging"
	"github.com/coredevd/eventd/internal/queue"
	"github.com/coredevd/eventd/internal/workerproc"
)

// workerSubcommand is the argv[1] a spawned worker re-execs itself
// with, letting a single binary serve both as supervisor and worker
// body instead of a separate fork() + exec-less child as the original
// daemon does.
const workerSubcommand = "__worker"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerSubcommand {
		if err := runWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "eventd worker: %v\n", err)
			os.Exit(1)
		}
		return
	}
	runSupervisor()
}

func runWorker() error {
	var delay time.Duration
	if raw := os.Getenv(queue.ExecDelayEnv); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			delay = d
		}
	}
	return workerproc.Run(workerproc.Config{
		Engine:    noopRuleEngine{},
		ExecDelay: delay,
	})
}

// noopRuleEngine is the hook a real administrator rule parser/executor
// plugs into; that collaborator is outside this repository's scope, so
// the shipped binary just accepts every device without acting on it.
type noopRuleEngine struct{}

func (noopRuleEngine) Apply(ctx context.Context, dev interfaces.Device) error {
	return nil
}

var _ interfaces.RuleEngine = noopRuleEngine{}

func runSupervisor() {
	fs := flag.NewFlagSet("eventd", flag.ExitOnError)
	cfg, err := config.Resolve(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventd: %v\n", err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = cfg.LogLevel
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("starting", "children_max", cfg.ChildrenMax, "control_socket", cfg.ControlSocket, "event_timeout", cfg.EventTimeout)

	d, err := eventd.New(cfg, &eventd.Options{Logger: logger})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		d.RequestExit()
	}()

	runErr := d.Run()

	if closeErr := d.Close(); closeErr != nil {
		logger.Warn("error releasing daemon resources", "error", closeErr)
	}

	if runErr != nil {
		logger.Error("exiting with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("stopped")
}

// dumpStacks writes every goroutine's stack to stderr and to a
// timestamped file, for diagnosing a supervisor that has stopped
// making progress without restarting it.
func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

	filename := fmt.Sprintf("eventd-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack trace written to file", "file", filename)
}
