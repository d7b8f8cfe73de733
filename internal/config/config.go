// Package config resolves daemon startup options from, in increasing
// priority: built-in defaults, kernel command-line udev./rd.udev.
// options (spec §6), and CLI flags.
package config

import (
	"flag"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/coredevd/eventd/internal/constants"
	"github.com/coredevd/eventd/internal/logging"
)

// Config holds every daemon-wide tunable.
type Config struct {
	ChildrenMax     int
	LogLevel        logging.LogLevel
	EventTimeout    time.Duration
	ControlSocket   string
	QueueMarkerPath string
	ExecDelay       time.Duration
	Debug           bool
}

// Default returns the built-in defaults (spec §6).
func Default() Config {
	return Config{
		ChildrenMax:     constants.DefaultChildrenMaxBase + constants.DefaultChildrenMaxPerCPU*runtime.NumCPU(),
		LogLevel:        logging.LevelInfo,
		EventTimeout:    constants.DefaultEventTimeout,
		ControlSocket:   "/run/udev/control",
		QueueMarkerPath: constants.QueueMarkerPath,
		ExecDelay:       0,
	}
}

// ParseCmdline overlays kernel cmdline options onto cfg. udev.log_level
// and rd.udev.log_level are both honored (rd. applies during the
// initramfs phase; plain udev. applies once the real root is mounted,
// per the original's dual-prefix convention). Hyphens and underscores in
// option names are interchangeable (udev.children-max is udev.children_max).
func ParseCmdline(cfg Config, cmdline string) Config {
	for _, tok := range strings.Fields(cmdline) {
		key, val, ok := strings.Cut(tok, "=")
		key = strings.TrimPrefix(key, "rd.")
		key = strings.ReplaceAll(key, "-", "_")
		if !ok && key != "udev.debug" {
			continue
		}
		switch key {
		case "udev.log_level", "udev.log_priority":
			if lvl, ok := logging.ParseLevel(val); ok {
				cfg.LogLevel = lvl
			}
		case "udev.children_max":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.ChildrenMax = n
			}
		case "udev.event_timeout":
			if secs, err := strconv.Atoi(val); err == nil {
				cfg.EventTimeout = time.Duration(secs) * time.Second
			}
		case "udev.exec_delay":
			if secs, err := strconv.Atoi(val); err == nil {
				cfg.ExecDelay = time.Duration(secs) * time.Second
			}
		case "udev.debug":
			cfg.Debug = true
			cfg.LogLevel = logging.LevelDebug
		}
	}
	return cfg
}

// ReadCmdline reads the kernel command line, returning "" if unreadable
// (e.g. not running as pid 1's descendant on Linux, or in tests).
func ReadCmdline() string {
	data, err := os.ReadFile(constants.ProcCmdlinePath)
	if err != nil {
		return ""
	}
	return string(data)
}

// RegisterFlags binds cfg's fields to the flag.FlagSet, to be applied
// after ParseCmdline so explicit CLI flags win.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.ChildrenMax, "children-max", cfg.ChildrenMax, "maximum concurrent worker processes")
	fs.DurationVar(&cfg.EventTimeout, "event-timeout", cfg.EventTimeout, "per-event hard timeout before SIGKILL")
	fs.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "path to the administrative control socket")
	fs.StringVar(&cfg.QueueMarkerPath, "queue-marker", cfg.QueueMarkerPath, "path touched while the event queue is non-empty")
	fs.DurationVar(&cfg.ExecDelay, "exec-delay", cfg.ExecDelay, "delay before running rules, for debugging races")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
}

// Resolve is the end-to-end priority chain: defaults, kernel cmdline,
// then CLI flags (args excludes argv[0]).
func Resolve(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := ParseCmdline(Default(), ReadCmdline())
	RegisterFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Debug {
		cfg.LogLevel = logging.LevelDebug
	}
	return cfg, nil
}
