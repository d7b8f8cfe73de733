package config

import (
	"flag"
	"testing"
	"time"

	"github.com/coredevd/eventd/internal/logging"
)

func TestParseCmdline_OverridesDefaults(t *testing.T) {
	cfg := ParseCmdline(Default(), "BOOT_IMAGE=/vmlinuz root=/dev/sda1 rd.udev.log_level=debug udev.children_max=16 udev.event_timeout=60")

	if cfg.LogLevel != logging.LevelDebug {
		t.Errorf("LogLevel = %v, want LevelDebug", cfg.LogLevel)
	}
	if cfg.ChildrenMax != 16 {
		t.Errorf("ChildrenMax = %d, want 16", cfg.ChildrenMax)
	}
	if cfg.EventTimeout != 60*time.Second {
		t.Errorf("EventTimeout = %v, want 60s", cfg.EventTimeout)
	}
}

func TestParseCmdline_IgnoresUnknownTokens(t *testing.T) {
	base := Default()
	cfg := ParseCmdline(base, "quiet splash nosomething")
	if cfg != base {
		t.Errorf("unrelated cmdline tokens mutated the config: %+v vs %+v", cfg, base)
	}
}

func TestRegisterFlags_CLIOverridesCmdline(t *testing.T) {
	cfg := ParseCmdline(Default(), "udev.children_max=16")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)

	if err := fs.Parse([]string{"-children-max=32"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ChildrenMax != 32 {
		t.Errorf("ChildrenMax = %d, want 32 (explicit flag wins)", cfg.ChildrenMax)
	}
}
