package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gb28181/vms/internal/config"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

type cliConfig struct {
	nodeName string
	rtpUDP   string
	rtpTCP   string
	httpAddr string

	signalingBaseURL string

	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("media", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	// Loaded first so its values back-fill flag defaults below; an explicit
	// CLI flag always wins over whatever config.yml (or its own compiled
	// defaults) supplies.
	fileCfg, err := config.Load(scanConfigPath(args))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := &cliConfig{}
	fs.StringVar(&cfg.nodeName, "node-name", fileCfg.Stream.NodeName, "this node's name, as registered in S's -media-node table (required)")
	fs.StringVar(&cfg.rtpUDP, "rtp-udp", ":30000", "RTP/RTCP UDP listen address")
	fs.StringVar(&cfg.rtpTCP, "rtp-tcp", ":30000", "RTP/RTCP TCP listen address")
	fs.StringVar(&cfg.httpAddr, "http-addr", fmt.Sprintf(":%d", fileCfg.Stream.Port), "/listen/ssrc and viewer-join HTTP listen address")
	fs.StringVar(&cfg.signalingBaseURL, "signaling-url", "", "S's hook-receiver base URL, e.g. http://s.internal:8080 (required)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.String("config", "", "path to config.yml (default: $VMS_CONFIG or ./config.yml)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.nodeName == "" {
		return nil, errors.New("-node-name is required")
	}
	if cfg.signalingBaseURL == "" {
		return nil, errors.New("-signaling-url is required")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	return cfg, nil
}

// scanConfigPath looks for -config/--config ahead of the normal flag parse
// pass, since the config file's contents are needed to compute other flags'
// defaults before flag.FlagSet can parse them in the usual order.
func scanConfigPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}
