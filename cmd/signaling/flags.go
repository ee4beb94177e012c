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

// mediaNode is one configured media node, parsed from -media-node values
// of the form "name=rtp_host:rtp_port@http_base_url".
type mediaNode struct {
	name        string
	rtpAddr     string
	httpBaseURL string
}

// deviceCredential is one configured device's digest-auth policy, parsed
// from -device values of the form "device_id=password" (pwd_check
// enabled) or a bare "device_id" (pwd_check disabled).
type deviceCredential struct {
	deviceID    string
	password    string
	requireAuth bool
}

type cliConfig struct {
	sipUDP   string
	sipTCP   string
	httpAddr string
	sentBy   string

	domain   string
	realm    string
	localURI string

	dsn string

	tokens  []string
	nodes   []mediaNode
	devices []deviceCredential

	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	// Load config.yml first so its values become the flag defaults: an
	// explicit CLI flag still wins, but an unset flag now falls back to
	// the YAML file (or its compiled defaults) instead of a literal here.
	fileCfg, err := config.Load(scanConfigPath(args))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg := &cliConfig{}
	var tokens stringSliceFlag
	var nodes stringSliceFlag
	var devices stringSliceFlag

	fs.StringVar(&cfg.sipUDP, "sip-udp", fmt.Sprintf(":%d", fileCfg.Server.Session.SIPPort), "SIP UDP listen address")
	fs.StringVar(&cfg.sipTCP, "sip-tcp", fmt.Sprintf(":%d", fileCfg.Server.Session.SIPPort), "SIP TCP listen address")
	fs.StringVar(&cfg.httpAddr, "http-addr", fmt.Sprintf(":%d", fileCfg.Server.Stream.Port), "REST API listen address")
	fs.StringVar(&cfg.sentBy, "sent-by", "", "host:port advertised in our own Via sent-by (default: sip-tcp)")
	fs.StringVar(&cfg.domain, "domain", fileCfg.Server.Session.Domain, "20-digit GB domain id (required)")
	fs.StringVar(&cfg.realm, "realm", fileCfg.Server.Session.Domain, "digest auth realm")
	fs.StringVar(&cfg.localURI, "local-uri", "", "our sip:server@domain contact (default: derived from -domain)")
	fs.StringVar(&cfg.dsn, "dsn", fileCfg.Database.DSN, "store DSN (sqlite://path or mysql://dsn)")
	fs.Var(&tokens, "token", "valid gmv-token value (can be specified multiple times)")
	fs.Var(&nodes, "media-node", "media node in format name=rtp_host:rtp_port@http_base_url (can be specified multiple times)")
	fs.Var(&devices, "device", "device credential in format device_id=password, or bare device_id to disable its pwd_check (can be specified multiple times)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.String("config", "", "path to config.yml (default: $VMS_CONFIG or ./config.yml)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}

	if cfg.domain == "" {
		return nil, errors.New("-domain is required")
	}
	if cfg.sentBy == "" {
		cfg.sentBy = cfg.sipTCP
	}
	if cfg.localURI == "" {
		cfg.localURI = fmt.Sprintf("sip:server@%s", cfg.domain)
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	cfg.tokens = tokens
	for _, raw := range nodes {
		n, err := parseMediaNode(raw)
		if err != nil {
			return nil, err
		}
		cfg.nodes = append(cfg.nodes, n)
	}
	for _, raw := range devices {
		cfg.devices = append(cfg.devices, parseDeviceCredential(raw))
	}
	if len(cfg.nodes) == 0 {
		return nil, errors.New("at least one -media-node is required")
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

func parseMediaNode(raw string) (mediaNode, error) {
	nameAndRest := strings.SplitN(raw, "=", 2)
	if len(nameAndRest) != 2 {
		return mediaNode{}, fmt.Errorf("invalid -media-node %q, expected name=rtp_host:rtp_port@http_base_url", raw)
	}
	rtpAndHTTP := strings.SplitN(nameAndRest[1], "@", 2)
	if len(rtpAndHTTP) != 2 {
		return mediaNode{}, fmt.Errorf("invalid -media-node %q, expected name=rtp_host:rtp_port@http_base_url", raw)
	}
	return mediaNode{
		name:        nameAndRest[0],
		rtpAddr:     rtpAndHTTP[0],
		httpBaseURL: rtpAndHTTP[1],
	}, nil
}

func parseDeviceCredential(raw string) deviceCredential {
	parts := strings.SplitN(raw, "=", 2)
	if len(parts) == 1 {
		return deviceCredential{deviceID: parts[0]}
	}
	return deviceCredential{deviceID: parts[0], password: parts[1], requireAuth: true}
}

// stringSliceFlag implements flag.Value for multiple string values.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
