package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine configuration
type Config struct {
	// SIP settings
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	UserAgent     string

	// Media settings
	RTPPortMin    int
	RTPPortMax    int
	AudioBasePath string // Base path for playback WAV files
	RecordPath    string // Directory for call recordings

	// Codec preference, highest first (payload type names)
	CodecPreference []string

	// Jitter buffer depth in packets
	JitterDepth int

	// Tear down a call after this long with no inbound media on either leg.
	// Zero disables the watchdog.
	MediaTimeout time.Duration

	// Registration settings
	DefaultExpires time.Duration
	MinExpires     time.Duration

	// Observability
	MetricsAddr string // host:port for Prometheus scrape endpoint, empty disables
	LogLevel    string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		DefaultExpires: 3600 * time.Second,
		MinExpires:     60 * time.Second,
	}

	flag.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers and SDP (auto-detected if not set)")
	flag.StringVar(&cfg.UserAgent, "user-agent", "sonara-pbx", "User-Agent header value")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Minimum RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Maximum RTP port")
	flag.StringVar(&cfg.AudioBasePath, "audio-path", "./audio", "Audio files base path")
	flag.StringVar(&cfg.RecordPath, "record-path", "./recordings", "Call recording output directory")
	flag.IntVar(&cfg.JitterDepth, "jitter-depth", 4, "Jitter buffer depth in packets")
	flag.DurationVar(&cfg.MediaTimeout, "media-timeout", 30*time.Second, "Hang up after this long without inbound media (0 disables)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "Prometheus metrics listen address (empty disables)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	var codecs string
	flag.StringVar(&codecs, "codecs", "PCMU,PCMA", "Codec preference, comma-separated, highest first")

	flag.Parse()

	cfg.CodecPreference = parseList(codecs)

	// Environment overrides
	if v := os.Getenv("SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		cfg.RTPPortMin, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		cfg.RTPPortMax, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("AUDIO_PATH"); v != "" {
		cfg.AudioBasePath = v
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		cfg.RecordPath = v
	}
	if v := os.Getenv("CODECS"); v != "" {
		cfg.CodecPreference = parseList(v)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// parseList parses a comma-separated list
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
