package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the presence server configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers
	Realm         string // Digest realm for REGISTER and NOTIFY
	LogLevel      string

	// Registrar settings
	MinExpires     int
	MaxExpires     int
	DefaultExpires int

	// Subscription settings
	SubscribeTimeout time.Duration // Bound on each SUBSCRIBE transaction
	Accept           []string      // Accept header of outgoing SUBSCRIBEs
	ShutdownParallel int           // Concurrent teardowns on shutdown

	// Management endpoints
	APIAddr  string
	GRPCAddr string

	// Event publishing
	NATSURL           string
	NATSSubjectPrefix string

	// Credential sources
	CredentialsFile string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// Load loads configuration from command line flags and environment variables
func Load() (*Config, error) {
	return LoadFrom(os.Args[1:], os.Getenv)
}

// LoadFrom parses args and applies overrides from getenv.
func LoadFrom(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("presenced", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.Realm, "realm", "", "Digest authentication realm")
	fs.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")
	fs.IntVar(&cfg.MinExpires, "min-expires", 30, "Minimum REGISTER expires in seconds")
	fs.IntVar(&cfg.MaxExpires, "max-expires", 7200, "Maximum REGISTER expires in seconds")
	fs.IntVar(&cfg.DefaultExpires, "default-expires", 3600, "REGISTER expires when the client asks for none")
	fs.DurationVar(&cfg.SubscribeTimeout, "subscribe-timeout", 32*time.Second, "Timeout for SUBSCRIBE transactions")
	fs.IntVar(&cfg.ShutdownParallel, "shutdown-parallel", 10, "Concurrent subscription teardowns on shutdown")
	fs.StringVar(&cfg.APIAddr, "api", ":8080", "HTTP API listen address (empty disables)")
	fs.StringVar(&cfg.GRPCAddr, "grpc", ":9090", "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.NATSURL, "nats", "", "NATS server URL (empty publishes to the log only)")
	fs.StringVar(&cfg.NATSSubjectPrefix, "nats-prefix", "presenced", "NATS subject prefix")
	fs.StringVar(&cfg.CredentialsFile, "credentials", "", "YAML credentials file")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for credential lookup")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database")

	var accept string
	fs.StringVar(&accept, "accept", "application/pidf+xml,application/cpim-pidf+xml", "Accept header for SUBSCRIBE (comma-separated)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.Accept = parseAddressList(accept)

	// Override with environment variables if set
	var errs []error
	envInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	envString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	envInt("PORT", &cfg.Port)
	envString("BIND", &cfg.BindAddr)
	envString("ADVERTISE", &cfg.AdvertiseAddr)
	envString("REALM", &cfg.Realm)
	envString("LOGLEVEL", &cfg.LogLevel)
	envString("API_ADDR", &cfg.APIAddr)
	envString("GRPC_ADDR", &cfg.GRPCAddr)
	envString("NATS_URL", &cfg.NATSURL)
	envString("NATS_SUBJECT_PREFIX", &cfg.NATSSubjectPrefix)
	envString("CREDENTIALS_FILE", &cfg.CredentialsFile)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)
	if v := getenv("SUBSCRIBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SUBSCRIBE_TIMEOUT: %w", err))
		} else {
			cfg.SubscribeTimeout = d
		}
	}
	if v := getenv("ACCEPT"); v != "" {
		cfg.Accept = parseAddressList(v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.Realm == "" {
		cfg.Realm = cfg.AdvertiseAddr
	}

	return cfg, nil
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Realm == "" {
		errs = append(errs, errors.New("realm is required"))
	}
	if c.CredentialsFile == "" && c.RedisAddr == "" {
		errs = append(errs, errors.New("no credential source: set CREDENTIALS_FILE or REDIS_ADDR"))
	}
	if c.MinExpires < 0 || c.MaxExpires <= 0 || c.MinExpires > c.MaxExpires {
		errs = append(errs, fmt.Errorf("invalid expires bounds min=%d max=%d", c.MinExpires, c.MaxExpires))
	}
	if c.DefaultExpires < c.MinExpires || c.DefaultExpires > c.MaxExpires {
		errs = append(errs, fmt.Errorf("default expires %d outside [%d, %d]", c.DefaultExpires, c.MinExpires, c.MaxExpires))
	}
	if c.SubscribeTimeout <= 0 {
		errs = append(errs, errors.New("subscribe timeout must be positive"))
	}
	if len(c.Accept) == 0 {
		errs = append(errs, errors.New("accept list is empty"))
	}
	if c.ShutdownParallel <= 0 {
		errs = append(errs, errors.New("shutdown parallelism must be positive"))
	}
	return errors.Join(errs...)
}

// parseAddressList parses a comma-separated list
func parseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, p)
		}
	}
	return addrs
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
