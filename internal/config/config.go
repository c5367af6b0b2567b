// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	DefaultAppEnv       = EnvDevelopment
	DefaultPort         = "8080"
	DefaultWGInterface  = "wg0"
	DefaultWGConfigPath = "/etc/wireguard/wg0.conf"
	DefaultRegistryPath = "/var/lib/vpnctl/registry.db"

	DefaultVPNSubnetCIDR = "10.50.0.0/24"
	DefaultVPNRangeStart = 2
	DefaultVPNRangeEnd   = 254

	DefaultClientDNS                 = "10.50.0.1"
	DefaultClientMTU                 = 1420
	DefaultClientPersistentKeepalive = 25

	DefaultWgCmdTimeoutSeconds  = 10
	DefaultKeyGenTimeoutSeconds = 5

	DefaultLivenessWindowSeconds  = 240
	DefaultIdleIntervalSeconds    = 10
	DefaultPollIntervalSeconds    = 5
	DefaultDBSyncIntervalSeconds  = 20
)

// Config is the fully-resolved runtime configuration, assembled once at
// startup from environment variables (and, optionally, a file layered in
// by internal/config.LoadFile) and handed to every component by value or
// by its derived sub-fields.
type Config struct {
	AppEnv string
	Port   string

	WGInterface  string
	WGConfigPath string
	EgressIface  string

	RegistryPath string

	VPNSubnetCIDR string
	VPNRangeStart int
	VPNRangeEnd   int

	Server struct {
		PrivateKey   string
		EndpointHost string
		EndpointPort string
		ListenPort   int
	}

	ClientConfig struct {
		DNSServers          string
		MTU                 int
		PersistentKeepalive int
	}

	Timeouts struct {
		WgCmdSeconds  int
		KeyGenSeconds int
	}

	Intervals struct {
		LivenessWindowSeconds int
		IdleIntervalSeconds   int
		PollIntervalSeconds   int
		DBSyncIntervalSeconds int
	}

	SessionSecret     string
	AdminBootstrapUser string
	AdminBootstrapPass string

	// NeverStorePrivateKeys, when true, disables at-rest private key
	// storage entirely: getArtifact always rotates keys on demand instead
	// of re-displaying stored material, so private keys are never
	// persisted.
	NeverStorePrivateKeys bool

	DerivedWgCmdTimeout   time.Duration
	DerivedKeyGenTimeout  time.Duration
	DerivedServerEndpoint string
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.AppEnv) == EnvDevelopment
}

func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARNING: invalid integer value for %s: %q, using default %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARNING: invalid boolean value for %s: %q, using default %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

// Load reads environment variables into a Config, applying defaults where
// permitted and failing fast on genuinely mandatory values.
func Load() *Config {
	cfg := Config{}

	cfg.AppEnv = getEnv("APP_ENV", DefaultAppEnv)
	cfg.Port = getEnv("PORT", DefaultPort)

	cfg.WGInterface = getEnv("WG_INTERFACE", DefaultWGInterface)
	cfg.WGConfigPath = getEnv("WG_CONFIG_PATH", DefaultWGConfigPath)
	cfg.EgressIface = os.Getenv("EGRESS_INTERFACE")
	if cfg.EgressIface == "" {
		log.Fatal("FATAL: EGRESS_INTERFACE environment variable is not set. This is mandatory.")
	}

	cfg.RegistryPath = getEnv("REGISTRY_PATH", DefaultRegistryPath)

	cfg.VPNSubnetCIDR = getEnv("VPN_SUBNET_CIDR", DefaultVPNSubnetCIDR)
	cfg.VPNRangeStart = getEnvInt("VPN_RANGE_START", DefaultVPNRangeStart)
	cfg.VPNRangeEnd = getEnvInt("VPN_RANGE_END", DefaultVPNRangeEnd)

	cfg.Server.PrivateKey = os.Getenv("SERVER_PRIVATE_KEY")
	if cfg.Server.PrivateKey == "" {
		log.Fatal("FATAL: SERVER_PRIVATE_KEY environment variable is not set. This is mandatory.")
	}
	cfg.Server.EndpointHost = os.Getenv("SERVER_ENDPOINT_HOST")
	if cfg.Server.EndpointHost == "" {
		log.Println("WARNING: SERVER_ENDPOINT_HOST is not set. Client configs will not have a reachable endpoint.")
	}
	cfg.Server.EndpointPort = getEnv("SERVER_ENDPOINT_PORT", "51820")
	cfg.Server.ListenPort = getEnvInt("SERVER_LISTEN_PORT", 51820)

	cfg.ClientConfig.DNSServers = getEnv("CLIENT_CONFIG_DNS_SERVERS", DefaultClientDNS)
	cfg.ClientConfig.MTU = getEnvInt("CLIENT_CONFIG_MTU", DefaultClientMTU)
	cfg.ClientConfig.PersistentKeepalive = getEnvInt("CLIENT_PERSISTENT_KEEPALIVE", DefaultClientPersistentKeepalive)

	cfg.Timeouts.WgCmdSeconds = getEnvInt("WG_CMD_TIMEOUT_SECONDS", DefaultWgCmdTimeoutSeconds)
	cfg.Timeouts.KeyGenSeconds = getEnvInt("KEY_GEN_TIMEOUT_SECONDS", DefaultKeyGenTimeoutSeconds)

	cfg.Intervals.LivenessWindowSeconds = getEnvInt("LIVENESS_WINDOW_SECONDS", DefaultLivenessWindowSeconds)
	keepaliveFloor := 6 * cfg.ClientConfig.PersistentKeepalive
	if cfg.Intervals.LivenessWindowSeconds <= keepaliveFloor {
		log.Printf("WARNING: LIVENESS_WINDOW_SECONDS (%d) must exceed 6x PersistentKeepalive (%d); falling back to default %d",
			cfg.Intervals.LivenessWindowSeconds, keepaliveFloor, DefaultLivenessWindowSeconds)
		cfg.Intervals.LivenessWindowSeconds = DefaultLivenessWindowSeconds
	}
	cfg.Intervals.IdleIntervalSeconds = getEnvInt("IDLE_INTERVAL_SECONDS", DefaultIdleIntervalSeconds)
	cfg.Intervals.PollIntervalSeconds = getEnvInt("POLL_INTERVAL_SECONDS", DefaultPollIntervalSeconds)
	cfg.Intervals.DBSyncIntervalSeconds = getEnvInt("DB_SYNC_INTERVAL_SECONDS", DefaultDBSyncIntervalSeconds)

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		log.Fatal("FATAL: SESSION_SECRET environment variable is not set. This is mandatory.")
	}
	cfg.AdminBootstrapUser = getEnv("ADMIN_BOOTSTRAP_USERNAME", "admin")
	cfg.AdminBootstrapPass = os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")

	cfg.NeverStorePrivateKeys = getEnvBool("NEVER_STORE_PRIVATE_KEYS", false)

	cfg.DerivedWgCmdTimeout = time.Duration(cfg.Timeouts.WgCmdSeconds) * time.Second
	cfg.DerivedKeyGenTimeout = time.Duration(cfg.Timeouts.KeyGenSeconds) * time.Second
	if cfg.Server.EndpointHost != "" {
		cfg.DerivedServerEndpoint = fmt.Sprintf("%s:%s", cfg.Server.EndpointHost, cfg.Server.EndpointPort)
	}

	log.Printf("--- Effective Configuration ---")
	log.Printf("AppEnv: %s, Port: %s, WGInterface: %s", cfg.AppEnv, cfg.Port, cfg.WGInterface)
	log.Printf("VPN subnet: %s [%d-%d]", cfg.VPNSubnetCIDR, cfg.VPNRangeStart, cfg.VPNRangeEnd)
	log.Printf("Server endpoint: %s", cfg.DerivedServerEndpoint)
	log.Printf("Liveness window: %ds, idle: %ds, poll: %ds, db sync: %ds",
		cfg.Intervals.LivenessWindowSeconds, cfg.Intervals.IdleIntervalSeconds,
		cfg.Intervals.PollIntervalSeconds, cfg.Intervals.DBSyncIntervalSeconds)
	log.Printf("NeverStorePrivateKeys: %v", cfg.NeverStorePrivateKeys)
	log.Printf("--------------------------------")

	return &cfg
}
