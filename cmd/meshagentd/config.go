package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	flags "github.com/jessevdk/go-flags"

	"github.com/meshnet-tools/meshagent/counter"
	"github.com/meshnet-tools/meshagent/dashboard"
	"github.com/meshnet-tools/meshagent/debt"
	"github.com/meshnet-tools/meshagent/discovery"
	"github.com/meshnet-tools/meshagent/errkind"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/payment"
	"github.com/meshnet-tools/meshagent/tunnel"
)

const (
	defaultConfigFilename  = "meshagentd.conf"
	defaultDataDir         = "data"
	defaultLogDir          = "logs"
	defaultLogFilename     = "meshagentd.log"
	defaultMaxLogFileSizeKB = 10 * 1024
	defaultMaxLogFiles     = 3
	defaultHTTPListenAddr  = "localhost:8443"
	defaultMetricsListenAddr = "localhost:9100"
	defaultMetricsPollInterval = 10 * time.Second
	defaultDNSServer       = "1.1.1.1:53"
	defaultMeshSubnet      = "fd00::/8"
	defaultWGPortLo        = 60000
	defaultWGPortHi        = 61000
	defaultAdminRootKeyFilename = "admin.key"
	defaultTLSCertFilename = "dashboard.cert"
	defaultTLSKeyFilename  = "dashboard.key"
	defaultSigKeyFilename  = "hello_sig.key"
)

// config is the flag/INI struct jessevdk/go-flags populates, mirroring
// lnd's loadConfig shape (a single struct with `long`/`description`
// tags, parsed first from an INI file and then again from the command
// line so flags win).
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store data"`

	MeshSubnet string `long:"meshsubnet" description:"ULA prefix this node's mesh IP is self-assigned from"`
	MeshSecret string `long:"meshsecret" description:"Hex-encoded secret scoping mesh IP derivation to this deployment"`
	EthAddr    string `long:"ethaddr" description:"This node's 0x-prefixed blockchain address"`
	WGPubKey   string `long:"wgpubkey" description:"This node's hex-encoded wireguard public key"`
	WGPort     uint16 `long:"wgport" description:"Default wireguard listen port advertised in discovery hellos"`

	ImPort        uint16        `long:"import" description:"Mesh-discovery UDP port"`
	HelloInterval time.Duration `long:"hellointerval" description:"Interval between discovery hellos"`
	PeerRateLimit time.Duration `long:"peerratelimit" description:"Cooldown applied to a peer after a malformed frame"`

	WGPortLo    uint16 `long:"wgportlo" description:"Low end of the wireguard port pool"`
	WGPortHi    uint16 `long:"wgporthi" description:"High end of the wireguard port pool"`
	MaxTunnels  int    `long:"maxtunnels" description:"Maximum concurrent tunnels"`
	IfacePrefix string `long:"ifaceprefix" description:"Prefix for allocated tunnel interface names"`

	WatchTick     time.Duration `long:"watchtick" description:"Counter sampling interval"`
	PriceWeCharge uint64        `long:"pricewecharge" description:"Price charged per byte of egress traffic we forward"`

	PayThreshold   int64   `long:"paythreshold" description:"Balance at which an outbound payment is triggered"`
	CloseThreshold int64   `long:"closethreshold" description:"Balance at which a tunnel is closed"`
	CloseFraction  float64 `long:"closefraction" description:"Fraction of close_threshold that must be repaid to reopen a tunnel"`

	ConfirmationsRequired uint64        `long:"confirmationsrequired" description:"Confirmations required before a payment is considered final"`
	PaymentTimeout        time.Duration `long:"paymenttimeout" description:"Time to wait for a payment to confirm before rolling it back"`
	DNSServer             string        `long:"dnsserver" description:"Nameserver used to resolve the payment RPC host"`
	RPCHost               string        `long:"rpchost" description:"Full-node RPC host used for outbound payments"`

	AdminRootKeyPath string `long:"adminrootkeypath" description:"Path to the dashboard's admin macaroon root key"`
	HTTPListenAddr   string `long:"httplistenaddr" description:"Dashboard HTTP listen address"`
	MetricsListenAddr string `long:"metricslistenaddr" description:"Prometheus /metrics listen address"`
	TLSCertPath      string `long:"tlscertpath" description:"Path to the dashboard's TLS certificate, generated on first run if absent"`
	TLSKeyPath       string `long:"tlskeypath" description:"Path to the dashboard's TLS private key, generated on first run if absent"`
	SigKeyPath       string `long:"sigkeypath" description:"Path to this node's discovery hello signing key, generated on first run if absent"`

	LogDir         string `long:"logdir" description:"Directory to store log files"`
	DebugLevel     string `long:"debuglevel" description:"Logging level (trace, debug, info, warn, error, critical)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum log file size in KB before rotation"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum number of rotated log files to keep"`
}

func defaultConfig() config {
	return config{
		ConfigFile: defaultConfigFilename,
		DataDir:    defaultDataDir,

		MeshSubnet: defaultMeshSubnet,

		ImPort:        discovery.DefaultImPort,
		HelloInterval: discovery.DefaultHelloInterval,
		PeerRateLimit: discovery.DefaultPeerRateLimit,

		WGPortLo:    defaultWGPortLo,
		WGPortHi:    defaultWGPortHi,
		MaxTunnels:  tunnel.DefaultMaxTunnels,
		IfacePrefix: tunnel.DefaultIfacePrefix,

		WatchTick:     counter.DefaultWatchTick,
		PriceWeCharge: 1,

		PayThreshold:   100,
		CloseThreshold: -50,
		CloseFraction:  0.5,

		ConfirmationsRequired: payment.DefaultConfirmationsRequired,
		PaymentTimeout:        payment.DefaultPaymentTimeout,
		DNSServer:             defaultDNSServer,

		HTTPListenAddr:   defaultHTTPListenAddr,
		MetricsListenAddr: defaultMetricsListenAddr,
		AdminRootKeyPath: filepath.Join(defaultDataDir, defaultAdminRootKeyFilename),
		TLSCertPath:      filepath.Join(defaultDataDir, defaultTLSCertFilename),
		TLSKeyPath:       filepath.Join(defaultDataDir, defaultTLSKeyFilename),
		SigKeyPath:       filepath.Join(defaultDataDir, defaultSigKeyFilename),

		LogDir:         defaultLogDir,
		DebugLevel:     "info",
		MaxLogFileSize: defaultMaxLogFileSizeKB,
		MaxLogFiles:    defaultMaxLogFiles,
	}
}

// loadConfig parses command-line flags, then an optional INI file, then
// command-line flags again so the command line always wins, mirroring
// lnd's loadConfig. A validation failure here is a Configuration error
// and is always fatal (spec.md §7): main exits 64.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	parser := flags.NewParser(&preCfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg := preCfg
	if cfg.ConfigFile != "" {
		cfgPath := cleanAndExpandPath(cfg.ConfigFile)
		iniParser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(iniParser).ParseFile(cfgPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, errkind.New(errkind.Configuration, "config.loadConfig",
					fmt.Errorf("parse config file %s: %w", cfgPath, err))
			}
		}
	}

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, errkind.New(errkind.Configuration, "config.loadConfig", err)
	}
	return &cfg, nil
}

func (c *config) validate() error {
	if _, err := c.identity(); err != nil {
		return err
	}
	if c.WGPortLo == 0 || c.WGPortHi <= c.WGPortLo {
		return fmt.Errorf("config: wgportlo/wgporthi must describe a non-empty port range")
	}
	if c.RPCHost == "" {
		return fmt.Errorf("config: rpchost is required")
	}
	return c.thresholds().Validate()
}

// identity builds this node's own Identity from the parsed config
// fields. The mesh IP is never read from config directly — per the
// GLOSSARY's "ULA address self-assigned by each node from the tunnel
// public key", it's derived from the wireguard public key and the
// deployment's mesh subnet/secret.
func (c *config) identity() (identity.Identity, error) {
	subnet, err := netip.ParsePrefix(c.MeshSubnet)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("config: meshsubnet: %w", err)
	}

	secret, err := decodeOptionalHex(c.MeshSecret)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("config: meshsecret: %w", err)
	}

	ethAddr, err := parseAddress(c.EthAddr)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("config: ethaddr: %w", err)
	}

	wgPubKey, err := parsePubKey(c.WGPubKey)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("config: wgpubkey: %w", err)
	}
	if err := wgPubKey.Validate(); err != nil {
		return identity.Identity{}, fmt.Errorf("config: wgpubkey: %w", err)
	}

	meshIP, err := identity.DeriveMeshIP(subnet, wgPubKey, secret)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("config: derive mesh IP: %w", err)
	}

	return identity.Identity{MeshIP: meshIP, EthAddr: ethAddr, WGPubKey: wgPubKey}, nil
}

// decodeOptionalHex decodes s as hex, treating an empty string as an
// absent secret rather than an error.
func decodeOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func (c *config) thresholds() debt.Thresholds {
	return debt.Thresholds{
		PayThreshold:   identity.NewInt256(c.PayThreshold),
		CloseThreshold: identity.NewInt256(c.CloseThreshold),
		CloseFraction:  c.CloseFraction,
	}
}

func parseAddress(s string) (identity.Address, error) {
	var a identity.Address
	b, err := decodeHexPrefixed(s)
	if err != nil {
		return a, err
	}
	if len(b) != identity.AddressLen {
		return a, fmt.Errorf("expected %d bytes, got %d", identity.AddressLen, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func parsePubKey(s string) (identity.PubKey, error) {
	var k identity.PubKey
	b, err := decodeHexPrefixed(s)
	if err != nil {
		return k, err
	}
	if len(b) != identity.PubKeyLen {
		return k, fmt.Errorf("expected %d bytes, got %d", identity.PubKeyLen, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func decodeHexPrefixed(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// cleanAndExpandPath expands a leading ~ to the user's home directory
// and cleans the result, matching lnd's config path handling.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// thresholdSnapshot is the dashboard-mutable view of DebtKeeper's
// thresholds: a single snapshot guarded by a read-write lock, replaced
// only as a whole (spec.md §5: "Configuration is a single snapshot
// guarded by a read-write lock; writes happen only via the dashboard
// and are atomic replacements of whole sub-structures.").
type thresholdSnapshot struct {
	mu    sync.RWMutex
	value debt.Thresholds
}

func newThresholdSnapshot(t debt.Thresholds) *thresholdSnapshot {
	return &thresholdSnapshot{value: t}
}

func (s *thresholdSnapshot) Get() debt.Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Replace atomically swaps in a new Thresholds value, rejecting it
// (last-known-good retained) if it fails validation.
func (s *thresholdSnapshot) Replace(t debt.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = t
	return nil
}

// loadOrCreateRootKey reads the dashboard's admin macaroon seed from
// path, generating and persisting a fresh 32-byte seed on first run —
// the "single shared admin secret" spec.md's Non-goals name. The seed
// itself never backs a macaroon directly: dashboard.DeriveRootKey
// expands it through HKDF with a purpose label first, so meshctl (which
// reads the same seed file) must apply the identical derivation to mint
// a macaroon this node will accept.
func loadOrCreateRootKey(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read admin root seed: %w", err)
		}

		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("config: generate admin root seed: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("config: create admin root seed dir: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("config: write admin root seed: %w", err)
		}
	}

	return dashboard.DeriveRootKey(seed)
}

// loadOrCreateSigKey reads this node's discovery-hello signing key from
// path, generating and persisting a fresh secp256k1 key on first run.
func loadOrCreateSigKey(path string) (*btcec.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		priv, _ := btcec.PrivKeyFromBytes(b)
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read hello signing key: %w", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("config: generate hello signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: create hello signing key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Serialize(), 0o600); err != nil {
		return nil, fmt.Errorf("config: write hello signing key: %w", err)
	}
	return priv, nil
}
