package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/meshnet-tools/meshagent/dashboard"
)

const (
	defaultDataDir          = "data"
	defaultAdminKeyFilename = "admin.key"
	defaultTLSCertFilename  = "dashboard.cert"
	defaultHTTPServer       = "localhost:8443"
	defaultMacaroonTimeout  = 60
)

var (
	defaultAdminKeyPath = filepath.Join(defaultDataDir, defaultAdminKeyFilename)
	defaultTLSCertPath  = filepath.Join(defaultDataDir, defaultTLSCertFilename)
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[meshctl] %v\n", err)
	os.Exit(1)
}

// client is the meshctl HTTP boundary to the dashboard. It mints a fresh
// admin macaroon from the node's root key on every request rather than
// caching a serialized one to disk, mirroring lncli's pattern of adding
// a short-lived time-before caveat per dial rather than per login.
type client struct {
	baseURL string
	rootKey []byte
	timeout time.Duration
	http    *http.Client
}

func getClient(ctx *cli.Context) *client {
	keyPath := cleanAndExpandPath(ctx.GlobalString("adminkeypath"))
	seed, err := os.ReadFile(keyPath)
	if err != nil {
		fatal(fmt.Errorf("read admin key: %w", err))
	}
	rootKey, err := dashboard.DeriveRootKey(seed)
	if err != nil {
		fatal(fmt.Errorf("derive admin root key: %w", err))
	}

	certPath := cleanAndExpandPath(ctx.GlobalString("tlscertpath"))
	certPool, err := loadCertPool(certPath)
	if err != nil {
		fatal(fmt.Errorf("read TLS certificate: %w", err))
	}

	return &client{
		baseURL: "https://" + ctx.GlobalString("rpcserver"),
		rootKey: rootKey,
		timeout: time.Duration(ctx.GlobalInt64("macaroontimeout")) * time.Second,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: certPool}},
		},
	}
}

// loadCertPool builds a cert pool trusting only the dashboard's own
// self-signed certificate, mirroring how lncli pins its node's TLS cert
// rather than trusting the system root store.
func loadCertPool(certPath string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certPath)
	}
	return pool, nil
}

// get issues an authenticated GET against path and decodes the JSON
// response into out.
func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, out)
}

// post issues an authenticated POST against path, discarding any
// response body beyond a non-2xx status check.
func (c *client) post(path string) error {
	return c.do(http.MethodPost, path, nil)
}

func (c *client) do(method, path string, out interface{}) error {
	mac, err := dashboard.MintAdminMacaroon(c.rootKey, time.Now().Add(c.timeout))
	if err != nil {
		return fmt.Errorf("mint macaroon: %w", err)
	}
	serialized, err := mac.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal macaroon: %w", err)
	}

	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Macaroon", hex.EncodeToString(serialized))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	app := cli.NewApp()
	app.Name = "meshctl"
	app.Version = "0.1"
	app.Usage = "control plane for your mesh agent daemon (meshagentd)"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: defaultHTTPServer,
			Usage: "host:port of the dashboard HTTP API",
		},
		cli.StringFlag{
			Name:  "adminkeypath",
			Value: defaultAdminKeyPath,
			Usage: "path to the admin macaroon root key",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Value: defaultTLSCertPath,
			Usage: "path to the dashboard's TLS certificate",
		},
		cli.Int64Flag{
			Name:  "macaroontimeout",
			Value: defaultMacaroonTimeout,
			Usage: "anti-replay macaroon validity time in seconds",
		},
	}
	app.Commands = []cli.Command{
		listDebtsCommand,
		listTunnelsCommand,
		listenCommand,
		unlistenCommand,
		interfaceStatusCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// cleanAndExpandPath expands environment variables and a leading ~ in
// path, then cleans the result.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
