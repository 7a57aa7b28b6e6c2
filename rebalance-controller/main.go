package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/therealbill/airbrake-go"
	"github.com/urfave/cli"
	"github.com/zenazn/goji"

	"github.com/FalkorDB/falkordb-rebalance/actions"
	"github.com/FalkorDB/falkordb-rebalance/handlers"
)

var Build string

// LaunchConfig is populated from the environment under the "rebalance"
// prefix (REBALANCE_REPLICAS, REBALANCE_MULTIZONE, ...).
type LaunchConfig struct {
	HealthcheckPort  int
	NodePort         int
	Replicas         int
	MinNodes         int
	MultiZone        bool
	Debug            bool
	TLS              bool
	RunInterval      time.Duration
	PollInterval     time.Duration
	RelocateTimeout  time.Duration
	RebalanceTimeout time.Duration
	ReshardCommand   string
	EntryHost        string
}

var config LaunchConfig

func init() {
	err := envconfig.Process("rebalance", &config)
	if err != nil {
		log.Fatal(err)
	}
	if config.HealthcheckPort == 0 {
		config.HealthcheckPort = 8080
	}
	if config.NodePort == 0 {
		config.NodePort = 6379
	}
	if config.MinNodes == 0 {
		config.MinNodes = 3
	}
	if config.RunInterval == 0 {
		config.RunInterval = 10 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.RelocateTimeout == 0 {
		config.RelocateTimeout = time.Minute
	}
	if config.RebalanceTimeout == 0 {
		config.RebalanceTimeout = 5 * time.Minute
	}
	log.Printf("Launch Config: %+v", config)

	flag.Set("bind", fmt.Sprintf(":%d", config.HealthcheckPort))

	airbrake.Endpoint = "https://api.airbrake.io/notifier_api/v2/notices"
	airbrake.ApiKey = os.Getenv("AIRBRAKE_API_KEY")
	airbrake.Environment = os.Getenv("RSM_ENVIRONMENT")
	if len(airbrake.Environment) == 0 {
		airbrake.Environment = "Development"
	}
	if len(Build) == 0 {
		Build = ".1"
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "rebalance-controller"
	app.Usage = "keeps the cluster topology converged on its desired shard layout"
	app.Version = Build
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the reconciler and the healthcheck endpoint",
			Action: serve,
		},
	}
	app.Action = serve
	app.Run(os.Args)
}

func serve(c *cli.Context) error {
	// the only fatal startup condition: no way to authenticate
	password, err := adminPassword()
	if err != nil {
		log.Fatal(err)
	}

	entry := config.EntryHost
	if entry == "" {
		entry, err = deriveEntryHost()
		if err != nil {
			log.Fatal(err)
		}
	}
	entryAddr := fmt.Sprintf("%s:%d", entry, config.NodePort)
	log.Printf("cluster entry point: %s", entryAddr)

	client := actions.NewClusterClient(actions.ClientOptions{
		EntryAddr: entryAddr,
		Password:  password,
		UseTLS:    config.TLS,
	})
	defer client.Close()

	reader := &actions.TopologyReader{Client: client}
	relocator := &actions.RelocationProtocol{
		Client:       client,
		Reader:       reader,
		PollInterval: config.PollInterval,
	}
	rebalancer := &actions.SlotRebalancer{
		Tool: &actions.CLIReshardTool{
			Command:  config.ReshardCommand,
			Password: password,
			UseTLS:   config.TLS,
		},
		Reader:       reader,
		PollInterval: config.PollInterval,
	}
	driver := &actions.ReconciliationDriver{
		Reader:     reader,
		Relocator:  relocator,
		Rebalancer: rebalancer,
		Desired: actions.Topology{
			Replicas:  config.Replicas,
			MinNodes:  config.MinNodes,
			MultiZone: config.MultiZone,
		},
		RelocateTimeout:  config.RelocateTimeout,
		RebalanceTimeout: config.RebalanceTimeout,
		Debug:            config.Debug,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go runScheduler(ctx, driver)

	goji.Get("/healthcheck", handlers.Healthcheck)
	goji.Serve()
	return nil
}

// runScheduler drives the reconciliation ticks: one immediately, then
// one per interval. A failed tick is logged and reported, flips the
// healthcheck unhealthy, and the next tick retries from scratch; the
// process never exits on a reconciliation error.
func runScheduler(ctx context.Context, driver *actions.ReconciliationDriver) {
	tick := func() {
		start := time.Now()
		if err := driver.Reconcile(ctx); err != nil {
			log.Printf("[scheduler] reconciliation failed after %s: %s", time.Since(start).Round(time.Millisecond), err)
			airbrake.Notify(err)
			handlers.SetHealthy(false)
			return
		}
		handlers.SetHealthy(true)
	}

	tick()
	t := time.NewTicker(config.RunInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Print("[scheduler] stopping")
			return
		case <-t.C:
			tick()
		}
	}
}

// adminPassword loads the cluster admin password from the environment,
// either literally or from a mounted secret file.
func adminPassword() (string, error) {
	if p := os.Getenv("ADMIN_PASSWORD"); p != "" {
		return p, nil
	}
	if f := os.Getenv("ADMIN_PASSWORD_FILE"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("reading admin password file: %w", err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return "", errors.New("no admin password configured: set ADMIN_PASSWORD or ADMIN_PASSWORD_FILE")
}

// deriveEntryHost turns this pod's own hostname into the canonical
// node-0 entry host by stripping the -rebalance suffix: a sidecar
// named "mygraph-rebalance" talks to "mygraph-0.mygraph".
func deriveEntryHost() (string, error) {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if hostname == "" {
		return "", errors.New("cannot determine own hostname for entry host derivation")
	}
	base := strings.TrimSuffix(hostname, "-rebalance")
	return fmt.Sprintf("%s-0.%s", base, base), nil
}
