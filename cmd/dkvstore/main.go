// Package main wires together every component (C1-C10) into the
// dkvstore server binary, following the teacher's cobra root-command
// shape (cmd/warren/main.go: persistent flags, cobra.OnInitialize for
// logging, a long-running RunE that starts the node and blocks on a
// signal). Flags additionally bind through viper so every flag can
// also be set via a DKVSTORE_-prefixed environment variable, viper's
// own documented BindPFlag/AutomaticEnv integration.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/dkvstore/pkg/actor"
	"github.com/cuemby/dkvstore/pkg/api"
	"github.com/cuemby/dkvstore/pkg/apperrors"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/health"
	"github.com/cuemby/dkvstore/pkg/lease"
	"github.com/cuemby/dkvstore/pkg/log"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/metrics"
	"github.com/cuemby/dkvstore/pkg/patch"
	"github.com/cuemby/dkvstore/pkg/peersync"
	"github.com/cuemby/dkvstore/pkg/security"
	"github.com/cuemby/dkvstore/pkg/storage"
	"github.com/cuemby/dkvstore/pkg/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dkvstore",
	Short: "dkvstore - a strongly eventually consistent, etcd-wire-compatible key-value store",
	Long: `dkvstore replicates a key-value document across peers using a
CRDT instead of a consensus protocol: every node accepts writes
locally and converges with the rest of the cluster in the background.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dkvstore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config-file", "", "Path to a YAML config file (overrides defaults, overridden by flags/env)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")

	flags.String("name", "default", "Human-readable name for this member")
	flags.String("data-dir", "dkvstore.data", "Path to the data directory")
	flags.String("cert-dir", "", "Path to the mTLS certificate directory (defaults under data-dir)")

	flags.String("listen-peer-urls", "127.0.0.1:2480", "Address to listen on for peer traffic")
	flags.String("listen-client-urls", "127.0.0.1:2479", "Address to listen on for client traffic (reserved for pkg/facade)")
	flags.String("listen-metrics-urls", "127.0.0.1:2490", "Address to listen on for the health/ready/metrics HTTP surface")
	flags.String("initial-advertise-peer-urls", "", "Peer address advertised to other members (defaults to listen-peer-urls)")
	flags.String("advertise-client-urls", "", "Client address advertised to other members (defaults to listen-client-urls)")

	flags.String("initial-cluster", "", "Comma-separated name=peer_url list of the cluster to join or form")
	flags.String("initial-cluster-state", "new", "\"new\" to bootstrap a cluster, \"existing\" to join one")

	for _, name := range []string{
		"config-file", "log-level", "log-json", "name", "data-dir", "cert-dir",
		"listen-peer-urls", "listen-client-urls", "listen-metrics-urls",
		"initial-advertise-peer-urls", "advertise-client-urls",
		"initial-cluster", "initial-cluster-state",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("dkvstore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(viper.GetString("log-level")),
		JSONOutput: viper.GetBool("log-json"),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(filepath.Join(cfg.dataDir, "dkvstore.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	selfID, err := loadOrAssignSelfID(store)
	if err != nil {
		return fmt.Errorf("assign member id: %w", err)
	}
	selfIDStr := document.MemberIDString(selfID)
	logger = log.WithMemberID(selfIDStr)

	if err := bootstrapCerts(store, cfg, selfIDStr); err != nil {
		return fmt.Errorf("bootstrap certificates: %w", err)
	}

	changes, err := store.ReadDocument()
	if err != nil {
		return fmt.Errorf("read persisted document: %w", err)
	}
	var doc *crdt.Document
	if len(changes) == 0 {
		doc = crdt.New(selfIDStr)
	} else {
		doc, err = crdt.Load(selfIDStr, changes)
		if err != nil {
			return fmt.Errorf("replay document: %w", err)
		}
	}

	docStore := document.NewStore(doc)
	bus := watch.NewBus(storeHistory{docStore})
	leases := lease.NewManager(docStore)

	clusterExists := cfg.initialClusterState == "existing"
	members := membership.NewManager(docStore, logger, selfID, cfg.name, cfg.peerURLs, cfg.clientURLs, clusterExists)
	interp := patch.NewInterpreter(docStore, bus, members, logger)

	nodeActor := actor.New(actor.Deps{
		Store:     docStore,
		Bus:       bus,
		Leases:    leases,
		Members:   members,
		Interp:    interp,
		Persist:   store,
		Log:       logger,
		ClusterID: clusterID(cfg.initialCluster),
		MemberID:  selfID,
	})
	go nodeActor.Run()
	defer nodeActor.Stop()

	nodeActor.RegisterMetrics(prometheus.DefaultRegisterer)
	collector := metrics.NewCollector(actorStatsSource{nodeActor})
	collector.Start()
	defer collector.Stop()

	if err := members.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap membership: %w", err)
	}

	engine := peersync.New(nodeActor, selfIDStr, cfg.name, cfg.peerURLs, cfg.clientURLs, cfg.certDir, logger)
	engine.Seed(cfg.seedPeers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	peerServer, err := api.NewServer(engine, cfg.certDir, logger)
	if err != nil {
		return fmt.Errorf("create peer server: %w", err)
	}
	peerErrCh := make(chan error, 1)
	go func() {
		if err := peerServer.Start(cfg.listenPeerURLs); err != nil {
			peerErrCh <- fmt.Errorf("peer server: %w", err)
		}
	}()
	defer peerServer.Stop()

	checker := health.NewActorChecker(nodeActor)
	healthServer := api.NewHealthServer(checker, members)
	httpSrv := &http.Server{Addr: cfg.listenMetricsURLs, Handler: healthServer.GetHandler()}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("name", cfg.name).
		Str("peer_urls", cfg.listenPeerURLs).
		Str("client_urls", cfg.listenClientURLs).
		Str("metrics_urls", cfg.listenMetricsURLs).
		Msg("dkvstore node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-peerErrCh:
		return err
	case err := <-httpErrCh:
		return err
	}
	return nil
}

// storeHistory adapts document.Store's History to watch.History,
// exactly as actor.Actor.History already does for the actor's own
// callers (§4.5 replay).
type storeHistory struct {
	store *document.Store
}

func (h storeHistory) Replay(start, end []byte, startRevision int64) ([]watch.Event, error) {
	events, err := h.store.History(start, end, startRevision)
	if err != nil {
		return nil, err
	}
	out := make([]watch.Event, len(events))
	for i, e := range events {
		out[i] = watch.Event{Type: e.Type, KV: e.KV, PrevKV: e.PrevKV}
	}
	return out, nil
}

// actorStatsSource adapts *actor.Actor to metrics.StatsSource.
type actorStatsSource struct {
	actor *actor.Actor
}

func (s actorStatsSource) Stats() metrics.ActorStats {
	st := s.actor.Stats()
	return metrics.ActorStats{
		QueueDepth:  st.QueueDepth,
		Revision:    st.Revision,
		ChangeCount: st.ChangeCount,
	}
}

func (s actorStatsSource) MemberCount() (int, error) {
	members, err := s.actor.ListMembers()
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// loadOrAssignSelfID returns the node's persisted member id, or
// generates and persists a fresh random positive 64-bit one the first
// time the node ever starts (§9 "member ids are similarly random").
func loadOrAssignSelfID(store *storage.BoltStore) (uint64, error) {
	if id, ok, err := store.LoadSelfID(); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, apperrors.Wrap(apperrors.Persistence, "generate member id", err)
	}
	id := binary.BigEndian.Uint64(buf[:]) >> 1 // keep it positive under int64
	if id == 0 {
		id = 1
	}
	if err := store.SaveSelfID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// clusterID derives a stable cluster identifier from the initial
// cluster membership list, so every founding member's header agrees
// on the same cluster_id without requiring an out-of-band value.
func clusterID(initialCluster string) uint64 {
	h := uint64(14695981039346656037) // FNV offset basis
	for _, b := range []byte(initialCluster) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

type config struct {
	name                string
	dataDir             string
	certDir             string
	listenPeerURLs      string
	listenClientURLs    string
	listenMetricsURLs   string
	peerURLs            []string
	clientURLs          []string
	initialCluster      string
	initialClusterState string
	seedPeers           map[string]string
}

// yamlConfig mirrors the flag set for --config-file, following the
// teacher's "apply -f manifest.yaml" convention (cmd/warren/apply.go)
// generalized from a declarative resource manifest to a node config
// file, etcd's own --config-file mechanism.
type yamlConfig struct {
	Name                     string `yaml:"name"`
	DataDir                  string `yaml:"data-dir"`
	CertDir                  string `yaml:"cert-dir"`
	ListenPeerURLs           string `yaml:"listen-peer-urls"`
	ListenClientURLs         string `yaml:"listen-client-urls"`
	ListenMetricsURLs        string `yaml:"listen-metrics-urls"`
	InitialAdvertisePeerURLs string `yaml:"initial-advertise-peer-urls"`
	AdvertiseClientURLs      string `yaml:"advertise-client-urls"`
	InitialCluster           string `yaml:"initial-cluster"`
	InitialClusterState      string `yaml:"initial-cluster-state"`
}

// applyConfigFile reads path and lowers every set field into viper as a
// default, so flags and DKVSTORE_ env vars (bound ahead of viper.Get
// calls in loadConfig) still win over the file, and the file still wins
// over the flags' own hardcoded defaults.
func applyConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "read config file", err)
	}
	var fc yamlConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return apperrors.Wrap(apperrors.Persistence, "parse config file", err)
	}
	for key, val := range map[string]string{
		"name":                        fc.Name,
		"data-dir":                    fc.DataDir,
		"cert-dir":                    fc.CertDir,
		"listen-peer-urls":            fc.ListenPeerURLs,
		"listen-client-urls":          fc.ListenClientURLs,
		"listen-metrics-urls":         fc.ListenMetricsURLs,
		"initial-advertise-peer-urls": fc.InitialAdvertisePeerURLs,
		"advertise-client-urls":       fc.AdvertiseClientURLs,
		"initial-cluster":             fc.InitialCluster,
		"initial-cluster-state":       fc.InitialClusterState,
	} {
		if val != "" {
			viper.SetDefault(key, val)
		}
	}
	return nil
}

func loadConfig() config {
	if configFile := viper.GetString("config-file"); configFile != "" {
		if err := applyConfigFile(configFile); err != nil {
			log.WithComponent("main").Fatal().Err(err).Str("path", configFile).Msg("load config file")
		}
	}

	name := viper.GetString("name")
	dataDir := viper.GetString("data-dir")

	certDir := viper.GetString("cert-dir")
	if certDir == "" {
		certDir = filepath.Join(dataDir, "certs")
	}

	listenPeerURLs := viper.GetString("listen-peer-urls")
	listenClientURLs := viper.GetString("listen-client-urls")
	listenMetricsURLs := viper.GetString("listen-metrics-urls")

	advertisePeer := viper.GetString("initial-advertise-peer-urls")
	if advertisePeer == "" {
		advertisePeer = listenPeerURLs
	}
	advertiseClient := viper.GetString("advertise-client-urls")
	if advertiseClient == "" {
		advertiseClient = listenClientURLs
	}

	initialCluster := viper.GetString("initial-cluster")
	seeds := parseInitialCluster(initialCluster)

	return config{
		name:                name,
		dataDir:             dataDir,
		certDir:             certDir,
		listenPeerURLs:      listenPeerURLs,
		listenClientURLs:    listenClientURLs,
		listenMetricsURLs:   listenMetricsURLs,
		peerURLs:            []string{advertisePeer},
		clientURLs:          []string{advertiseClient},
		initialCluster:      initialCluster,
		initialClusterState: viper.GetString("initial-cluster-state"),
		seedPeers:           seeds,
	}
}

// parseInitialCluster parses the etcd-style "name=url,name=url" list
// into a peer address book keyed by name, since member ids aren't
// known until Hello handshakes happen; peersync.Engine.Seed treats the
// key as an opaque peer id, so a name collision with the real member
// id space resolves itself once SyncMembership replaces seeded entries
// with membership-document addresses.
func parseInitialCluster(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// bootstrapCerts ensures a CA exists (creating one the first time a
// cluster is formed) and that this node holds a signed certificate,
// following the teacher's manager.initializeCA sequence.
func bootstrapCerts(store *storage.BoltStore, cfg config, selfID string) error {
	ca := security.NewCertAuthority(store)
	if !ca.IsInitialized() {
		if err := ca.LoadFromStore(); err != nil {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("initialize CA: %w", err)
			}
			if err := ca.SaveToStore(); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}
		}
	}

	if security.CertExists(cfg.certDir) {
		return nil
	}

	host, _, err := net.SplitHostPort(cfg.listenPeerURLs)
	if err != nil {
		host = cfg.listenPeerURLs
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	}
	dnsNames := []string{fmt.Sprintf("member-%s", selfID), "localhost"}

	cert, err := ca.IssueNodeCertificate(selfID, "member", dnsNames, ips)
	if err != nil {
		return fmt.Errorf("issue node certificate: %w", err)
	}
	if err := os.MkdirAll(cfg.certDir, 0o755); err != nil {
		return err
	}
	if err := security.SaveCertToFile(cert, cfg.certDir); err != nil {
		return fmt.Errorf("save node certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), cfg.certDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}
	return nil
}
