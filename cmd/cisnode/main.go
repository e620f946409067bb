// Command cisnode assembles a swarmguard/cis node into one process:
// identity, the event store, the vector store, the secure transport
// listener, the federation connection manager, the DAG scheduler, the
// worker registry, and the agent-session listener — the node binary named
// in spec.md §1.
//
// CIS_ROLE selects the process's role: the default, "node", runs the
// full assembly above; "worker" instead runs a single worker.Runtime
// bound to CIS_WORKER_ID/CIS_ROOM_ID, the way worker.Manager.Run
// launches a fresh cisnode process per worker (spec.md §4.7).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/cis/internal/agent"
	"github.com/swarmguard/cis/internal/dag"
	"github.com/swarmguard/cis/internal/executor"
	"github.com/swarmguard/cis/internal/federation"
	"github.com/swarmguard/cis/internal/identity"
	"github.com/swarmguard/cis/internal/logging"
	"github.com/swarmguard/cis/internal/matrixroom"
	"github.com/swarmguard/cis/internal/otelinit"
	"github.com/swarmguard/cis/internal/store"
	"github.com/swarmguard/cis/internal/transport"
	"github.com/swarmguard/cis/internal/vectorstore"
	"github.com/swarmguard/cis/internal/worker"
)

func dataDir() string {
	if d := os.Getenv("CIS_DATA_DIR"); d != "" {
		return d
	}
	return "./cis-data"
}

func identityPath(dir, name string) string { return filepath.Join(dir, name+".identity.json") }

// loadOrCreateIdentity persists a node's seed at path so its DID stays
// stable across restarts.
func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var seed identity.Seed
		if jsonErr := json.Unmarshal(data, &seed); jsonErr != nil {
			return nil, jsonErr
		}
		return identity.FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := identity.New()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(id.Export(), "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// parsePeers reads CIS_PEERS as a comma-separated list of
// "node_id@host:port" entries.
func parsePeers(s string) []federation.Peer {
	var peers []federation.Peer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			slog.Warn("cisnode: ignoring malformed CIS_PEERS entry", "entry", entry)
			continue
		}
		peers = append(peers, federation.Peer{NodeID: parts[0], Address: parts[1]})
	}
	return peers
}

// listen accepts inbound Noise_XX handshakes on addr, the responder side
// of spec.md §4.4.
func listen(ctx context.Context, addr string, id *identity.Identity) {
	if addr == "" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("cisnode: listen failed", "addr", addr, "err", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	slog.Info("cisnode: listening", "addr", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("cisnode: accept failed", "err", err)
			continue
		}
		go func() {
			conn, err := transport.Accept(ctx, nc, id)
			if err != nil {
				slog.Warn("cisnode: inbound handshake failed", "err", err)
				return
			}
			nodeID, did, _, _ := conn.RemotePeer()
			slog.Info("cisnode: peer connected", "node_id", nodeID, "did", did)
			<-conn.Done()
		}()
	}
}

// runNode assembles the full node process.
func runNode(ctx context.Context, dir string) int {
	id, err := loadOrCreateIdentity(identityPath(dir, "node"))
	if err != nil {
		slog.Error("cisnode: identity init failed", "err", err)
		return 1
	}

	logging.Init("cisnode", id.NodeID())
	shutdownTrace := otelinit.InitTracer(ctx, "cisnode", id.DID())
	shutdownMetrics := otelinit.InitMetrics(ctx, "cisnode", id.DID())
	meter := otelinit.Meter("cisnode")
	tracer := otel.Tracer("cisnode")

	eventStore, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		slog.Error("cisnode: event store open failed", "err", err)
		return 1
	}
	defer eventStore.Close()

	vecStore, err := vectorstore.Open(filepath.Join(dir, "vectors.db"))
	if err != nil {
		slog.Error("cisnode: vector store open failed", "err", err)
		return 1
	}
	defer vecStore.Close()

	dagStore, err := dag.OpenStore(filepath.Join(dir, "dag.db"), meter)
	if err != nil {
		slog.Error("cisnode: dag store open failed", "err", err)
		return 1
	}
	defer dagStore.Close()

	sweeper := dag.NewSweeper(dagStore, meter)
	if cronExpr := os.Getenv("CIS_DEBT_SWEEP_CRON"); cronExpr != "" {
		if err := sweeper.AddSweep(ctx, cronExpr); err != nil {
			slog.Warn("cisnode: debt sweep schedule invalid", "err", err)
		}
	}
	sweeper.Start()
	defer sweeper.Stop(context.Background())

	workerReg, err := worker.NewRegistry(filepath.Join(dir, "workers"))
	if err != nil {
		slog.Error("cisnode: worker registry open failed", "err", err)
		return 1
	}
	if existing, err := workerReg.List(); err == nil {
		slog.Info("cisnode: worker registry loaded", "workers", len(existing))
	}

	fed := federation.New(id, eventStore, tracer, meter)
	peers := parsePeers(os.Getenv("CIS_PEERS"))
	fed.Start(ctx, peers)
	defer fed.Shutdown()

	go listen(ctx, os.Getenv("CIS_LISTEN_ADDR"), id)

	acl := newEnvACL(os.Getenv("CIS_DENIED_DIDS"), os.Getenv("CIS_QUARANTINE_DIDS"))
	sessionMgr := agent.NewManager(acl)
	sessionMgr.StartSweeper()
	defer sessionMgr.Shutdown()
	go listenSessions(ctx, os.Getenv("CIS_SESSION_ADDR"), id, sessionMgr)

	slog.Info("cisnode: started", "node_id", id.NodeID(), "did", id.DID(), "peer_count", len(peers))

	<-ctx.Done()
	slog.Info("cisnode: shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("cisnode: shutdown complete")
	return 0
}

// runWorker runs a single worker.Runtime bound to env-configured
// identifiers, the subprocess body launched by worker.Manager.Run.
func runWorker(ctx context.Context, dir string) int {
	workerID := os.Getenv("CIS_WORKER_ID")
	roomID := os.Getenv("CIS_ROOM_ID")
	if workerID == "" || roomID == "" {
		slog.Error("cisnode: worker role requires CIS_WORKER_ID and CIS_ROOM_ID")
		return 1
	}

	scope := worker.Scope{
		Kind:     envOr("SCOPE_KIND", "global"),
		ID:       os.Getenv("PROJECT_ID"),
		TypeKind: os.Getenv("SCOPE_TYPE"),
	}
	if scope.ID == "" {
		scope.ID = os.Getenv("USER_ID")
		if scope.ID != "" {
			scope.Kind = "user"
		}
	}

	id, err := loadOrCreateIdentity(identityPath(dir, workerID))
	if err != nil {
		slog.Error("cisnode: worker identity init failed", "err", err)
		return 1
	}
	logging.Init("cisnode-worker", id.NodeID())

	eventStore, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		slog.Error("cisnode: worker event store open failed", "err", err)
		return 1
	}
	defer eventStore.Close()

	workerReg, err := worker.NewRegistry(filepath.Join(dir, "workers"))
	if err != nil {
		slog.Error("cisnode: worker registry open failed", "err", err)
		return 1
	}

	room := matrixroom.New(eventStore)
	exec := executor.New(nil)
	rt := worker.NewRuntime(workerID, roomID, scope, workerReg, room, exec, filepath.Join(dir, "identities"))

	slog.Info("cisnode: worker starting", "worker_id", workerID, "room_id", roomID)
	if err := rt.Start(ctx); err != nil {
		slog.Error("cisnode: worker runtime exited with error", "err", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dir := dataDir()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var code int
	switch strings.ToLower(os.Getenv("CIS_ROLE")) {
	case "worker":
		code = runWorker(ctx, dir)
	default:
		code = runNode(ctx, dir)
	}
	os.Exit(code)
}
