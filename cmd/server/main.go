// Command server wires a config, an LSM engine, a cache manager, the
// RESP/TCP front end, and — when enabled — an embedded Raft node into
// one running process, and shuts it all down cleanly on SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/cvdpl/respkv/internal/cachemgr"
	"github.com/cvdpl/respkv/internal/common"
	"github.com/cvdpl/respkv/internal/config"
	"github.com/cvdpl/respkv/internal/lsm"
	"github.com/cvdpl/respkv/internal/observer"
	"github.com/cvdpl/respkv/internal/raft"
	"github.com/cvdpl/respkv/internal/resp"
	"github.com/cvdpl/respkv/internal/server"
	"github.com/cvdpl/respkv/internal/storage"
)

func main() {
	cfg, raftSelfAddr, raftPeerAddrs := parseFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := common.NewSlogLogger(slog.LevelInfo)
	obs := observer.NewNoop()

	if err := run(cfg, raftSelfAddr, raftPeerAddrs, logger, obs); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func parseFlags() (config.Config, string, map[string]string) {
	cfg := config.Default()

	port := flag.Uint("port", uint(cfg.ListenPort), "TCP port to listen on")
	dataDir := flag.String("data-dir", cfg.DataDir, "directory for WAL, SSTables and Raft state")
	segments := flag.Int("segments", cfg.Segments, "number of cache shards, must be a power of two")
	capacity := flag.Int("cache-capacity", cfg.CacheCapacity, "total cache entry capacity across all shards")
	writeMode := flag.String("write-mode", cfg.WriteMode.String(), "write-through or write-back")
	flushInterval := flag.Duration("write-back-interval", cfg.FlushInterval, "write-back worker tick interval")
	raftEnabled := flag.Bool("raft", cfg.RaftEnabled, "enable the embedded Raft node")
	raftSelfID := flag.String("raft-id", "", "this node's Raft peer ID")
	raftSelfAddr := flag.String("raft-addr", "", "this node's Raft RPC listen address (host:port)")
	raftPeers := flag.String("raft-peers", "", "comma-separated id=host:port pairs for the other cluster members")
	flag.Parse()

	cfg.ListenPort = uint16(*port)
	cfg.DataDir = *dataDir
	cfg.Segments = *segments
	cfg.CacheCapacity = *capacity
	cfg.FlushInterval = *flushInterval
	if strings.EqualFold(*writeMode, "write-back") {
		cfg.WriteMode = config.WriteBack
	} else {
		cfg.WriteMode = config.WriteThrough
	}

	raftPeerAddrs := make(map[string]string)
	cfg.RaftEnabled = *raftEnabled
	if *raftEnabled {
		cfg.RaftSelf = config.RaftPeer{ID: *raftSelfID, Addr: *raftSelfAddr}
		for _, pair := range strings.Split(*raftPeers, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				continue
			}
			cfg.RaftPeers = append(cfg.RaftPeers, config.RaftPeer{ID: kv[0], Addr: kv[1]})
			raftPeerAddrs[kv[0]] = kv[1]
		}
	}

	return cfg, *raftSelfAddr, raftPeerAddrs
}

func run(cfg config.Config, raftSelfAddr string, raftPeerAddrs map[string]string, logger common.Logger, obs observer.Observer) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, common.LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is already in use by another process", cfg.DataDir)
	}
	defer lock.Unlock()

	engineOpts := lsm.DefaultOptions()
	engineOpts.MemtableSize = cfg.MemtableSize
	engineOpts.MemtableHardCapMultiplier = cfg.MemtableHardCapMultiplier
	engineOpts.L0CompactTrigger = cfg.L0CompactTrigger
	engineOpts.MaxLevels = cfg.MaxLevels
	engineOpts.BloomFPR = cfg.BloomFPR

	engine, err := lsm.Open(cfg.DataDir, engineOpts, logger, obs)
	if err != nil {
		return fmt.Errorf("open lsm engine: %w", err)
	}
	defer engine.Close()

	backend := storage.NewBackend(engine)
	mgr, err := cachemgr.New(cfg.Segments, cfg.CacheCapacity, backend, cfg.WriteMode, logger, obs)
	if err != nil {
		return fmt.Errorf("build cache manager: %w", err)
	}

	var worker *cachemgr.Worker
	if cfg.WriteMode == config.WriteBack {
		worker = cachemgr.NewWorker(mgr.Cache(), backend, cfg.FlushInterval, logger, obs)
		mgr.AttachWorker(worker)
		worker.Start()
	}

	var node *raft.Node
	var rpcListener interface{ Close() error }
	if cfg.RaftEnabled {
		node, rpcListener, err = startRaft(cfg, raftSelfAddr, raftPeerAddrs, mgr, logger, obs)
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
	}

	dispatcher := resp.New(mgr, cfg.WriteMode)
	if node != nil {
		dispatcher.AttachProposer(node)
	}
	srv := server.New(fmt.Sprintf(":%d", cfg.ListenPort), dispatcher, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("listener error", "error", err)
	}

	srv.Shutdown()
	mgr.Shutdown()
	if node != nil {
		node.Stop()
	}
	if rpcListener != nil {
		rpcListener.Close()
	}
	return nil
}

func startRaft(cfg config.Config, selfAddr string, peerAddrs map[string]string, mgr *cachemgr.Manager, logger common.Logger, obs observer.Observer) (*raft.Node, interface{ Close() error }, error) {
	raftDir := filepath.Join(cfg.DataDir, common.DirRaft)
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create raft dir: %w", err)
	}

	logPath := filepath.Join(raftDir, "log")
	statePath := filepath.Join(raftDir, "state")

	raftLog, err := raft.OpenLog(logPath)
	if err != nil {
		return nil, nil, err
	}

	peerIDs := make([]string, 0, len(cfg.RaftPeers))
	for _, p := range cfg.RaftPeers {
		peerIDs = append(peerIDs, p.ID)
	}

	transport := raft.NewRPCTransport(peerAddrs, 200*time.Millisecond)

	applyCB := func(e raft.Entry) {
		applyCommand(mgr, e.Command, logger)
	}

	node, err := raft.NewNode(cfg.RaftSelf.ID, peerIDs, transport, raftLog, statePath, applyCB, logger, obs)
	if err != nil {
		return nil, nil, err
	}

	listener, err := raft.Serve(node, selfAddr)
	if err != nil {
		return nil, nil, err
	}

	node.Start()
	return node, listener, nil
}

// applyCommand decodes a committed Raft entry's command and mutates
// the cache manager accordingly. Commands are textual: "PUT k v" or
// "DEL k", the human-readable encoding spec.md offers as an example.
func applyCommand(mgr *cachemgr.Manager, command []byte, logger common.Logger) {
	fields := strings.SplitN(string(command), " ", 3)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "PUT":
		if len(fields) != 3 {
			logger.Error("raft: malformed PUT command", "command", string(command))
			return
		}
		if err := mgr.Put(fields[1], []byte(fields[2])); err != nil {
			logger.Error("raft: apply PUT failed", "error", err)
		}
	case "DEL":
		if len(fields) < 2 {
			logger.Error("raft: malformed DEL command", "command", string(command))
			return
		}
		if _, err := mgr.Del(fields[1]); err != nil {
			logger.Error("raft: apply DEL failed", "error", err)
		}
	default:
		logger.Error("raft: unknown command verb", "command", string(command))
	}
}
