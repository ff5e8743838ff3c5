package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/agentworkforce/relaystate/internal/mirror"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/stateserver"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe()
	case "watch":
		runWatch()
	case "inspect":
		runInspect()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relaystate <command>

commands:
  serve    run the state persistence service
  watch    tail a service's change feed
  inspect  list a local mirror's keys and sync state`)
}

func runServe() {
	addr := envOrDefault("RELAYSTATE_ADDR", ":8080")

	var schemaSrc string
	if schemaPath := os.Getenv("RELAYSTATE_VALUE_SCHEMA_FILE"); schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			log.Fatalf("failed to read value schema: %v", err)
		}
		schemaSrc = string(data)
	}

	store, err := stateserver.NewStore(stateserver.StoreOptions{
		StatePath: os.Getenv("RELAYSTATE_STATE_FILE"),
	})
	if err != nil {
		log.Fatalf("failed to initialize state store: %v", err)
	}
	server, err := stateserver.NewServer(store, stateserver.ServerOptions{
		Token:        os.Getenv("RELAYSTATE_TOKEN"),
		ValueSchema:  schemaSrc,
		MaxBodyBytes: int64Env("RELAYSTATE_MAX_BODY_BYTES", 0),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("relaystate listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func runWatch() {
	watcher := remote.NewWatcher(remote.WatcherOptions{
		BaseURL: envOrDefault("RELAYSTATE_REMOTE_URL", "http://127.0.0.1:8080"),
		Token:   os.Getenv("RELAYSTATE_TOKEN"),
		Logger:  log.Default(),
	})
	err := watcher.Watch(context.Background(), func(event remote.ChangeEvent) {
		if event.Deleted {
			log.Printf("event %s: %s deleted", event.EventID, event.Key)
			return
		}
		log.Printf("event %s: %s = %s", event.EventID, event.Key, event.Value)
	})
	if err != nil {
		log.Fatalf("change feed failed: %v", err)
	}
}

func runInspect() {
	dsn := os.Getenv("RELAYSTATE_MIRROR_DSN")
	if dsn == "" {
		log.Fatal("RELAYSTATE_MIRROR_DSN is required")
	}
	store, err := mirror.BuildStoreFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to open mirror: %v", err)
	}
	adapter, err := mirror.NewAdapter(mirror.AdapterOptions{Store: store, Logger: log.Default()})
	if err != nil {
		log.Fatalf("failed to build mirror adapter: %v", err)
	}

	for _, key := range adapter.Keys() {
		meta, ok := adapter.ReadMeta(key)
		if !ok {
			fmt.Printf("%s\t(no metadata)\n", key)
			continue
		}
		state := "synced"
		if meta.Pending() {
			state = "pending"
		}
		fmt.Printf("%s\t%s\tupdated %s\n", key, state,
			time.UnixMilli(meta.LastUpdatedAt).UTC().Format(time.RFC3339))
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
