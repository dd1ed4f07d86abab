package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wardline/failover/internal/control"
	"github.com/wardline/failover/internal/core/config"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/lifecycle"
)

// reset_state wipes persisted device state before reprovisioning: with
// -server only that server's entries, otherwise everything including
// backups and markers. Run it with the engine stopped.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	serverID := flag.String("server", "", "Only wipe state belonging to this server id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	store, err := control.OpenStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	removed, err := wipe(ctx, store, *serverID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *serverID != "" {
		fmt.Printf("Removed %d entries for %s\n", removed, *serverID)
	} else {
		fmt.Printf("Removed %d entries\n", removed)
	}
}

func wipe(ctx context.Context, store kvstore.Store, serverID string) (int, error) {
	if serverID != "" {
		// One server: its own scope plus its app-scoped verdicts and
		// backups.
		cleared, err := lifecycle.NewManager(store, lifecycle.Config{}).
			SelectiveClear(ctx, serverID, lifecycle.ClearOptions{AllScopes: true})
		removed := 0
		for _, n := range cleared {
			removed += n
		}
		return removed, err
	}

	removed := 0
	for _, prefix := range []kvstore.Prefix{
		{Scope: kvstore.ScopeServer},
		{Scope: kvstore.ScopeApp},
	} {
		keys, err := store.List(ctx, prefix)
		if err != nil {
			return removed, fmt.Errorf("list %q: %w", prefix.String(), err)
		}
		for _, key := range keys {
			if err := store.Delete(ctx, key); err != nil {
				return removed, fmt.Errorf("delete %s: %w", key, err)
			}
			removed++
		}
	}
	return removed, nil
}
