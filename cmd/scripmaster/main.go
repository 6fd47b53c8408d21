// Command scripmaster downloads the public scrip master once and stores the
// normalized universe in the snapshot store, or writes it as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/logger"
	"marketdata-engine/internal/model"
	redisstore "marketdata-engine/internal/store/redis"
	sqlitestore "marketdata-engine/internal/store/sqlite"
	"marketdata-engine/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[scripmaster] starting...")

	backend := flag.String("backend", getEnv("SNAPSHOT_BACKEND", "sqlite"), "snapshot backend: sqlite, redis or none")
	sqlitePath := flag.String("sqlite", getEnv("SQLITE_PATH", "data/instruments.db"), "sqlite database path")
	redisAddr := flag.String("redis", getEnv("REDIS_ADDR", "localhost:6379"), "redis address")
	out := flag.String("out", "", "also write the normalized instruments to this JSON file")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	lg := logger.Init("scripmaster", logger.ParseLevel(getEnv("LOG_LEVEL", "info")))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sc := smartconnect.NewSmartConnect(smartconnect.Config{
		ScripMasterURL: os.Getenv("SCRIP_MASTER_URL"),
		ClientLocalIP:  "127.0.0.1",
		ClientPublicIP: getEnv("CLIENT_PUBLIC_IP", "127.0.0.1"),
		Logger:         lg,
	})

	start := time.Now()
	records, err := sc.DownloadScripMaster(ctx)
	if err != nil {
		log.Fatalf("[scripmaster] download: %v", err)
	}
	all := instruments.FromRecords(records)
	lg.Info("scrip master downloaded", "records", len(records), "instruments", len(all), "elapsed", time.Since(start))
	if len(all) == 0 {
		log.Fatalf("[scripmaster] no instruments in scrip master")
	}

	if *out != "" {
		if err := writeJSON(*out, all); err != nil {
			log.Fatalf("[scripmaster] %v", err)
		}
		lg.Info("wrote json", "path", *out)
	}

	store, err := openStore(ctx, *backend, *sqlitePath, *redisAddr)
	if err != nil {
		log.Fatalf("[scripmaster] %v", err)
	}
	if store == nil {
		return
	}
	defer store.Close()
	if err := store.SaveInstruments(ctx, all); err != nil {
		log.Fatalf("[scripmaster] save: %v", err)
	}
	log.Printf("[scripmaster] saved %d instruments to %s", len(all), *backend)
}

func openStore(ctx context.Context, backend, sqlitePath, redisAddr string) (model.SnapshotStore, error) {
	switch backend {
	case "sqlite":
		return sqlitestore.Open(sqlitestore.Config{DBPath: sqlitePath}, nil)
	case "redis":
		rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		if err != nil {
			return nil, err
		}
		return &closingStore{SnapshotStore: redisstore.NewSnapshotStore(rdb, nil), close: rdb.Close}, nil
	default:
		return nil, nil
	}
}

// closingStore closes the Redis client the snapshot store borrows.
type closingStore struct {
	*redisstore.SnapshotStore
	close func() error
}

func (c *closingStore) Close() error { return c.close() }

func writeJSON(path string, all []model.Instrument) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
