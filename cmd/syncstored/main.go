package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.mozilla.org/hawk"

	log "github.com/sirupsen/logrus"

	"github.com/facebookgo/httpdown"

	"github.com/mozilla-services/syncstore/internal/auth"
	"github.com/mozilla-services/syncstore/internal/cache"
	"github.com/mozilla-services/syncstore/internal/clock"
	"github.com/mozilla-services/syncstore/internal/config"
	"github.com/mozilla-services/syncstore/internal/storage"
	"github.com/mozilla-services/syncstore/internal/syncweb"
)

func setLogLevel(level string) {
	switch level {
	case "panic":
		log.SetLevel(log.PanicLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "syncstored:", err)
		os.Exit(1)
	}

	setLogLevel(cfg.Log.Level)
	if cfg.Log.Mozlog {
		log.SetFormatter(&syncweb.MozlogFormatter{
			Hostname: cfg.Hostname,
			Pid:      os.Getpid(),
		})
	}

	hawk.MaxTimestampSkew = time.Duration(cfg.HawkTimestampMaxSkew) * time.Second

	backend, err := storage.OpenBackend(storage.BackendConfig{
		Dir:        cfg.Shard.DataDir,
		ShardCount: cfg.Shard.Count,
		DB: storage.Config{
			CacheSize:    cfg.Shard.CacheSize,
			MaxOpenConns: cfg.Shard.MaxOpenConns,
		},
	})
	if err != nil {
		log.Fatalf("syncstored: open storage backend: %s", err)
	}

	infoCache := cache.NewInfoCache(cache.InfoConfig{MaxSizeMB: cfg.InfoCacheSize})
	ephemeral := cache.NewEphemeralStore(cfg.Ephemeral.MaxSizeMB, time.Duration(cfg.Ephemeral.TTLSeconds)*time.Second)

	var rateCap *cache.WriteCapTracker
	if cfg.Rate.BudgetBytes > 0 {
		window := time.Duration(cfg.Rate.WindowSeconds) * time.Second
		rateCap = cache.NewWriteCapTracker(cfg.Rate.BudgetBytes, window/2)
	} else {
		rateCap = cache.NewWriteCapTracker(0, time.Hour)
	}

	var authn auth.Authenticator
	if len(cfg.Secrets) == 0 {
		log.Warn("syncstored: no SECRETS configured, falling back to static per-request auth")
		authn = auth.Static{}
	} else {
		source := auth.HMACCredentialSource{ServerSecret: []byte(cfg.Secrets[0]), Realm: cfg.Hostname}
		authn = auth.NewHawkAuthenticator(source, time.Duration(cfg.HawkTimestampMaxSkew)*time.Second)
	}

	server := &syncweb.Server{
		Backend:   backend,
		Info:      infoCache,
		Ephemeral: ephemeral,
		RateCap:   rateCap,
		Clock:     clock.NewService(),
		Config:    cfg,
	}

	handler := syncweb.NewRouter(server, syncweb.RouterConfig{
		Authenticator: authn,
		Logging:       syncweb.LoggingConfig{OnlyHTTPErrors: cfg.Log.OnlyHTTPErrors},
		Logger:        log.StandardLogger(),
		Version:       "syncstored",
	})

	listenOn := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	httpServer := &http.Server{
		Addr:    listenOn,
		Handler: handler,
	}

	hd := &httpdown.HTTP{
		StopTimeout: 3 * time.Minute,
		KillTimeout: 2 * time.Minute,
	}

	log.WithFields(log.Fields{
		"addr":          listenOn,
		"pid":           os.Getpid(),
		"shard_count":   backend.ShardCount(),
		"info_cache_mb": cfg.InfoCacheSize,
	}).Info("syncstored listening")

	if err := httpdown.ListenAndServe(httpServer, hd); err != nil {
		log.Error(err.Error())
	}

	if err := backend.Close(); err != nil {
		log.Errorf("syncstored: close storage backend: %s", err)
	}
}
