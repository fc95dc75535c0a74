package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/config"
	"k8s-bluegreen/internal/k8s"
	"k8s-bluegreen/internal/statusapi"
	"k8s-bluegreen/internal/store"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	configFile := flag.String("config", "config.yaml", "path to config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadConfigLenient(*configFile)
	if err != nil {
		logrus.Fatalf(color.RedString("failed to load config: %v"), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The status server degrades to demo mode without a cluster and
	// serves without counters when Redis is unreachable.
	var k8sClient *k8s.Client
	if c, err := k8s.NewClient(cfg.Rollout.KubeConfigPath); err != nil {
		logrus.Warnf("running in demo mode, no cluster access: %v", err)
	} else {
		k8sClient = c
	}

	var redisStore *store.RedisStore
	if cfg.Redis.Addr != "" {
		if rs, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			logrus.Warnf("view counters disabled: %v", err)
		} else {
			defer rs.Close()
			redisStore = rs
		}
	}

	var mongoStore *store.MongoStore
	if cfg.Mongo.URI != "" {
		if ms, err := store.NewMongoStore(cfg.Mongo.URI, cfg.Mongo.TTL()); err != nil {
			logrus.Warnf("run history disabled: %v", err)
		} else {
			defer ms.Close()
			mongoStore = ms
		}
	}

	srv := statusapi.NewServer(cfg.Status, cfg.Redis, cfg.Rollout.Namespace, k8sClient, redisStore, mongoStore)
	logrus.Infof(color.GreenString("bg-status listening on %s"), cfg.Status.ListenAddr)
	if err := srv.ListenAndServe(ctx); err != nil {
		logrus.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
