package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/config"
	"k8s-bluegreen/internal/gate"
	"k8s-bluegreen/internal/k8s"
	"k8s-bluegreen/internal/manifest"
	"k8s-bluegreen/internal/pipeline"
	"k8s-bluegreen/internal/registry"
	"k8s-bluegreen/internal/report"
	"k8s-bluegreen/internal/rollout"
	"k8s-bluegreen/internal/store"
	"k8s-bluegreen/internal/telegram"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	configFile := flag.String("config", "config.yaml", "path to config file")
	buildID := flag.String("build", "", "build identifier (image tag), unique per invocation")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *buildID == "" {
		logrus.Fatal("-build is required")
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatalf(color.RedString("failed to load config: %v"), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k8sClient, err := k8s.NewClient(cfg.Rollout.KubeConfigPath)
	if err != nil {
		logrus.Fatalf(color.RedString("failed to build cluster access: %v"), err)
	}

	rolloutClient := rollout.NewClient(k8sClient.Dynamic(), cfg.Rollout.Name, cfg.Rollout.Namespace)
	watcher := rollout.NewWatcher(rolloutClient, cfg.Rollout.PollInterval())

	publisher := registry.NewPublisher(registry.NewRemote(), cfg.Registry.Repository, cfg.Registry.AliasTag)
	updater := manifest.NewUpdater(
		cfg.Manifest.RepoURL, cfg.Manifest.Branch, cfg.Manifest.Path,
		cfg.Manifest.AuthorName, cfg.Manifest.AuthorEmail)

	approvalGate := gate.New(cfg.Approval.AllowedUsers)

	var prompter pipeline.Prompter
	var bot *telegram.ApprovalBot
	if cfg.Approval.BotToken != "" {
		bot, err = telegram.NewApprovalBot(cfg.Approval.BotToken, cfg.Approval.ChatID, approvalGate)
		if err != nil {
			logrus.Fatalf(color.RedString("failed to start approval bot: %v"), err)
		}
		bot.Start()
		defer bot.Stop()
		prompter = bot
	} else {
		logrus.Warn("no approval bot configured; the gate will fail closed at its deadline")
	}

	// Run bookkeeping is best effort: a missing store never blocks a
	// deployment.
	var recorders []pipeline.Recorder
	if cfg.Mongo.URI != "" {
		mongoStore, err := store.NewMongoStore(cfg.Mongo.URI, cfg.Mongo.TTL())
		if err != nil {
			logrus.Warnf("run history disabled: %v", err)
		} else {
			defer mongoStore.Close()
			recorders = append(recorders, mongoStore)
		}
	}
	if cfg.Redis.Addr != "" {
		redisStore, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logrus.Warnf("live run status disabled: %v", err)
		} else {
			defer redisStore.Close()
			recorders = append(recorders, store.RunStatusRecorder{Store: redisStore, TTL: 24 * time.Hour})
		}
	}

	pipe := pipeline.New(pipeline.Config{
		BuildID:           *buildID,
		ImageField:        cfg.Manifest.ImageField,
		BuildNumberField:  cfg.Manifest.BuildNumberField,
		PreviewDeadline:   cfg.Rollout.PreviewDeadline(),
		ApprovalDeadline:  cfg.Approval.Deadline(),
		PromotionDeadline: cfg.Rollout.PromotionDeadline(),
	}, publisher, updater, watcher, approvalGate, prompter, rolloutClient, pipeline.MultiRecorder(recorders...))

	logrus.Infof(color.GreenString("bg-pipeline starting for build %s"), *buildID)
	start := time.Now()
	res := pipe.Run(ctx)

	// When the rollout itself misbehaved, pod events usually name the
	// reason (image pull failures, crash loops). Fresh context: the
	// run's may already be cancelled.
	switch res.Failure {
	case pipeline.FailureRolloutTimeout, pipeline.FailurePromotionTimeout, pipeline.FailurePromotionCmd:
		evCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		logrus.Infof("recent pod events in %s:\n%s",
			cfg.Rollout.Namespace, k8sClient.PodEvents(evCtx, cfg.Rollout.Namespace, cfg.Rollout.Name))
		cancel()
	}

	summary := report.Input{
		Result:      res,
		RolloutName: cfg.Rollout.Name,
		Namespace:   cfg.Rollout.Namespace,
		PreviewURL:  cfg.Rollout.PreviewURL,
		ActiveURL:   cfg.Rollout.ActiveURL,
	}
	fmt.Println(report.Render(summary))

	if bot != nil {
		if err := bot.NotifyResult(report.Summary(summary)); err != nil {
			logrus.Warnf("failed to send result notification: %v", err)
		}
	}

	logrus.Infof("pipeline finished in %s: %s", time.Since(start).Round(time.Second), res.Outcome)
	if res.Outcome != pipeline.OutcomeSucceeded {
		os.Exit(1)
	}
}
