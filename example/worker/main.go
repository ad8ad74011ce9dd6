package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/backfill"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	ghprovider "github.com/AYCHIT/Aych.Gitjira/pkg/providers/github"
	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"github.com/AYCHIT/Aych.Gitjira/pkg/secrets"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage/installations"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage/subscriptions"
	syncctl "github.com/AYCHIT/Aych.Gitjira/pkg/subscriptions"
	"github.com/AYCHIT/Aych.Gitjira/pkg/worker"
)

type DiscoveryWorker struct {
	river.WorkerDefaults[queue.DiscoveryArgs]
	syncer *backfill.Syncer
}

func (w *DiscoveryWorker) Work(ctx context.Context, job *river.Job[queue.DiscoveryArgs]) error {
	log.Printf("job=%d queue=%s kind=%s installation=%d host=%s", job.ID, job.Queue, job.Kind, job.Args.InstallationID, job.Args.JiraHost)
	return w.syncer.Discover(ctx, job.Args.Job)
}

type InstallationWorker struct {
	river.WorkerDefaults[queue.InstallationArgs]
	syncer *backfill.Syncer
}

func (w *InstallationWorker) Work(ctx context.Context, job *river.Job[queue.InstallationArgs]) error {
	log.Printf("job=%d queue=%s kind=%s installation=%d host=%s", job.ID, job.Queue, job.Kind, job.Args.InstallationID, job.Args.JiraHost)
	return w.syncer.Sync(ctx, job.Args.Job)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	maxWorkers := flag.Int("max-workers", 5, "Max workers per queue")
	flag.Parse()

	log.SetPrefix("gitjira/backfill-worker ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cipher, err := secrets.NewCipher(cfg.Storage.Secret)
	if err != nil {
		log.Fatalf("storage secret: %v", err)
	}
	db, err := storage.OpenGorm(storage.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Dialect: cfg.Storage.Dialect})
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer storage.CloseGorm(db)
	installStore, err := installations.New(db, cfg.Storage.InstallationsTable, cfg.Storage.AutoMigrate, cipher)
	if err != nil {
		log.Fatalf("installations store: %v", err)
	}
	subStore, err := subscriptions.New(db, cfg.Storage.SubscriptionsTable, cfg.Storage.AutoMigrate)
	if err != nil {
		log.Fatalf("subscriptions store: %v", err)
	}

	backend, err := queue.Open(ctx, cfg.Queue)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	defer backend.Close()
	controller, err := syncctl.NewController(subStore, backend.Queues(), internal.NewLogger("subscriptions"))
	if err != nil {
		log.Fatalf("controller: %v", err)
	}

	syncer := &backfill.Syncer{
		Sources: ghprovider.Sources{App: ghprovider.AppConfig{
			AppID:          cfg.GitHub.AppID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
			PrivateKey:     cfg.GitHub.PrivateKey,
			BaseURL:        cfg.GitHub.BaseURL,
		}},
		Subscriptions: subStore,
		Recorder:      controller,
		Trackers: jira.Factory{
			Installations: installStore,
			AppKey:        cfg.Jira.AppKey,
			Options: jira.Options{
				HTTPClient: &http.Client{Timeout: time.Duration(cfg.Jira.TimeoutMS) * time.Millisecond},
				ChunkSize:  cfg.Jira.ChunkSize,
			},
		},
		Installation: backend.Queues().Installation,
		Logger:       internal.NewLogger("backfill"),
	}

	if strings.EqualFold(cfg.Queue.Driver, "watermill") {
		runWatermill(ctx, cfg.Queue.Watermill, syncer, *maxWorkers)
		return
	}
	runRiver(ctx, cfg.Queue.River, syncer, *maxWorkers)
}

func runRiver(ctx context.Context, cfg queue.RiverConfig, syncer *backfill.Syncer, maxWorkers int) {
	dbPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbPool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, &DiscoveryWorker{syncer: syncer})
	river.AddWorker(workers, &InstallationWorker{syncer: syncer})

	client, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			queue.DiscoveryQueue:    {MaxWorkers: maxWorkers},
			queue.InstallationQueue: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		log.Fatalf("river client: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		log.Fatalf("river start: %v", err)
	}

	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := client.Stop(stopCtx); err != nil {
		log.Printf("river stop: %v", err)
	}
}

func runWatermill(ctx context.Context, cfg queue.WatermillConfig, syncer *backfill.Syncer, maxWorkers int) {
	wk, err := worker.NewFromConfig(ctx, cfg,
		worker.WithConcurrency(maxWorkers),
		worker.WithLogger(internal.NewLogger("worker")),
		worker.WithListener(worker.Listener{
			OnMessageFinish: func(ctx context.Context, job *queue.Job, err error) {
				if err == nil {
					log.Printf("installation=%d host=%s done", job.InstallationID, job.JiraHost)
				}
			},
		}),
	)
	if err != nil {
		log.Fatalf("subscriber: %v", err)
	}
	defer func() {
		if err := wk.Close(); err != nil {
			log.Printf("subscriber close: %v", err)
		}
	}()

	wk.Handle(queue.DiscoveryQueue, syncer.Discover)
	wk.Handle(queue.InstallationQueue, syncer.Sync)
	if err := wk.Run(ctx); err != nil {
		log.Printf("worker: %v", err)
	}
}
