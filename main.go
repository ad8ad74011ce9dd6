package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/api"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	ghprovider "github.com/AYCHIT/Aych.Gitjira/pkg/providers/github"
	"github.com/AYCHIT/Aych.Gitjira/pkg/push"
	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"github.com/AYCHIT/Aych.Gitjira/pkg/secrets"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage/installations"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage/subscriptions"
	syncctl "github.com/AYCHIT/Aych.Gitjira/pkg/subscriptions"
	"github.com/AYCHIT/Aych.Gitjira/pkg/verifier"
	"github.com/AYCHIT/Aych.Gitjira/pkg/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := secrets.NewCipher(config.Storage.Secret)
	if err != nil {
		logger.Fatalf("storage secret: %v", err)
	}
	db, err := storage.OpenGorm(storage.Config{
		Driver:  config.Storage.Driver,
		DSN:     config.Storage.DSN,
		Dialect: config.Storage.Dialect,
	})
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer storage.CloseGorm(db)

	installStore, err := installations.New(db, config.Storage.InstallationsTable, config.Storage.AutoMigrate, cipher)
	if err != nil {
		logger.Fatalf("installations store: %v", err)
	}
	subStore, err := subscriptions.New(db, config.Storage.SubscriptionsTable, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("subscriptions store: %v", err)
	}

	backend, err := queue.Open(ctx, config.Queue)
	if err != nil {
		logger.Fatalf("queue: %v", err)
	}
	defer backend.Close()

	controller, err := syncctl.NewController(subStore, backend.Queues(), internal.NewLogger("subscriptions"))
	if err != nil {
		logger.Fatalf("controller: %v", err)
	}

	ruleEngine, err := internal.NewRuleEngine(config.RulesConfig(logger))
	if err != nil {
		logger.Fatalf("compile rules: %v", err)
	}

	jiraOptions := jira.Options{
		HTTPClient: &http.Client{Timeout: time.Duration(config.Jira.TimeoutMS) * time.Millisecond},
		ChunkSize:  config.Jira.ChunkSize,
	}
	app := ghprovider.AppConfig{
		AppID:          config.GitHub.AppID,
		PrivateKeyPath: config.GitHub.PrivateKeyPath,
		PrivateKey:     config.GitHub.PrivateKey,
		BaseURL:        config.GitHub.BaseURL,
	}

	mux := http.NewServeMux()

	ghHandler, err := webhook.NewGitHubHandler(webhook.GitHubOptions{
		Secret:        config.GitHub.WebhookSecret,
		Rules:         ruleEngine,
		Processor:     push.NewProcessor(internal.NewLogger("push")),
		Subscriptions: subStore,
		Trackers: jira.Factory{
			Installations: installStore,
			AppKey:        config.Jira.AppKey,
			Options:       jiraOptions,
		},
		Authors: ghprovider.AuthorLookups{App: app},
		Logger:  internal.NewLogger("github"),
		MaxBody: config.Server.MaxBodyBytes,
	})
	if err != nil {
		logger.Fatalf("github handler: %v", err)
	}
	mux.Handle(config.GitHub.Path, ghHandler)
	logger.Printf("github webhook enabled on %s", config.GitHub.Path)

	jwtVerifier := &api.JWTVerifier{
		Installations: installStore,
		Logger:        internal.NewLogger("jira-auth"),
		MaxBody:       config.Server.MaxBodyBytes,
	}
	api.Routes(mux, jwtVerifier, controller, internal.NewLogger("jira-api"))
	api.LifecycleRoutes(mux, &webhook.JiraLifecycleHandler{
		Registry:      installStore,
		Subscriptions: subStore,
		Verifier:      jwtVerifier,
		Logger:        internal.NewLogger("jira-lifecycle"),
		MaxBody:       config.Server.MaxBodyBytes,
	})

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, internal.MetricsHandler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	if interval := time.Duration(config.Verifier.IntervalMinutes) * time.Minute; interval > 0 {
		health := verifier.New(installStore, verifier.ClientProber{AppKey: config.Jira.AppKey, Options: jiraOptions}, nil, internal.NewLogger("verifier"))
		go health.Run(ctx, interval)
		logger.Printf("installation verifier every %s", interval)
	}

	var handler http.Handler = mux
	if config.Server.RateLimitRPS > 0 {
		handler = internal.NewRateLimitHandler(handler, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 0)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
