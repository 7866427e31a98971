package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/backup"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/config"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/logger"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/repository"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/task"
	"github.com/supervisely-ecosystem/restore-archived-project/pkg/httpx"

	apiclient "github.com/supervisely-ecosystem/restore-archived-project/internal/api"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	env, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Error reading task environment: %v\n", err)
	}

	tunables, err := config.GetTunables()
	if err != nil {
		log.Fatalf("Error reading config: %v\n", err)
	}

	if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	err = logger.InitLogging(*debug, filepath.Join(env.DataDir, "restore.log"))
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	repo, err := repository.NewBboltRepository(filepath.Join(env.DataDir, "restore.db"))
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}
	defer repo.Close()

	client := apiclient.NewClient(env.ServerAddr, env.APIToken)
	downloader := backup.NewDownloader(httpx.NewClient(), tunables)

	worker := task.New(env, tunables, client, downloader, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Warnf("Received stop signal, cancelling task")

		if err := worker.Cancel(); err != nil {
			logger.Errorf("Failed to cancel task: %v", err)
		}
	}()

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Error starting task: %v\n", err)
	}

	if err := <-worker.Done(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	logger.Infof("Task finished.")
}
