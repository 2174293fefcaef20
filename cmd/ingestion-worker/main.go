// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ingestion-worker consumes source messages from the Redis
// queue, turns PDFs and URLs into chunk hierarchies and persists them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/tome/pkg/blob"
	"github.com/kadirpekel/tome/pkg/config"
	"github.com/kadirpekel/tome/pkg/httpclient"
	"github.com/kadirpekel/tome/pkg/inference"
	"github.com/kadirpekel/tome/pkg/ingest"
	"github.com/kadirpekel/tome/pkg/logger"
	"github.com/kadirpekel/tome/pkg/queue"
	"github.com/kadirpekel/tome/pkg/status"
	"github.com/kadirpekel/tome/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ingestion-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateIngestion(); err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr, "simple")
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	db, err := store.New(ctx, cfg.Database.URL, cfg.Pipeline.EmbeddingDim, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return err
	}

	httpClient := httpclient.New(
		httpclient.WithMaxRetries(cfg.Inference.MaxRetries),
		httpclient.WithTimeout(time.Duration(cfg.Inference.TimeoutSecs)*time.Second),
	)

	pipeline := ingest.New(
		ingest.Config{
			PDFMinPages:    cfg.Pipeline.PDFMinPages,
			PDFMaxParallel: cfg.Pipeline.PDFMaxParallel,
		},
		status.NewTracker(redisClient),
		db,
		blobs,
		inference.NewParser(cfg.Inference.ParserURL, httpClient),
		inference.NewCaptioner(cfg.Inference.CaptionerURL, httpClient),
		inference.NewEmbedder(cfg.Inference.EmbedderURL, httpClient),
	)

	consumer := queue.NewConsumer(redisClient, queue.FileProcessingQueue)
	consumer.MarkFailed = pipeline.MarkFailed

	log.Info("ingestion worker starting", "queue", queue.FileProcessingQueue)
	if err := consumer.Run(ctx, pipeline.Handle); err != nil {
		return err
	}

	log.Info("ingestion worker stopped")
	return nil
}
