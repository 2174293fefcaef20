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

// Command retrieval-worker serves POST /chat: it answers notebook
// questions over the ingested chunk hierarchy and streams pipeline
// checkpoints to the client as SSE frames.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/tome/pkg/config"
	"github.com/kadirpekel/tome/pkg/httpclient"
	"github.com/kadirpekel/tome/pkg/inference"
	"github.com/kadirpekel/tome/pkg/logger"
	"github.com/kadirpekel/tome/pkg/retrieval"
	"github.com/kadirpekel/tome/pkg/server"
	"github.com/kadirpekel/tome/pkg/store"
	"github.com/kadirpekel/tome/pkg/tokens"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "retrieval-worker: %v\n", err)
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
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr, "simple")
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.Database.URL, cfg.Pipeline.EmbeddingDim, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	counter, err := tokens.NewCounter(cfg.Pipeline.TokenizerModel)
	if err != nil {
		return err
	}

	httpClient := httpclient.New(
		httpclient.WithMaxRetries(cfg.Inference.MaxRetries),
		httpclient.WithTimeout(time.Duration(cfg.Inference.TimeoutSecs)*time.Second),
	)

	orchestrator := retrieval.New(
		retrieval.Config{
			RetrievalLimit:    cfg.Pipeline.RetrievalLimit,
			MaxQueries:        cfg.Pipeline.MaxOptimizedQueries,
			ContextTokenLimit: cfg.Pipeline.ContextTokenLimit,
		},
		db,
		inference.NewEmbedder(cfg.Inference.EmbedderURL, httpClient),
		inference.NewReranker(cfg.Inference.RerankerURL, cfg.Pipeline.RerankTopK, httpClient),
		inference.NewGenerator(cfg.Inference.GeneratorURL, httpClient),
		counter,
	)

	srv := server.New(cfg.HTTPAddr, orchestrator)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}
