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

// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// RedisConfig configures the work queue and status channel connection.
type RedisConfig struct {
	URL string
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

// BlobConfig configures the object store for image blobs.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// InferenceConfig holds the base URLs of the remote inference services.
type InferenceConfig struct {
	ParserURL    string
	CaptionerURL string
	EmbedderURL  string
	RerankerURL  string
	GeneratorURL string
	MaxRetries   int
	TimeoutSecs  int
}

// PipelineConfig holds the tunables of both pipelines.
type PipelineConfig struct {
	// EmbeddingDim is the fixed dimensionality of child chunk embeddings.
	EmbeddingDim int
	// RetrievalLimit is the total per-branch candidate budget, divided
	// across optimized queries.
	RetrievalLimit int
	// RerankTopK is the number of parent chunks kept per query after
	// reranking.
	RerankTopK int
	// MaxOptimizedQueries caps the query optimizer fan-out.
	MaxOptimizedQueries int
	// ContextTokenLimit bounds the rolling notebook context.
	ContextTokenLimit int
	// TokenizerModel selects the tiktoken encoding used for budgeting.
	TokenizerModel string
	// PDFMinPages and PDFMaxParallel control page-group sizing.
	PDFMinPages    int
	PDFMaxParallel int
}

// Config is the root configuration for both workers.
type Config struct {
	Redis     RedisConfig
	Database  DatabaseConfig
	Blob      BlobConfig
	Inference InferenceConfig
	Pipeline  PipelineConfig
	LogLevel  string
	HTTPAddr  string
}

// LoadEnvFiles loads .env.local and .env if present.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// Load builds a Config from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: int32(envInt("DATABASE_MAX_CONNS", 0)),
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("BLOB_ENDPOINT"),
			AccessKey: os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("BLOB_SECRET_KEY"),
			Bucket:    os.Getenv("BLOB_BUCKET"),
			UseSSL:    envBool("BLOB_USE_SSL", true),
		},
		Inference: InferenceConfig{
			ParserURL:    os.Getenv("PARSER_URL"),
			CaptionerURL: os.Getenv("CAPTIONER_URL"),
			EmbedderURL:  os.Getenv("EMBEDDER_URL"),
			RerankerURL:  os.Getenv("RERANKER_URL"),
			GeneratorURL: os.Getenv("GENERATOR_URL"),
			MaxRetries:   envInt("INFERENCE_MAX_RETRIES", 0),
			TimeoutSecs:  envInt("INFERENCE_TIMEOUT_SECS", 0),
		},
		Pipeline: PipelineConfig{
			EmbeddingDim:        envInt("EMBEDDING_DIM", 0),
			RetrievalLimit:      envInt("RETRIEVAL_LIMIT", 0),
			RerankTopK:          envInt("RERANK_TOP_K", 0),
			MaxOptimizedQueries: envInt("MAX_OPTIMIZED_QUERIES", 0),
			ContextTokenLimit:   envInt("CONTEXT_TOKEN_LIMIT", 0),
			TokenizerModel:      os.Getenv("TOKENIZER_MODEL"),
			PDFMinPages:         envInt("PDF_MIN_PAGES", 0),
			PDFMaxParallel:      envInt("PDF_MAX_PARALLEL", 0),
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
		HTTPAddr: os.Getenv("HTTP_ADDR"),
	}

	cfg.SetDefaults()

	return cfg, nil
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 8
	}
	if c.Inference.MaxRetries <= 0 {
		c.Inference.MaxRetries = 3
	}
	if c.Inference.TimeoutSecs <= 0 {
		c.Inference.TimeoutSecs = 300
	}
	if c.Pipeline.EmbeddingDim <= 0 {
		c.Pipeline.EmbeddingDim = 1024
	}
	if c.Pipeline.RetrievalLimit <= 0 {
		c.Pipeline.RetrievalLimit = 100
	}
	if c.Pipeline.RerankTopK <= 0 {
		c.Pipeline.RerankTopK = 10
	}
	if c.Pipeline.MaxOptimizedQueries <= 0 {
		c.Pipeline.MaxOptimizedQueries = 5
	}
	if c.Pipeline.ContextTokenLimit <= 0 {
		c.Pipeline.ContextTokenLimit = 8000
	}
	if c.Pipeline.TokenizerModel == "" {
		c.Pipeline.TokenizerModel = "gpt-4"
	}
	if c.Pipeline.PDFMinPages <= 0 {
		c.Pipeline.PDFMinPages = 25
	}
	if c.Pipeline.PDFMaxParallel <= 0 {
		c.Pipeline.PDFMaxParallel = 8
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
}

// Validate checks the settings both workers depend on.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Pipeline.RetrievalLimit < c.Pipeline.MaxOptimizedQueries {
		return fmt.Errorf("retrieval limit (%d) must be at least the query cap (%d)",
			c.Pipeline.RetrievalLimit, c.Pipeline.MaxOptimizedQueries)
	}
	return nil
}

// ValidateIngestion additionally checks the queue settings; only the
// ingestion worker talks to Redis.
func (c *Config) ValidateIngestion() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
