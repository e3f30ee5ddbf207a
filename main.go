package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/gin-gonic/gin"

	"botgpt/internal/api"
	"botgpt/internal/config"
	embedders "botgpt/internal/embedding"
	"botgpt/internal/memory"
	"botgpt/internal/redis"
	"botgpt/internal/service/ai"
	"botgpt/internal/service/assistant"
	"botgpt/internal/service/chat"
	"botgpt/internal/service/document"
	"botgpt/internal/storage"
	"botgpt/internal/vectorstore"
	"botgpt/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("BOTGPT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := cfg.BasicConfig.DatabaseType
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	// Create necessary tables: sessions, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	cache := memory.NewStore()
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		cache.SetSyncer(memory.NewRedisSync(rdb))
		if err := cache.Listen(ctx); err != nil {
			log.Fatalf("listen memory changes: %v", err)
		}
	}

	docs := document.NewService(
		document.Config{Namespace: cfg.VectorStore.Namespace, MaxChars: cfg.Chunker.MaxChars},
		func(ctx context.Context) (embedding.Embedder, error) {
			return embedders.New(ctx, cfg.Embedding)
		},
		func() (vectorstore.Index, error) {
			return vectorstore.New(cfg.VectorStore)
		},
	)
	extractor, err := document.NewExtractor(ctx)
	if err != nil {
		log.Fatalf("init document extractor: %v", err)
	}
	docs.SetExtractor(extractor)

	workers := worker.NewManager(worker.Config{
		QueueSize:   cfg.BasicConfig.WorkerQueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
	})
	defer workers.Close()

	chatModel := ai.NewService(cfg)
	chatModel.SetDocumentSearcher(docs)
	retrieval := cfg.Chat.Retrieval
	chatService := chat.NewService(chat.Config{
		SystemPrompt:     cfg.Chat.SystemPrompt,
		RetrievalEnabled: retrieval.Enabled && retrieval.Mode == config.RetrievalModePrompt,
		RetrievalTopK:    retrieval.TopK,
	}, assistant.NewService(db, dbType), cache, chatModel, docs, workers)

	document.StartUploadSweeper(ctx, cfg.BasicConfig.UploadDir,
		time.Duration(cfg.BasicConfig.UploadTTL)*time.Minute,
		time.Duration(cfg.BasicConfig.UploadSweepInterval)*time.Minute)

	router := gin.Default()
	api.NewHandler(chatService, cfg.BasicConfig.UploadDir).RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown server: %v", err)
		}
	}()
	log.Printf("listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server stopped: %v", err)
	}
}
