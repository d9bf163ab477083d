package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calinde/studybuddy/api"
	"github.com/calinde/studybuddy/cache"
	"github.com/calinde/studybuddy/chat"
	"github.com/calinde/studybuddy/config"
	"github.com/calinde/studybuddy/database"
	"github.com/calinde/studybuddy/embeddings"
	"github.com/calinde/studybuddy/ingestion"
	"github.com/calinde/studybuddy/knowledge"
	"github.com/calinde/studybuddy/llm"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.ListenAddr, "address to listen on")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if err := database.EnsureSchema(ctx, pgPool, cfg.Embeddings.Dimension); err != nil {
		logger.Fatalf("schema setup: %v", err)
	}

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	var answerStore cache.Store = cache.Disabled{}
	if cfg.RedisEnabled {
		redisClient, err := database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("redis connection: %v", err)
		}
		defer redisClient.Close()
		answerStore = cache.NewRedisStore(redisClient, logger)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	conversations := chat.NewPostgresConversationStore(pgPool)
	folders := chat.NewPostgresFolderStore(pgPool)
	vectors := chat.NewPostgresVectorStore(pgPool)
	graph := chat.NewNeo4jGraphStore(neo4jDriver)
	answers := chat.NewAnswerCache(answerStore, cfg.AnswerCacheTTL, logger)

	chatSvc := chat.NewService(conversations, folders, vectors, graph, embedder, llmClient, answers, logger, chat.ServiceOptions{
		TopK:             cfg.RetrievalTopK,
		MaxContextChunks: cfg.MaxContextChunks,
	})
	ingestSvc := ingestion.NewService(pgPool, neo4jDriver, embedder, logger, cfg.Embeddings.Dimension)

	server := &http.Server{
		Addr:         *addr,
		Handler:      api.New(chatSvc, conversations, ingestSvc, cfg.DataDir, logger),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("server shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s (embeddings %s/%s, llm %s/%s)", *addr,
		cfg.Embeddings.Provider, cfg.Embeddings.Model, cfg.LLM.Provider, cfg.LLM.Model)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server: %v", err)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing documents")
	user := flags.String("user", "", "owner of the ingested documents")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	if strings.TrimSpace(*user) == "" {
		logger.Fatal("ingest requires --user")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	svc := ingestion.NewService(pgPool, neo4jDriver, embedder, logger, cfg.Embeddings.Dimension)
	logger.Printf("ingesting documents from %s using %s/%s embeddings", *dataDir, cfg.Embeddings.Provider, cfg.Embeddings.Model)

	if err := svc.IngestDirectory(ctx, *user, *dataDir); err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask")
	user := flags.String("user", "", "owner whose documents to search")
	limit := flags.Int("limit", cfg.RetrievalTopK, "number of context chunks to retrieve")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*user) == "" {
		logger.Fatal("ask requires --user")
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	var answerStore cache.Store = cache.Disabled{}
	if cfg.RedisEnabled {
		redisClient, err := database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Printf("redis unavailable, answers will not be cached: %v", err)
		} else {
			defer redisClient.Close()
			answerStore = cache.NewRedisStore(redisClient, logger)
		}
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	conversations := chat.NewPostgresConversationStore(pgPool)
	folders := chat.NewPostgresFolderStore(pgPool)
	vectors := chat.NewPostgresVectorStore(pgPool)
	graph := chat.NewNeo4jGraphStore(neo4jDriver)
	answers := chat.NewAnswerCache(answerStore, cfg.AnswerCacheTTL, logger)

	svc := chat.NewService(conversations, folders, vectors, graph, embedder, llmClient, answers, logger, chat.ServiceOptions{
		TopK:             *limit,
		MaxContextChunks: cfg.MaxContextChunks,
	})

	reply, err := svc.Ask(ctx, *user, *question, *limit)
	if err != nil {
		logger.Fatalf("ask failed: %v", err)
	}

	fmt.Println(reply.Answer)
	if len(reply.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for idx, source := range reply.Sources {
			fmt.Printf("%d. note %s (score %.2f)\n", idx+1, source.NoteID, source.Score)
			fmt.Printf("   %s\n", source.Preview)
			if source.Insight == nil {
				continue
			}
			if source.Insight.ChunkCount > 0 {
				fmt.Printf("   Indexed chunks: %d\n", source.Insight.ChunkCount)
			}
			if source.Insight.Folder != "" {
				fmt.Printf("   Folder: %s\n", source.Insight.Folder)
			}
			if len(source.Insight.RelatedNotes) > 0 {
				fmt.Println("   Related notes:")
				for _, related := range source.Insight.RelatedNotes {
					fmt.Printf("     - %s (%s)\n", related.Title, related.ID)
				}
			}
		}
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete all ingested notes and conversations from Postgres and Neo4j. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	defer pgPool.Close()

	if _, err := pgPool.Exec(ctx, "TRUNCATE conversation_turns, conversations, rag_chunks, notes, folders"); err != nil {
		logger.Fatalf("truncate postgres tables: %v", err)
	}
	logger.Println("cleared Postgres notes, chunks and conversations")

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatalf("neo4j connection: %v", err)
	}
	defer neo4jDriver.Close(ctx)

	if err := knowledge.Purge(ctx, neo4jDriver); err != nil {
		logger.Fatalf("clear neo4j: %v", err)
	}

	logger.Println("Neo4j notes and chunks cleared")
}

func printUsage() {
	fmt.Println("Usage: studybuddy <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the HTTP API")
	fmt.Println("  ingest   Ingest documents into Postgres/Neo4j (use --dir and --user)")
	fmt.Println("  ask      Ask a one-shot question against a user's documents")
	fmt.Println("  clear    Remove ingested data and conversations")
}
