package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farm-ledger/config"
	"farm-ledger/internal/api"
	"farm-ledger/internal/broker"
	"farm-ledger/internal/chain"
	"farm-ledger/internal/network"
	"farm-ledger/internal/redisclient"
	"farm-ledger/internal/service"
	"farm-ledger/internal/store"
	"farm-ledger/internal/util"
	"farm-ledger/internal/wallet"
	"farm-ledger/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const migrateLock = "farm-ledger:migrate"

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting farm ledger", zap.String("chain_id", cfg.Ledger.ChainID))

	tp, err := util.InitTracer("farm-ledger", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	target := network.Params{
		ChainID:   cfg.Ledger.ChainID,
		ChainName: cfg.Ledger.ChainName,
		RPCURLs:   cfg.Ledger.RPCURLs,
		Currency: network.Currency{
			Name:     cfg.Ledger.CurrencyName,
			Symbol:   cfg.Ledger.CurrencySymbol,
			Decimals: int32(cfg.Ledger.CurrencyDecimals),
		},
		ExplorerURLs: cfg.Ledger.ExplorerURLs,
	}
	if err := target.Validate(); err != nil {
		log.Fatalf("Invalid network configuration: %v", err)
	}

	node := chain.NewNode(chain.Config{
		ChainID:       cfg.Ledger.ChainID,
		BlockInterval: cfg.Ledger.BlockInterval,
		MaxTxPerBlock: cfg.Ledger.MaxTxPerBlock,
		MempoolSize:   cfg.Ledger.MempoolSize,
	}, util.Component("node"))

	accounts := make([]*wallet.Account, 0, len(cfg.Client.KeyFiles))
	for _, path := range cfg.Client.KeyFiles {
		acct, err := wallet.LoadOrCreateAccount(path)
		if err != nil {
			log.Fatalf("Failed to load wallet key %s: %v", path, err)
		}
		if err := node.Fund(acct.Address(), cfg.Ledger.GenesisBalance); err != nil {
			log.Fatalf("Failed to fund %s: %v", acct.Address(), err)
		}
		logger.Info("Wallet account loaded",
			zap.String("address", acct.Address()),
			zap.String("key_file", path))
		accounts = append(accounts, acct)
	}

	// the wallet starts wherever it is configured; the guard moves it to target
	initial := target
	if cfg.Client.WalletChainID != target.ChainID {
		initial = network.Params{
			ChainID:   cfg.Client.WalletChainID,
			ChainName: "Wallet default",
			RPCURLs:   []string{"http://localhost:8545"},
			Currency:  network.Currency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		}
	}
	session := wallet.New(initial, accounts...)

	var tracker service.TxTracker = service.NewMemoryTracker()
	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TxTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		tracker = service.NewFallbackTracker(redisClient)
		log.Println("Redis connected")
	}

	var db *store.Store
	if cfg.Database.URL != "" {
		db, err = store.NewStore(cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := migrate(db, redisClient); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		if err := resetStaleProjection(db, node); err != nil {
			log.Fatalf("Failed to reset read model: %v", err)
		}
		log.Printf("Database connected: driver=%s", cfg.Database.Driver)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var stopWorker func() error
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger)
		defer producer.Close()
		node.OnCommit(broker.NewEventPublisher(producer).OnCommit)
		log.Println("Kafka producer initialized")

		if db != nil {
			consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger, cfg.Kafka.ConsumerGroup)
			projectionWorker := worker.NewProjectionWorker(consumer, service.NewProjector(db))
			go func() {
				if err := projectionWorker.Start(workerCtx); err != nil && err != context.Canceled {
					log.Printf("Projection worker error: %v", err)
				}
			}()
			stopWorker = projectionWorker.Stop
		}
	} else if db != nil {
		feedWorker := worker.NewFeedWorker(node, db, service.NewProjector(db))
		go func() {
			if err := feedWorker.Start(workerCtx); err != nil && err != context.Canceled {
				log.Printf("Feed worker error: %v", err)
			}
		}()
	}

	node.Start()
	defer node.Stop()

	client := service.NewMarketplaceClient(node, session, target,
		service.WithTracker(tracker),
		service.WithFinalityTimeout(cfg.Client.FinalityTimeout),
		service.WithLogger(util.Component("client")),
	)
	defer client.Disconnect()

	if conn, err := client.Connect(context.Background()); err != nil {
		logger.Warn("Initial connect failed, waiting for POST /api/v1/session", zap.Error(err))
	} else {
		logger.Info("Connected", zap.String("address", conn.Address), zap.String("chain_id", conn.ChainID))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := []api.HandlerOption{}
	if db != nil {
		opts = append(opts, api.WithJournal(db), api.WithReadinessCheck("database", db.Ping))
	}
	if redisClient != nil {
		opts = append(opts, api.WithReadinessCheck("redis", redisClient.Ping))
	}

	router := gin.Default()
	handler := api.NewHandler(client, node, target.Currency, opts...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if stopWorker != nil {
		stopWorker()
	}

	log.Println("Server exited")
}

// resetStaleProjection empties a journal left by an earlier ledger. The
// node's event log starts over on every run, so a journal ahead of it
// describes state the node no longer holds.
func resetStaleProjection(db *store.Store, node *chain.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	last, err := db.LastSequence(ctx)
	if err != nil {
		return err
	}
	if head := node.LastSequence(); last > head {
		util.GetLogger().Warn("Journal is ahead of the node, resetting read model",
			zap.Uint64("journal_sequence", last),
			zap.Uint64("node_sequence", head))
		return db.Reset(ctx)
	}
	return nil
}

// migrate applies the schema, holding a redis lock when several replicas
// share one database
func migrate(db *store.Store, rc *redisclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if rc == nil {
		return db.Migrate(ctx)
	}

	for {
		ok, err := rc.AcquireLock(ctx, migrateLock, time.Minute)
		if err != nil {
			return fmt.Errorf("failed to acquire migrate lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	defer rc.ReleaseLock(context.Background(), migrateLock)

	return db.Migrate(ctx)
}
