package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"questduel/internal/cache"
	"questduel/internal/config"
	"questduel/internal/engine"
	"questduel/internal/logger"
	"questduel/internal/metrics"
	"questduel/internal/mq"
	"questduel/internal/presence"
	"questduel/internal/repository"
	"questduel/internal/service"
	"questduel/internal/transport/rest"
	"questduel/internal/transport/ws"
)

func main() {
	log := logger.NewLogger("questduel")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Failed to read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}
	log = &logger.Logger{Entry: log.WithField("instance_id", cfg.Server.InstanceID)}

	ctx := context.Background()

	// MongoDB connection
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer mongoClient.Disconnect(context.Background())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		log.WithError(err).Fatal("Failed to ping MongoDB")
	}
	log.Info("Connected to MongoDB")

	db := mongoClient.Database(cfg.Mongo.Database)
	if err := repository.EnsureMatchIndexes(ctx, db); err != nil {
		log.WithError(err).Fatal("Failed to create match indexes")
	}

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	log.Info("Connected to Redis")

	// Reward queue is optional; without it rewards are only logged
	var publisher service.RewardPublisher
	if cfg.AMQP.URL != "" {
		producer, err := mq.NewRewardPublisher(cfg.AMQP.URL, cfg.AMQP.RewardQueue)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to reward queue")
		}
		defer producer.Close()
		publisher = producer
		log.WithField("queue", cfg.AMQP.RewardQueue).Info("Connected to reward queue")
	} else {
		log.Warn("AMQP_URL not set, reward events will not be delivered")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	clock := clockwork.NewRealClock()

	// Repositories and caches
	matchRepo := repository.NewMatchRepo(db)
	profileRepo := repository.NewProfileRepo(db)
	questionRepo := repository.NewQuestionRepo(db)
	locks := cache.NewMatchLockCache(rdb, cfg.Redis.MatchTTL)
	profileCache := cache.NewProfileCache(rdb, cfg.Redis.ProfileTTL)
	channel := presence.NewRedisChannel(rdb, log)
	defer channel.Close()

	// Services
	authSvc := service.NewAuthService(cfg.Auth.JWTSecret, clock)
	profileSvc := service.NewProfileService(profileRepo, profileCache, log)
	creator := service.NewMatchCreator(locks, matchRepo, clock, log, m)
	rewardSvc := service.NewRewardService(publisher, clock, log)
	bots := engine.NewBotAgent(engine.BotConfig{
		BaseAccuracy:       cfg.Bot.BaseAccuracy,
		AccuracyMultiplier: cfg.Bot.AccuracyMultiplier,
		RatingScaleFactor:  cfg.Bot.RatingScaleFactor,
	}, rand.New(rand.NewSource(clock.Now().UnixNano())))

	battleSvc := service.NewBattleService(questionRepo, profileSvc, creator, matchRepo, rewardSvc, bots, clock,
		service.BattleServiceConfig{
			Battle:       battleConfig(cfg),
			BotRating:    cfg.Bot.Rating,
			BotLevel:     cfg.Bot.Level,
			RetryBackoff: 500 * time.Millisecond,
		}, log, m)

	queueSvc := service.NewQueueService(channel, creator, profileSvc, clock, service.QueueConfig{
		Rules: engine.MatchRules{
			BaseTolerance:           cfg.Matchmaking.BaseTolerance,
			ToleranceGrowthInterval: cfg.Matchmaking.ToleranceGrowthInterval,
			ToleranceGrowthStep:     cfg.Matchmaking.ToleranceGrowthStep,
		},
		SearchTimeout:  cfg.Matchmaking.SearchTimeout,
		ResyncInterval: cfg.Matchmaking.ResyncInterval,
		InstanceID:     cfg.Server.InstanceID,
	}, log, m)
	queueSvc.SetMatchHandler(battleSvc.StartMatch)

	// Transport
	hub := ws.NewHub(log)
	relay := service.NewRelay(channel, hub, battleSvc, creator, log)
	battleSvc.SetBroadcaster(relay)

	if err := relay.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start relay")
	}
	if err := queueSvc.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start matchmaking queue")
	}

	wsHandler := ws.NewHandler(hub, authSvc, queueSvc, battleSvc, relay, profileSvc, cfg.Server.AllowedOrigins, log)
	router := rest.NewRouter(&rest.Container{
		AuthService:    authSvc,
		History:        matchRepo,
		Profiles:       profileSvc,
		Activity:       creator,
		WSHandler:      wsHandler,
		Metrics:        m,
		Gatherer:       reg,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.HTTPPort).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	queueSvc.Stop(shutdownCtx)
	if err := battleSvc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Battles still persisting at shutdown")
	}
	relay.Stop()
	hub.Stop()

	log.Info("Server exited")
}

func battleConfig(cfg *config.Config) service.BattleConfig {
	return service.BattleConfig{
		QuestionsPerBattle: cfg.Battle.QuestionsPerBattle,
		TimePerQuestion:    cfg.Battle.TimePerQuestion,
		RevealDelay:        cfg.Battle.RevealDelay,
		Round: engine.RoundRules{
			MaxHealth:     cfg.Battle.MaxHealth,
			MinimumDamage: cfg.Battle.MinimumDamage,
			MutualPenalty: cfg.Battle.MutualPenalty,
		},
		Rewards: engine.RewardRules{
			WinXP:            cfg.Rewards.WinXP,
			DrawXP:           cfg.Rewards.DrawXP,
			LossXP:           cfg.Rewards.LossXP,
			XPPerCorrect:     cfg.Rewards.XPPerCorrect,
			TimeBonusDivisor: cfg.Rewards.TimeBonusDivisor,
			StreakCap:        cfg.Rewards.StreakCap,
			XPPerStreakDay:   cfg.Rewards.XPPerStreakDay,
			WinCoins:         cfg.Rewards.WinCoins,
			DrawCoins:        cfg.Rewards.DrawCoins,
			LossCoins:        cfg.Rewards.LossCoins,
		},
	}
}
