package main

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"

	"github.com/GPE-Sistemas/tripero-sub000/app/trip-tracker/tracker"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
	"github.com/GPE-Sistemas/tripero-sub000/foundation/database"
	"github.com/GPE-Sistemas/tripero-sub000/foundation/hotstate"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "TRIP_TRACKER : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,noprint"`
			Host         string `conf:"default:0.0.0.0"`
			Name         string `conf:"default:postgres"`
			DisableTLS   bool   `conf:"default:true"`
			MaxOpenConns int    `conf:"default:20"`
		}
		Redis struct {
			Host     string `conf:"default:0.0.0.0"`
			Port     int    `conf:"default:6379"`
			Password string `conf:"default:,noprint"`
			DB       int    `conf:"default:0"`
			PoolSize int    `conf:"default:50"`
		}
		Bus struct {
			URL       string `conf:"default:nats://0.0.0.0:4222"`
			KeyPrefix string `conf:"default:"`
			Queue     string `conf:"default:trip-tracker"`
		}
		Tracker struct {
			PositionMaxAgeHours int `conf:"default:24"`
			StateTTLHours       int `conf:"default:168"`
		}
		Detection detection.DetectionConfig
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Derive trips, stops and odometers from tracker position streams"
	const prefix = "TRACKER"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		DisableTLS:   cfg.DB.DisableTLS,
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		if err := db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// =========================================================================
	// Start Hot State Store

	log.Println("main: Initializing hot state store")

	redisClient, err := hotstate.Open(context.Background(), hotstate.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		log.Println("main: Hot state store stopping")
		if err := redisClient.Close(); err != nil {
			log.Printf("main: error closing redis: %v", err)
		}
	}()

	// =========================================================================
	// Start Bus
	// publishing and subscribing use separate connections

	log.Println("main: Connecting to bus")

	pubConn, err := tracker.ConnectBus(log, cfg.Bus.URL, "trip-tracker-pub")
	if err != nil {
		return err
	}
	defer pubConn.Close()

	subConn, err := tracker.ConnectBus(log, cfg.Bus.URL, "trip-tracker-sub")
	if err != nil {
		return err
	}
	defer subConn.Close()

	// =========================================================================
	// Wire the pipeline

	stateTTL := time.Duration(cfg.Tracker.StateTTLHours) * time.Hour
	store := detection.NewStateStore(redisClient, db, cfg.Bus.KeyPrefix, stateTTL)
	publisher := tracker.NewPublisher(log, pubConn, cfg.Bus.KeyPrefix)
	trackerService := tracker.NewTrackerStateService(log, store)

	sampleDispatcher := tracker.NewDispatcher(log, "sample")
	persistDispatcher := tracker.NewDispatcher(log, "persist")

	writer := tracker.NewPersistenceWriter(log, db, persistDispatcher, cfg.Bus.KeyPrefix)
	if err := writer.StartupSweep(); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}

	processor := tracker.NewProcessor(log, cfg.Detection, store, trackerService, publisher, writer)
	listener := tracker.NewPositionListener(log, publisher, sampleDispatcher, processor,
		cfg.Bus.KeyPrefix, time.Duration(cfg.Tracker.PositionMaxAgeHours)*time.Hour)
	reaper := tracker.NewOrphanReaper(log, db, store, cfg.Detection.OrphanTripTimeout)

	// =========================================================================
	// Run

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go sampleDispatcher.RunSweeper(done)
	go sampleDispatcher.RunMetricsLogger(done)
	go persistDispatcher.RunSweeper(done)
	go persistDispatcher.RunMetricsLogger(done)
	go reaper.Run(done)

	listenerErr := make(chan error, 2)
	go func() {
		listenerErr <- listener.Run(subConn, cfg.Bus.Queue, done)
	}()
	go func() {
		listenerErr <- writer.Run(subConn, cfg.Bus.Queue, done)
	}()

	select {
	case sig := <-shutdown:
		log.Printf("main: shutdown signal %v", sig)
	case err := <-listenerErr:
		if err != nil {
			close(done)
			return fmt.Errorf("listener failure: %w", err)
		}
	}

	close(done)
	sampleDispatcher.Drain()
	persistDispatcher.Drain()
	return nil
}
