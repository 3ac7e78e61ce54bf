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

	"github.com/GPE-Sistemas/tripero-sub000/app/trip-api/tripapi"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
	"github.com/GPE-Sistemas/tripero-sub000/foundation/database"
	"github.com/GPE-Sistemas/tripero-sub000/foundation/hotstate"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "TRIP_API : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		Web  struct {
			HTTPPort int `conf:"default:8123"`
		}
		DB struct {
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
			KeyPrefix string `conf:"default:"`
		}
		Tracker struct {
			StateTTLHours int `conf:"default:168"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Read api over tracker trips, stops and odometers"
	const prefix = "TRIPAPI"
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

	stateTTL := time.Duration(cfg.Tracker.StateTTLHours) * time.Hour
	store := detection.NewStateStore(redisClient, db, cfg.Bus.KeyPrefix, stateTTL)

	// =========================================================================
	// Run

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	tripapi.StartService(log, db, redisClient, store, cfg.Web.HTTPPort, shutdown)
	return nil
}
