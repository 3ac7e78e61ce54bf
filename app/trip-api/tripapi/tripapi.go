package tripapi

import (
	"context"
	logger "log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//StartService brings up the tracker api web service. Exits on shutdown signal.
func StartService(log *logger.Logger,
	db *sqlx.DB,
	redisClient *redis.Client,
	store detection.StateStore,
	httpPort int,
	shutdownSignal chan os.Signal) {

	wg := sync.WaitGroup{}
	webServiceShutdown := make(chan bool, 1)

	go runWebService(log, &wg, db, redisClient, store, httpPort, webServiceShutdown)

	<-shutdownSignal
	log.Printf("Exiting on shutdown signal, shutting down web service")
	webServiceShutdown <- true
	wg.Wait()
	log.Printf("Web service shut down, exiting tracker api")
}

//runWebService starts up the tracker api server, and terminates on shutdown signal
func runWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	db *sqlx.DB,
	redisClient *redis.Client,
	store detection.StateStore,
	httpPort int,
	shutdownSignal chan bool) {

	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, db, redisClient, store, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending web service on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down web service, error:%s", err)
	}
}
