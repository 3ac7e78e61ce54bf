package tracker

import (
	"context"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//reapInterval is how often the orphan reaper runs after its initial pass
const reapInterval = time.Hour

//orphanCleanupReason annotates rows closed by the reaper
const orphanCleanupReason = "orphan_cleanup"

// OrphanReaper closes trips and stops abandoned by devices that went silent
// and evicts their hot state so the next sample starts fresh.
type OrphanReaper struct {
	log   *log.Logger
	db    *sqlx.DB
	store detection.StateStore
	//timeout is how long a device may stay silent before its active trip
	//and stop are considered orphaned
	timeout time.Duration
}

// NewOrphanReaper builds the reaper.
func NewOrphanReaper(log *log.Logger, db *sqlx.DB, store detection.StateStore, timeoutSeconds int64) *OrphanReaper {
	return &OrphanReaper{
		log:     log,
		db:      db,
		store:   store,
		timeout: time.Duration(timeoutSeconds) * time.Second,
	}
}

// Run performs one pass immediately and then one per hour until the
// shutdown channel closes.
func (r *OrphanReaper) Run(shutdown chan struct{}) {
	r.reap()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			r.log.Printf("orphan reaper exiting on shutdown signal")
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

//reap is one full pass over database rows and hot state
func (r *OrphanReaper) reap() {
	cutoff := time.Now().Add(-r.timeout)
	closedTrips := r.reapTrips(cutoff)
	closedStops := r.reapStops(cutoff)
	evicted := r.evictStaleDeviceState()
	if closedTrips > 0 || closedStops > 0 || evicted > 0 {
		r.log.Printf("orphan reaper closed %d trips, %d stops, evicted %d device states",
			closedTrips, closedStops, evicted)
	}
}

func (r *OrphanReaper) reapTrips(cutoff time.Time) int {
	trips, err := fleet.ActiveTripsOlderThan(cutoff, r.db)
	if err != nil {
		r.log.Printf("orphan reaper loading trips: %v", err)
		return 0
	}
	closed := 0
	for i := range trips {
		if err = fleet.CloseOrphanTrip(&trips[i], orphanCleanupReason, r.db); err != nil {
			r.log.Printf("orphan reaper closing trip %s: %v", trips[i].TripId, err)
			continue
		}
		closed++
	}
	return closed
}

func (r *OrphanReaper) reapStops(cutoff time.Time) int {
	stops, err := fleet.ActiveStopsOlderThan(cutoff, r.db)
	if err != nil {
		r.log.Printf("orphan reaper loading stops: %v", err)
		return 0
	}
	closed := 0
	for i := range stops {
		if err = fleet.CloseOrphanStop(&stops[i], orphanCleanupReason, r.db); err != nil {
			r.log.Printf("orphan reaper closing stop %s: %v", stops[i].StopId, err)
			continue
		}
		closed++
	}
	return closed
}

//evictStaleDeviceState deletes hot motion state for devices that still show
//an active trip but have not reported inside the timeout
func (r *OrphanReaper) evictStaleDeviceState() int {
	ctx := context.Background()
	deviceIds, err := r.store.DeviceIds(ctx)
	if err != nil {
		r.log.Printf("orphan reaper scanning device states: %v", err)
		return 0
	}

	cutoffMs := time.Now().Add(-r.timeout).UnixMilli()
	evicted := 0
	for _, deviceId := range deviceIds {
		ds, err := r.store.DeviceState(ctx, deviceId)
		if err != nil {
			r.log.Printf("orphan reaper reading device %s: %v", deviceId, err)
			continue
		}
		if ds == nil || ds.Trip == nil || ds.LastTimestamp >= cutoffMs {
			continue
		}
		if err = r.store.DeleteDeviceState(ctx, deviceId); err != nil {
			r.log.Printf("orphan reaper evicting device %s: %v", deviceId, err)
			continue
		}
		evicted++
	}
	return evicted
}
