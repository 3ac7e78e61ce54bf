package fleet

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GPE-Sistemas/tripero-sub000/foundation/database"
)

// Trip is a persistent record of one period of vehicle movement.
// Rows are inserted when movement is detected and finalized when the vehicle
// comes to a qualifying stop. While a trip is open IsActive is true and the
// end fields are null.
type Trip struct {
	TripId    string     `db:"trip_id" json:"tripId"`
	DeviceId  string     `db:"device_id" json:"deviceId"`
	StartTime time.Time  `db:"start_time" json:"startTime"`
	EndTime   *time.Time `db:"end_time" json:"endTime,omitempty"`
	StartLat  float64    `db:"start_lat" json:"startLat"`
	StartLon  float64    `db:"start_lon" json:"startLon"`
	EndLat    *float64   `db:"end_lat" json:"endLat,omitempty"`
	EndLon    *float64   `db:"end_lon" json:"endLon,omitempty"`
	//Distance is the final noise-filtered distance in meters
	Distance float64 `db:"distance" json:"distance"`
	//DurationSeconds is EndTime minus StartTime in seconds
	DurationSeconds int64   `db:"duration_seconds" json:"durationSeconds"`
	MaxSpeed        float64 `db:"max_speed" json:"maxSpeed"`
	AvgSpeed        float64 `db:"avg_speed" json:"avgSpeed"`
	StopCount       int     `db:"stop_count" json:"stopCount"`
	IsActive        bool    `db:"is_active" json:"isActive"`
	//DetectionMethod is "ignition" or "motion" depending on what opened the trip
	DetectionMethod string `db:"detection_method" json:"detectionMethod"`

	//quality block, set at completion
	OriginalDistance      *float64 `db:"original_distance" json:"originalDistance,omitempty"`
	LinearDistance        *float64 `db:"linear_distance" json:"linearDistance,omitempty"`
	RouteLinearRatio      *float64 `db:"route_linear_ratio" json:"routeLinearRatio,omitempty"`
	OperationAreaDiameter *float64 `db:"operation_area_diameter" json:"operationAreaDiameter,omitempty"`
	QualityFlag           *string  `db:"quality_flag" json:"qualityFlag,omitempty"`

	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// RecordTripStart inserts an active trip row.
func RecordTripStart(trip *Trip, db *sqlx.DB) error {
	now := time.Now()
	trip.CreatedAt = now
	trip.UpdatedAt = now
	trip.IsActive = true

	statementString := "insert into trips " +
		"(trip_id, " +
		"device_id, " +
		"start_time, " +
		"start_lat, " +
		"start_lon, " +
		"distance, " +
		"duration_seconds, " +
		"max_speed, " +
		"avg_speed, " +
		"stop_count, " +
		"is_active, " +
		"detection_method, " +
		"metadata, " +
		"created_at, " +
		"updated_at) " +
		"values " +
		"(:trip_id, " +
		":device_id, " +
		":start_time, " +
		":start_lat, " +
		":start_lon, " +
		":distance, " +
		":duration_seconds, " +
		":max_speed, " +
		":avg_speed, " +
		":stop_count, " +
		":is_active, " +
		":detection_method, " +
		":metadata, " +
		":created_at, " +
		":updated_at)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, trip)
	return err
}

// GetTrip retrieves a trip row by its id, returns nil if not present.
func GetTrip(tripId string, db *sqlx.DB) (*Trip, error) {
	query := db.Rebind("select * from trips where trip_id = ?")
	trips := make([]Trip, 0)
	err := db.Select(&trips, query, tripId)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return &trips[0], nil
}

// CompleteTrip finalizes the trip row with end fields and the quality block.
// The trip's DeviceId must match the device that owns the row.
func CompleteTrip(trip *Trip, db *sqlx.DB) error {
	trip.UpdatedAt = time.Now()
	trip.IsActive = false

	statementString := "update trips set " +
		"end_time = :end_time, " +
		"end_lat = :end_lat, " +
		"end_lon = :end_lon, " +
		"distance = :distance, " +
		"duration_seconds = :duration_seconds, " +
		"max_speed = :max_speed, " +
		"avg_speed = :avg_speed, " +
		"stop_count = :stop_count, " +
		"is_active = false, " +
		"original_distance = :original_distance, " +
		"linear_distance = :linear_distance, " +
		"route_linear_ratio = :route_linear_ratio, " +
		"operation_area_diameter = :operation_area_diameter, " +
		"quality_flag = :quality_flag, " +
		"metadata = :metadata, " +
		"updated_at = :updated_at " +
		"where trip_id = :trip_id and device_id = :device_id"
	statementString = db.Rebind(statementString)
	result, err := db.NamedExec(statementString, trip)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no active trip %s owned by device %s", trip.TripId, trip.DeviceId)
	}
	return nil
}

// TouchTrip bumps updated_at on an active trip so the orphan reaper sees the
// device is alive.
func TouchTrip(tripId string, deviceId string, db *sqlx.DB) error {
	query := db.Rebind("update trips set updated_at = ? where trip_id = ? and device_id = ? and is_active")
	_, err := db.Exec(query, time.Now(), tripId, deviceId)
	return err
}

// TripsForDevice returns completed and active trips for a device whose
// start_time falls inside [from, to], newest first. metaFilters restricts on
// top-level metadata keys.
func TripsForDevice(deviceId string,
	from time.Time,
	to time.Time,
	metaFilters map[string]string,
	db *sqlx.DB) ([]Trip, error) {

	clause, argMap := historyWindowArgs(deviceId, from, to, metaFilters)
	statementString := "select * from trips where " + clause + " order by start_time desc"
	query, args, err := database.PrepareNamedQueryFromMap(statementString, db, argMap)
	if err != nil {
		return nil, err
	}

	trips := make([]Trip, 0)
	if err = db.Select(&trips, query, args...); err != nil {
		return nil, err
	}
	return trips, nil
}

// ActiveTripsOlderThan returns active trips whose updated_at is older than
// the cutoff. Used by the orphan reaper.
func ActiveTripsOlderThan(cutoff time.Time, db *sqlx.DB) ([]Trip, error) {
	query := db.Rebind("select * from trips where is_active and updated_at < ?")
	trips := make([]Trip, 0)
	err := db.Select(&trips, query, cutoff)
	if err != nil {
		return nil, err
	}
	return trips, nil
}

// CloseOrphanTrip closes an abandoned active trip in place. End time becomes
// the row's updated_at, duration is clamped at zero, and metadata is
// annotated with the closer's reason.
func CloseOrphanTrip(trip *Trip, closedBy string, db *sqlx.DB) error {
	endTime, duration, meta := orphanCloseFields(trip.StartTime, trip.UpdatedAt, trip.Metadata, closedBy)

	query := db.Rebind("update trips set " +
		"is_active = false, " +
		"end_time = ?, " +
		"duration_seconds = ?, " +
		"metadata = ?, " +
		"updated_at = ? " +
		"where trip_id = ? and is_active")
	_, err := db.Exec(query, endTime, duration, meta, time.Now(), trip.TripId)
	return err
}
