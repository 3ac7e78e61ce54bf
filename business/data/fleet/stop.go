package fleet

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GPE-Sistemas/tripero-sub000/foundation/database"
)

// StopReason classifies why a vehicle is considered stopped.
type StopReason string

const (
	StopReasonIgnitionOff StopReason = "ignition_off"
	StopReasonNoMovement  StopReason = "no_movement"
	StopReasonParking     StopReason = "parking"
)

// Stop is a persistent record of one contiguous non-moving period. TripId is
// set when the stop happened inside a trip, null for standalone parking.
type Stop struct {
	StopId          string     `db:"stop_id" json:"stopId"`
	TripId          *string    `db:"trip_id" json:"tripId,omitempty"`
	DeviceId        string     `db:"device_id" json:"deviceId"`
	StartTime       time.Time  `db:"start_time" json:"startTime"`
	EndTime         *time.Time `db:"end_time" json:"endTime,omitempty"`
	DurationSeconds int64      `db:"duration_seconds" json:"durationSeconds"`
	Lat             float64    `db:"lat" json:"lat"`
	Lon             float64    `db:"lon" json:"lon"`
	Reason          StopReason `db:"reason" json:"reason"`
	IsActive        bool       `db:"is_active" json:"isActive"`
	//StartOdometer and EndOdometer are odometer snapshots in meters, they
	//expose movement that happened while the vehicle was nominally stopped
	StartOdometer *float64  `db:"start_odometer" json:"startOdometer,omitempty"`
	EndOdometer   *float64  `db:"end_odometer" json:"endOdometer,omitempty"`
	Metadata      Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// RecordStopStart inserts an active stop row.
func RecordStopStart(stop *Stop, db *sqlx.DB) error {
	now := time.Now()
	stop.CreatedAt = now
	stop.UpdatedAt = now
	stop.IsActive = true

	statementString := "insert into stops " +
		"(stop_id, " +
		"trip_id, " +
		"device_id, " +
		"start_time, " +
		"duration_seconds, " +
		"lat, " +
		"lon, " +
		"reason, " +
		"is_active, " +
		"start_odometer, " +
		"metadata, " +
		"created_at, " +
		"updated_at) " +
		"values " +
		"(:stop_id, " +
		":trip_id, " +
		":device_id, " +
		":start_time, " +
		":duration_seconds, " +
		":lat, " +
		":lon, " +
		":reason, " +
		":is_active, " +
		":start_odometer, " +
		":metadata, " +
		":created_at, " +
		":updated_at)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, stop)
	return err
}

// GetStop retrieves a stop row by its id, returns nil if not present.
func GetStop(stopId string, db *sqlx.DB) (*Stop, error) {
	query := db.Rebind("select * from stops where stop_id = ?")
	stops := make([]Stop, 0)
	err := db.Select(&stops, query, stopId)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, nil
	}
	return &stops[0], nil
}

// CompleteStop finalizes the stop row with its end fields.
func CompleteStop(stop *Stop, db *sqlx.DB) error {
	stop.UpdatedAt = time.Now()
	stop.IsActive = false

	statementString := "update stops set " +
		"end_time = :end_time, " +
		"duration_seconds = :duration_seconds, " +
		"is_active = false, " +
		"end_odometer = :end_odometer, " +
		"metadata = :metadata, " +
		"updated_at = :updated_at " +
		"where stop_id = :stop_id and device_id = :device_id"
	statementString = db.Rebind(statementString)
	result, err := db.NamedExec(statementString, stop)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no active stop %s owned by device %s", stop.StopId, stop.DeviceId)
	}
	return nil
}

// StopsForDevice returns stops for a device whose start_time falls inside
// [from, to], newest first. metaFilters restricts on top-level metadata keys.
func StopsForDevice(deviceId string,
	from time.Time,
	to time.Time,
	metaFilters map[string]string,
	db *sqlx.DB) ([]Stop, error) {

	clause, argMap := historyWindowArgs(deviceId, from, to, metaFilters)
	statementString := "select * from stops where " + clause + " order by start_time desc"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, argMap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stops := make([]Stop, 0)
	for rows.Next() {
		var stop Stop
		if err = rows.StructScan(&stop); err != nil {
			return nil, err
		}
		stops = append(stops, stop)
	}
	return stops, rows.Err()
}

// ActiveStopsOlderThan returns active stops whose updated_at is older than
// the cutoff. Used by the orphan reaper.
func ActiveStopsOlderThan(cutoff time.Time, db *sqlx.DB) ([]Stop, error) {
	query := db.Rebind("select * from stops where is_active and updated_at < ?")
	stops := make([]Stop, 0)
	err := db.Select(&stops, query, cutoff)
	if err != nil {
		return nil, err
	}
	return stops, nil
}

// CloseOrphanStop closes an abandoned active stop in place, mirroring
// CloseOrphanTrip.
func CloseOrphanStop(stop *Stop, closedBy string, db *sqlx.DB) error {
	endTime, duration, meta := orphanCloseFields(stop.StartTime, stop.UpdatedAt, stop.Metadata, closedBy)

	query := db.Rebind("update stops set " +
		"is_active = false, " +
		"end_time = ?, " +
		"duration_seconds = ?, " +
		"metadata = ?, " +
		"updated_at = ? " +
		"where stop_id = ? and is_active")
	_, err := db.Exec(query, endTime, duration, meta, time.Now(), stop.StopId)
	return err
}
