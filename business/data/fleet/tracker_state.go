package fleet

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// PowerType describes how a tracker is believed to be powered. A tracker
// wired to the ignition line goes dark overnight, one on permanent power
// keeps reporting while parked.
type PowerType string

const (
	PowerTypePermanent PowerType = "permanent"
	PowerTypeSwitched  PowerType = "switched"
	PowerTypeUnknown   PowerType = "unknown"
)

// TrackerState is the durable per-device record: cumulative odometer, last
// known position and lifetime counters. The hot store keeps a json mirror of
// this row, the database copy is the system of record.
type TrackerState struct {
	DeviceId string `db:"device_id" json:"deviceId"`
	//TotalOdometer is the GPS-derived cumulative distance in meters, never decreases
	TotalOdometer float64 `db:"total_odometer" json:"totalOdometer"`
	//OdometerOffset is the operator-applied delta so the displayed value can
	//match a dashboard without touching the accumulator
	OdometerOffset float64 `db:"odometer_offset" json:"odometerOffset"`
	//TripOdometerStart is the odometer snapshot taken when the active trip
	//opened, nil when no trip is active
	TripOdometerStart *float64 `db:"trip_odometer_start" json:"tripOdometerStart,omitempty"`

	LastLat       float64   `db:"last_lat" json:"lastLat"`
	LastLon       float64   `db:"last_lon" json:"lastLon"`
	LastSpeed     float64   `db:"last_speed" json:"lastSpeed"`
	LastIgnition  bool      `db:"last_ignition" json:"lastIgnition"`
	LastTimestamp time.Time `db:"last_timestamp" json:"lastTimestamp"`

	TotalTripsCount  int   `db:"total_trips_count" json:"totalTripsCount"`
	TotalDrivingTime int64 `db:"total_driving_time" json:"totalDrivingTime"`
	TotalIdleTime    int64 `db:"total_idle_time" json:"totalIdleTime"`
	TotalStopsCount  int   `db:"total_stops_count" json:"totalStopsCount"`

	FirstSeenAt time.Time `db:"first_seen_at" json:"firstSeenAt"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"lastSeenAt"`

	OvernightGapCount int        `db:"overnight_gap_count" json:"overnightGapCount"`
	LastOvernightGapAt *time.Time `db:"last_overnight_gap_at" json:"lastOvernightGapAt,omitempty"`
	PowerType          PowerType  `db:"power_type" json:"powerType"`

	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// DisplayOdometer is the operator-facing odometer value in meters.
func (ts *TrackerState) DisplayOdometer() float64 {
	return ts.TotalOdometer + ts.OdometerOffset
}

// GetTrackerState retrieves the tracker state row for a device, returns nil
// if the device has never been seen.
func GetTrackerState(deviceId string, db *sqlx.DB) (*TrackerState, error) {
	query := db.Rebind("select * from tracker_state where device_id = ?")
	states := make([]TrackerState, 0)
	err := db.Select(&states, query, deviceId)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// UpsertTrackerState writes the tracker state row, inserting on first sight.
func UpsertTrackerState(state *TrackerState, db *sqlx.DB) error {
	state.UpdatedAt = time.Now()

	statementString := "insert into tracker_state " +
		"(device_id, " +
		"total_odometer, " +
		"odometer_offset, " +
		"trip_odometer_start, " +
		"last_lat, " +
		"last_lon, " +
		"last_speed, " +
		"last_ignition, " +
		"last_timestamp, " +
		"total_trips_count, " +
		"total_driving_time, " +
		"total_idle_time, " +
		"total_stops_count, " +
		"first_seen_at, " +
		"last_seen_at, " +
		"overnight_gap_count, " +
		"last_overnight_gap_at, " +
		"power_type, " +
		"updated_at) " +
		"values " +
		"(:device_id, " +
		":total_odometer, " +
		":odometer_offset, " +
		":trip_odometer_start, " +
		":last_lat, " +
		":last_lon, " +
		":last_speed, " +
		":last_ignition, " +
		":last_timestamp, " +
		":total_trips_count, " +
		":total_driving_time, " +
		":total_idle_time, " +
		":total_stops_count, " +
		":first_seen_at, " +
		":last_seen_at, " +
		":overnight_gap_count, " +
		":last_overnight_gap_at, " +
		":power_type, " +
		":updated_at) " +
		//odometer_offset is deliberately absent from the update set, only
		//SetOdometerOffset writes it after first insert
		"on conflict (device_id) do update set " +
		"total_odometer = excluded.total_odometer, " +
		"trip_odometer_start = excluded.trip_odometer_start, " +
		"last_lat = excluded.last_lat, " +
		"last_lon = excluded.last_lon, " +
		"last_speed = excluded.last_speed, " +
		"last_ignition = excluded.last_ignition, " +
		"last_timestamp = excluded.last_timestamp, " +
		"total_trips_count = excluded.total_trips_count, " +
		"total_driving_time = excluded.total_driving_time, " +
		"total_idle_time = excluded.total_idle_time, " +
		"total_stops_count = excluded.total_stops_count, " +
		"last_seen_at = excluded.last_seen_at, " +
		"overnight_gap_count = excluded.overnight_gap_count, " +
		"last_overnight_gap_at = excluded.last_overnight_gap_at, " +
		"power_type = excluded.power_type, " +
		"updated_at = excluded.updated_at"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, state)
	return err
}

// SetOdometerOffset persists a new operator offset for a device.
func SetOdometerOffset(deviceId string, offset float64, db *sqlx.DB) error {
	query := db.Rebind("update tracker_state set odometer_offset = ?, updated_at = ? where device_id = ?")
	_, err := db.Exec(query, offset, time.Now(), deviceId)
	return err
}
