// Package fleet contains the persistent records derived from tracker
// position streams: trips, stops and per-device tracker state.
package fleet

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Metadata is the opaque key/value bag forwarded verbatim from position
// samples onto the trips and stops derived from them. It is stored as jsonb
// and must never influence detection logic.
type Metadata map[string]interface{}

// Value implements driver.Valuer, marshaling the bag to jsonb.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner, unmarshaling jsonb into the bag.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

//historyWindowArgs builds the shared where clause of the trip and stop
//history queries: a device's rows with start_time inside [from, to],
//optionally narrowed by top-level metadata keys. Keys are sorted so the
//generated statement is stable.
func historyWindowArgs(deviceId string,
	from time.Time,
	to time.Time,
	metaFilters map[string]string) (string, map[string]interface{}) {

	clause := "device_id = :device_id and start_time >= :from_time and start_time <= :to_time"
	args := map[string]interface{}{
		"device_id": deviceId,
		"from_time": from,
		"to_time":   to,
	}
	keys := make([]string, 0, len(metaFilters))
	for key := range metaFilters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keyParam := fmt.Sprintf("meta_key_%d", i)
		valueParam := fmt.Sprintf("meta_val_%d", i)
		clause += fmt.Sprintf(" and metadata ->> :%s = :%s", keyParam, valueParam)
		args[keyParam] = key
		args[valueParam] = metaFilters[key]
	}
	return clause, args
}

//orphanCloseFields computes the closing fields of an abandoned row: end time
//is the row's last heartbeat, duration is clamped at zero for rows whose
//clock ran backwards, and the metadata copy carries the closer's reason.
func orphanCloseFields(startTime time.Time,
	updatedAt time.Time,
	meta Metadata,
	closedBy string) (time.Time, int64, Metadata) {

	endTime := updatedAt
	duration := int64(endTime.Sub(startTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	annotated := meta.Copy()
	if annotated == nil {
		annotated = Metadata{}
	}
	annotated["closedBy"] = closedBy
	return endTime, duration, annotated
}

// Copy returns a shallow copy so callers can annotate without aliasing.
func (m Metadata) Copy() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
