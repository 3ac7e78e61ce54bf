package tripapi

import (
	"encoding/json"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
	"github.com/GPE-Sistemas/tripero-sub000/foundation/hotstate"
)

const (
	//onlineWindow is how recently a tracker must have reported to be "online"
	onlineWindow = 5 * time.Minute
	//staleWindow is how long before a silent tracker goes from "stale" to "offline"
	staleWindow = 24 * time.Hour
	//defaultHistoryRange bounds history queries when the caller gives no "from"
	defaultHistoryRange = 7 * 24 * time.Hour
)

//trackerApiHandler holds what the tracker endpoints need to respond
type trackerApiHandler struct {
	log   *logger.Logger
	db    *sqlx.DB
	redis *redis.Client
	store detection.StateStore
}

//makeTrackerApiHandler factory
func makeTrackerApiHandler(log *logger.Logger,
	db *sqlx.DB,
	redisClient *redis.Client,
	store detection.StateStore) *trackerApiHandler {
	return &trackerApiHandler{
		log:   log,
		db:    db,
		redis: redisClient,
		store: store,
	}
}

//OdometerResponse is the odometer block of a status response
type OdometerResponse struct {
	Total         float64  `json:"total"`
	TotalKm       float64  `json:"totalKm"`
	Display       float64  `json:"display"`
	DisplayKm     float64  `json:"displayKm"`
	Offset        float64  `json:"offset"`
	CurrentTrip   *float64 `json:"currentTrip,omitempty"`
	CurrentTripKm *float64 `json:"currentTripKm,omitempty"`
}

//AggregatesResponse is the lifetime counter block of a status response
type AggregatesResponse struct {
	TotalTripsCount  int   `json:"totalTripsCount"`
	TotalStopsCount  int   `json:"totalStopsCount"`
	TotalDrivingTime int64 `json:"totalDrivingTime"`
	TotalIdleTime    int64 `json:"totalIdleTime"`
}

//PowerResponse is the power diagnostic block of a status response
type PowerResponse struct {
	PowerType          fleet.PowerType `json:"powerType"`
	OvernightGapCount  int             `json:"overnightGapCount"`
	LastOvernightGapAt *time.Time      `json:"lastOvernightGapAt,omitempty"`
}

//LastPositionResponse is the last known position block of a status response
type LastPositionResponse struct {
	Location  detection.GeoPoint `json:"location"`
	Speed     float64            `json:"speed"`
	Ignition  bool               `json:"ignition"`
	Timestamp time.Time          `json:"timestamp"`
}

//StatusResponse is the full payload of the status endpoint
type StatusResponse struct {
	DeviceId      string                `json:"deviceId"`
	State         detection.MotionState `json:"state"`
	StateSince    *time.Time            `json:"stateSince,omitempty"`
	Health        string                `json:"health"`
	CurrentTripId *string               `json:"currentTripId,omitempty"`
	Odometer      OdometerResponse      `json:"odometer"`
	Aggregates    AggregatesResponse    `json:"aggregates"`
	Power         PowerResponse         `json:"power"`
	LastPosition  *LastPositionResponse `json:"lastPosition,omitempty"`
	FirstSeenAt   time.Time             `json:"firstSeenAt"`
	LastSeenAt    time.Time             `json:"lastSeenAt"`
}

//getStatus serves GET /api/trackers/{deviceID}/status
func (h *trackerApiHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	deviceId := mux.Vars(r)["deviceID"]

	trackerState, err := h.store.TrackerState(r.Context(), deviceId)
	if err != nil {
		h.log.Printf("loading tracker state for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	if trackerState == nil {
		http.Error(w, "unknown tracker", http.StatusNotFound)
		return
	}

	ds, err := h.store.DeviceState(r.Context(), deviceId)
	if err != nil {
		h.log.Printf("loading motion state for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}

	response := StatusResponse{
		DeviceId: deviceId,
		State:    detection.StateUnknown,
		Health:   healthFor(time.Now(), trackerState.LastSeenAt),
		Odometer: OdometerResponse{
			Total:     trackerState.TotalOdometer,
			TotalKm:   trackerState.TotalOdometer / 1000,
			Display:   trackerState.DisplayOdometer(),
			DisplayKm: trackerState.DisplayOdometer() / 1000,
			Offset:    trackerState.OdometerOffset,
		},
		Aggregates: AggregatesResponse{
			TotalTripsCount:  trackerState.TotalTripsCount,
			TotalStopsCount:  trackerState.TotalStopsCount,
			TotalDrivingTime: trackerState.TotalDrivingTime,
			TotalIdleTime:    trackerState.TotalIdleTime,
		},
		Power: PowerResponse{
			PowerType:          trackerState.PowerType,
			OvernightGapCount:  trackerState.OvernightGapCount,
			LastOvernightGapAt: trackerState.LastOvernightGapAt,
		},
		FirstSeenAt: trackerState.FirstSeenAt,
		LastSeenAt:  trackerState.LastSeenAt,
	}

	if !trackerState.LastTimestamp.IsZero() {
		response.LastPosition = &LastPositionResponse{
			Location:  detection.NewGeoPoint(trackerState.LastLat, trackerState.LastLon),
			Speed:     trackerState.LastSpeed,
			Ignition:  trackerState.LastIgnition,
			Timestamp: trackerState.LastTimestamp,
		}
	}

	if ds != nil {
		response.State = ds.State
		stateSince := time.UnixMilli(ds.StateSince)
		response.StateSince = &stateSince
		if ds.Trip != nil {
			tripId := ds.Trip.TripId
			response.CurrentTripId = &tripId
			if trackerState.TripOdometerStart != nil {
				tripMeters := trackerState.TotalOdometer - *trackerState.TripOdometerStart
				tripKm := tripMeters / 1000
				response.Odometer.CurrentTrip = &tripMeters
				response.Odometer.CurrentTripKm = &tripKm
			}
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

//healthFor classifies a tracker by how recently it reported
func healthFor(now time.Time, lastSeenAt time.Time) string {
	silence := now.Sub(lastSeenAt)
	switch {
	case silence <= onlineWindow:
		return "online"
	case silence <= staleWindow:
		return "stale"
	default:
		return "offline"
	}
}

//TripsResponse wraps a trip history query result
type TripsResponse struct {
	DeviceId string       `json:"deviceId"`
	From     time.Time    `json:"from"`
	To       time.Time    `json:"to"`
	Count    int          `json:"count"`
	Trips    []fleet.Trip `json:"trips"`
}

//getTrips serves GET /api/trackers/{deviceID}/trips
func (h *trackerApiHandler) getTrips(w http.ResponseWriter, r *http.Request) {
	deviceId := mux.Vars(r)["deviceID"]
	from, to, metaFilters, errMsg := parseHistoryQuery(r)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	trips, err := fleet.TripsForDevice(deviceId, from, to, metaFilters, h.db)
	if err != nil {
		h.log.Printf("querying trips for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, TripsResponse{
		DeviceId: deviceId,
		From:     from,
		To:       to,
		Count:    len(trips),
		Trips:    trips,
	})
}

//StopsResponse wraps a stop history query result
type StopsResponse struct {
	DeviceId string       `json:"deviceId"`
	From     time.Time    `json:"from"`
	To       time.Time    `json:"to"`
	Count    int          `json:"count"`
	Stops    []fleet.Stop `json:"stops"`
}

//getStops serves GET /api/trackers/{deviceID}/stops
func (h *trackerApiHandler) getStops(w http.ResponseWriter, r *http.Request) {
	deviceId := mux.Vars(r)["deviceID"]
	from, to, metaFilters, errMsg := parseHistoryQuery(r)
	if errMsg != "" {
		http.Error(w, errMsg, http.StatusBadRequest)
		return
	}

	stops, err := fleet.StopsForDevice(deviceId, from, to, metaFilters, h.db)
	if err != nil {
		h.log.Printf("querying stops for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, StopsResponse{
		DeviceId: deviceId,
		From:     from,
		To:       to,
		Count:    len(stops),
		Stops:    stops,
	})
}

//parseHistoryQuery reads the from/to RFC 3339 range and the meta.<key>
//filters common to the trips and stops endpoints. Missing "to" means now,
//missing "from" means a week before "to". A non-empty return message is a
//client error.
func parseHistoryQuery(r *http.Request) (time.Time, time.Time, map[string]string, string) {
	var from, to time.Time
	var err error

	if raw := r.FormValue("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, nil, "invalid 'to' timestamp, expected RFC 3339"
		}
	} else {
		to = time.Now()
	}
	if raw := r.FormValue("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return from, to, nil, "invalid 'from' timestamp, expected RFC 3339"
		}
	} else {
		from = to.Add(-defaultHistoryRange)
	}
	if to.Before(from) {
		return from, to, nil, "'to' precedes 'from'"
	}

	var metaFilters map[string]string
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, "meta.") || len(values) == 0 {
			continue
		}
		if metaFilters == nil {
			metaFilters = make(map[string]string)
		}
		metaFilters[strings.TrimPrefix(key, "meta.")] = values[0]
	}
	return from, to, metaFilters, ""
}

//SetOdometerRequest is the body of the set-odometer endpoint, meters
type SetOdometerRequest struct {
	Odometer *float64 `json:"odometer"`
}

//SetOdometerResponse reports the displayed odometer before and after
type SetOdometerResponse struct {
	PreviousOdometer float64 `json:"previousOdometer"`
	NewOdometer      float64 `json:"newOdometer"`
	OdometerOffset   float64 `json:"odometerOffset"`
}

//setOdometer serves POST /api/trackers/{deviceID}/odometer. The requested
//value becomes the displayed odometer by adjusting the offset, the GPS
//accumulator is never touched.
func (h *trackerApiHandler) setOdometer(w http.ResponseWriter, r *http.Request) {
	deviceId := mux.Vars(r)["deviceID"]

	var body SetOdometerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.Odometer == nil || *body.Odometer < 0 {
		http.Error(w, "'odometer' must be a non-negative number of meters", http.StatusBadRequest)
		return
	}

	trackerState, err := fleet.GetTrackerState(deviceId, h.db)
	if err != nil {
		h.log.Printf("loading tracker state for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	if trackerState == nil {
		http.Error(w, "unknown tracker", http.StatusNotFound)
		return
	}

	previous := trackerState.DisplayOdometer()
	offset := *body.Odometer - trackerState.TotalOdometer
	//the store owns the offset in both tiers, the tracker's in-flight writes
	//never touch it
	if err = h.store.SetOdometerOffset(r.Context(), deviceId, offset); err != nil {
		h.log.Printf("setting odometer offset for %s: %v", deviceId, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	trackerState.OdometerOffset = offset

	h.log.Printf("odometer for device %s set to %.0fm, offset now %.0fm", deviceId, *body.Odometer, offset)
	h.writeJSON(w, http.StatusOK, SetOdometerResponse{
		PreviousOdometer: previous,
		NewOdometer:      trackerState.DisplayOdometer(),
		OdometerOffset:   offset,
	})
}

//getHealth serves GET /health, pinging the database and the hot state store
func (h *trackerApiHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	hotStatus := "ok"

	if err := h.db.PingContext(r.Context()); err != nil {
		h.log.Printf("health check database ping: %v", err)
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := hotstate.HealthCheck(r.Context(), h.redis); err != nil {
		h.log.Printf("health check hot state ping: %v", err)
		hotStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, map[string]string{
		"database": dbStatus,
		"hotState": hotStatus,
	})
}

//writeJSON marshals and writes one response, logging write failures
func (h *trackerApiHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Printf("marshaling response: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err = w.Write(data); err != nil {
		h.log.Printf("writing response: %v", err)
	}
}

//defaultHttpHandler simple default http handler for the root route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//createServer creates a configured http.Server for the tracker api
func createServer(log *logger.Logger,
	db *sqlx.DB,
	redisClient *redis.Client,
	store detection.StateStore,
	httpPort int) *http.Server {

	api := makeTrackerApiHandler(log, db, redisClient, store)

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.HandleFunc("/health", api.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/trackers/{deviceID}/status", api.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/trackers/{deviceID}/trips", api.getTrips).Methods(http.MethodGet)
	r.HandleFunc("/api/trackers/{deviceID}/stops", api.getStops).Methods(http.MethodGet)
	r.HandleFunc("/api/trackers/{deviceID}/odometer", api.setOdometer).Methods(http.MethodPost)

	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}
