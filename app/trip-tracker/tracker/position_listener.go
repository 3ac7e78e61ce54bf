package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//futureTolerance is how far ahead of the wall clock a sample timestamp may
//sit before it is rejected
const futureTolerance = 60 * time.Second

// PositionListener subscribes to position:new and ignition:changed and feeds
// validated samples into the per-device sample dispatcher. Invalid positions
// are republished as position:rejected, malformed payloads are logged and
// dropped.
type PositionListener struct {
	log        *log.Logger
	pub        EventPublisher
	dispatcher *Dispatcher
	processor  *Processor
	prefix     string
	//positionMaxAge bounds how old a sample timestamp may be
	positionMaxAge time.Duration
}

// NewPositionListener wires the inbound side of the bus.
func NewPositionListener(log *log.Logger,
	pub EventPublisher,
	dispatcher *Dispatcher,
	processor *Processor,
	prefix string,
	positionMaxAge time.Duration) *PositionListener {

	return &PositionListener{
		log:            log,
		pub:            pub,
		dispatcher:     dispatcher,
		processor:      processor,
		prefix:         prefix,
		positionMaxAge: positionMaxAge,
	}
}

// Run subscribes on the dedicated subscriber connection and processes
// messages until the shutdown channel closes.
func (l *PositionListener) Run(conn *nats.Conn, queue string, shutdown chan struct{}) error {
	positionCh, positionSub, err := Subscribe(conn, l.prefix, detection.SubjectPositionNew, queue)
	if err != nil {
		return err
	}
	ignitionCh, ignitionSub, err := Subscribe(conn, l.prefix, detection.SubjectIgnitionChanged, queue)
	if err != nil {
		Unsubscribe(l.log, positionSub, detection.SubjectPositionNew)
		return err
	}

	l.log.Printf("listening on %s%s and %s%s in queue group %s",
		l.prefix, detection.SubjectPositionNew, l.prefix, detection.SubjectIgnitionChanged, queue)

	for {
		select {
		case msg := <-positionCh:
			l.handlePositionMsg(msg)
		case msg := <-ignitionCh:
			l.handleIgnitionMsg(msg)
		case <-shutdown:
			Unsubscribe(l.log, positionSub, detection.SubjectPositionNew)
			Unsubscribe(l.log, ignitionSub, detection.SubjectIgnitionChanged)
			l.log.Printf("position listener exiting on shutdown signal")
			return nil
		}
	}
}

//handlePositionMsg validates one inbound position and enqueues it for its
//device, or rejects it
func (l *PositionListener) handlePositionMsg(msg *nats.Msg) {
	var ev detection.PositionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		l.log.Printf("dropping malformed position payload: %v", err)
		return
	}

	if reason := validatePosition(&ev, time.Now(), l.positionMaxAge); reason != "" {
		l.reject(ev.DeviceId, reason, msg.Data)
		return
	}

	sample := &detection.PositionSample{
		DeviceId:   ev.DeviceId,
		Timestamp:  *ev.Timestamp,
		Lat:        *ev.Latitude,
		Lon:        *ev.Longitude,
		Speed:      *ev.Speed,
		Ignition:   ev.Ignition,
		Heading:    ev.Heading,
		Altitude:   ev.Altitude,
		Accuracy:   ev.Accuracy,
		Satellites: ev.Satellites,
		Metadata:   ev.Metadata,
	}
	l.dispatcher.Enqueue(sample.DeviceId, func(ctx context.Context) {
		if err := l.processor.HandleSample(ctx, sample, "position"); err != nil {
			l.log.Printf("processing sample for device %s: %v", sample.DeviceId, err)
		}
	})
}

//handleIgnitionMsg validates one inbound ignition change and enqueues it
func (l *PositionListener) handleIgnitionMsg(msg *nats.Msg) {
	var ev detection.IgnitionChangedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		l.log.Printf("dropping malformed ignition payload: %v", err)
		return
	}
	if ev.DeviceId == "" || ev.Timestamp == nil || ev.Ignition == nil {
		l.log.Printf("dropping incomplete ignition payload for device %q", ev.DeviceId)
		return
	}
	l.dispatcher.Enqueue(ev.DeviceId, func(ctx context.Context) {
		if err := l.processor.HandleIgnition(ctx, &ev); err != nil {
			l.log.Printf("processing ignition change for device %s: %v", ev.DeviceId, err)
		}
	})
}

//reject republishes an invalid position as position:rejected
func (l *PositionListener) reject(deviceId string, reason string, original []byte) {
	l.log.Printf("rejecting position for device %q: %s", deviceId, reason)
	err := l.pub.Publish(detection.SubjectPositionRejected, detection.PositionRejectedEvent{
		DeviceId:      deviceId,
		Reason:        reason,
		RejectedAt:    time.Now(),
		OriginalEvent: original,
	})
	if err != nil {
		l.log.Printf("publishing rejection for device %s: %v", deviceId, err)
	}
}

//validatePosition checks required fields, ranges and the timestamp window,
//returning an empty string when the event is acceptable
func validatePosition(ev *detection.PositionEvent, now time.Time, maxAge time.Duration) string {
	if ev.DeviceId == "" {
		return "missing deviceId"
	}
	if ev.Timestamp == nil {
		return "missing timestamp"
	}
	if ev.Latitude == nil || ev.Longitude == nil {
		return "missing coordinates"
	}
	if *ev.Latitude < -90 || *ev.Latitude > 90 {
		return fmt.Sprintf("latitude %f out of range", *ev.Latitude)
	}
	if *ev.Longitude < -180 || *ev.Longitude > 180 {
		return fmt.Sprintf("longitude %f out of range", *ev.Longitude)
	}
	if ev.Speed == nil {
		return "missing speed"
	}
	if *ev.Speed < 0 {
		return fmt.Sprintf("negative speed %f", *ev.Speed)
	}
	sampleTime := time.UnixMilli(*ev.Timestamp)
	if sampleTime.Before(now.Add(-maxAge)) {
		return fmt.Sprintf("timestamp %s older than %s", sampleTime.Format(time.RFC3339), maxAge)
	}
	if sampleTime.After(now.Add(futureTolerance)) {
		return fmt.Sprintf("timestamp %s is in the future", sampleTime.Format(time.RFC3339))
	}
	if ev.Heading != nil && (*ev.Heading < 0 || *ev.Heading > 360) {
		return fmt.Sprintf("heading %f out of range", *ev.Heading)
	}
	if ev.Accuracy != nil && *ev.Accuracy < 0 {
		return fmt.Sprintf("negative accuracy %f", *ev.Accuracy)
	}
	if ev.Satellites != nil && *ev.Satellites < 0 {
		return fmt.Sprintf("negative satellite count %d", *ev.Satellites)
	}
	return ""
}
