package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// AssignmentOffer is the payload pushed to a worker when a station is
// assigned to one of their requests.
type AssignmentOffer struct {
	AssignmentID string  `json:"assignment_id"`
	RequestID    string  `json:"request_id"`
	StationID    string  `json:"station_id"`
	StationName  string  `json:"station_name,omitempty"`
	DistanceKm   float64 `json:"distance_km"`
	ETASeconds   float64 `json:"eta_seconds,omitempty"`
	IsCOD        bool    `json:"is_cod"`
}

// Offerer delivers an assignment offer to a worker.
type Offerer interface {
	Offer(workerID string, offer AssignmentOffer) error
}

// HTTPDispatcher posts offers to a worker-app backend endpoint.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func (d *HTTPDispatcher) Offer(workerID string, offer AssignmentOffer) error {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 2 * time.Second}
	}
	b, err := json.Marshal(map[string]any{"worker_id": workerID, "offer": offer})
	if err != nil {
		return err
	}
	resp, err := d.Client.Post(d.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
