package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// PushDispatcher tries the worker's live websocket session first and falls
// back to posting the offer to a push provider endpoint.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(workerID string, offer AssignmentOffer) error {
	if p.WS != nil {
		if err := p.WS.Offer(workerID, offer); err == nil {
			return nil
		} else if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	b, err := json.Marshal(map[string]any{"worker_id": workerID, "offer": offer})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
