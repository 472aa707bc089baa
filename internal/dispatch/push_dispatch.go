package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier tries the freelancer's websocket first and falls back to
// posting to a push provider endpoint.
type PushNotifier struct {
	Endpoint string
	Key      string // bearer token for the provider, optional
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushNotifier) Notify(ctx context.Context, freelancerID string, n Notification) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, freelancerID, n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && p.Endpoint == "" {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(map[string]any{"recipient": freelancerID, "data": n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
