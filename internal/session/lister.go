package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentbridge/core/internal/model"
)

// DefaultPollInterval is how often the Lister refreshes the session list.
const DefaultPollInterval = 5 * time.Second

// Lister polls the backend's session list at a fixed interval. Polling is a
// deliberate simplification over a push channel; the interval is coarse
// enough that the extra requests are negligible.
type Lister struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	onUpdate func(sessions []model.SessionInfo)

	cancel context.CancelFunc
}

// NewLister creates a Lister for the backend HTTP base URL, e.g.
// http://host:8080.
func NewLister(baseURL string, interval time.Duration, onUpdate func([]model.SessionInfo)) *Lister {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Lister{
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		onUpdate: onUpdate,
	}
}

// Fetch retrieves the session list once.
func (l *Lister) Fetch(ctx context.Context) ([]model.SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session list request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session list request failed: %s", resp.Status)
	}

	var payload struct {
		Sessions []model.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode session list: %w", err)
	}
	return payload.Sessions, nil
}

// Get fetches the list and returns the session with the given id, or
// model.ErrSessionNotFound.
func (l *Lister) Get(ctx context.Context, id string) (model.SessionInfo, error) {
	sessions, err := l.Fetch(ctx)
	if err != nil {
		return model.SessionInfo{}, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return model.SessionInfo{}, model.ErrSessionNotFound
}

// Start begins polling until Stop or context cancellation. Fetch errors are
// skipped; the next tick retries.
func (l *Lister) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			sessions, err := l.Fetch(ctx)
			if err == nil && l.onUpdate != nil {
				l.onUpdate(sessions)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends polling.
func (l *Lister) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}
