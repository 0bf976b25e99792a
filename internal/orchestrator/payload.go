package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// SyncPayload is the input handed to a sync worker.
type SyncPayload struct {
	ID          string          `json:"id"`
	BaseURL     string          `json:"baseURL"`
	AuthToken   string          `json:"authToken"`
	WorkspaceID string          `json:"workspaceId"`
	APIKey      string          `json:"apiKey,omitempty"`
	ShareID     string          `json:"shareId,omitempty"`
	Options     map[string]bool `json:"options"`
}

// Validate checks that the payload carries what a worker needs to reach the
// workspace. All problems are reported together.
func (p SyncPayload) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if p.WorkspaceID == "" {
		errs = append(errs, errors.New("workspaceId is required"))
	}
	if p.AuthToken == "" {
		errs = append(errs, errors.New("authToken is required"))
	}
	if p.BaseURL == "" {
		errs = append(errs, errors.New("baseURL is required"))
	} else if u, err := url.Parse(p.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("baseURL %q must be an http or https URL", p.BaseURL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, errors.Join(errs...))
	}
	return nil
}

// DecodeSyncPayload parses and validates a JSON sync payload.
func DecodeSyncPayload(data []byte) (SyncPayload, error) {
	var p SyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return SyncPayload{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return SyncPayload{}, err
	}
	return p, nil
}

// Encode returns the JSON form delivered to the worker.
func (p SyncPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}
