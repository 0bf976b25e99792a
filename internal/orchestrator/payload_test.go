package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() SyncPayload {
	return SyncPayload{
		ID:          "sync-42",
		BaseURL:     "https://app.example.com",
		AuthToken:   "token",
		WorkspaceID: "ws_1",
		Options:     map[string]bool{"syncViews": true},
	}
}

func TestSyncPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *SyncPayload)
		wantErr string
	}{
		{name: "valid", mutate: func(*SyncPayload) {}},
		{name: "missing id", mutate: func(p *SyncPayload) { p.ID = "" }, wantErr: "id is required"},
		{name: "missing workspace", mutate: func(p *SyncPayload) { p.WorkspaceID = "" }, wantErr: "workspaceId is required"},
		{name: "missing token", mutate: func(p *SyncPayload) { p.AuthToken = "" }, wantErr: "authToken is required"},
		{name: "missing base url", mutate: func(p *SyncPayload) { p.BaseURL = "" }, wantErr: "baseURL is required"},
		{name: "relative base url", mutate: func(p *SyncPayload) { p.BaseURL = "/api" }, wantErr: "must be an http or https URL"},
		{name: "ftp base url", mutate: func(p *SyncPayload) { p.BaseURL = "ftp://files.example.com" }, wantErr: "must be an http or https URL"},
		{name: "plain http allowed", mutate: func(p *SyncPayload) { p.BaseURL = "http://localhost:8080" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSyncPayload_ReportsAllProblems(t *testing.T) {
	err := SyncPayload{}.Validate()
	require.Error(t, err)
	for _, want := range []string{"id", "workspaceId", "authToken", "baseURL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDecodeSyncPayload(t *testing.T) {
	data := []byte(`{
		"id": "sync-42",
		"baseURL": "https://app.example.com",
		"authToken": "token",
		"workspaceId": "ws_1",
		"shareId": "shr_9",
		"options": {"syncViews": true, "syncComments": false}
	}`)

	p, err := DecodeSyncPayload(data)
	require.NoError(t, err)
	assert.Equal(t, "shr_9", p.ShareID)
	assert.Equal(t, map[string]bool{"syncViews": true, "syncComments": false}, p.Options)

	_, err = DecodeSyncPayload([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeSyncPayload([]byte(`{"id": "sync-42"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSyncPayload_EncodeRoundTrip(t *testing.T) {
	data, err := validPayload().Encode()
	require.NoError(t, err)

	p, err := DecodeSyncPayload(data)
	require.NoError(t, err)
	assert.Equal(t, validPayload(), p)
}
