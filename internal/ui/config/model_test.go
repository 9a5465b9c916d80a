package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/incident-bridge/internal/model"
)

func TestValuesIntegrationConfig(t *testing.T) {
	cfg := Values{
		Type:     "casb",
		ID:       " casb-eu ",
		Name:     "CASB EU",
		BaseURL:  "https://www.myshn.eu",
		Username: "svc",
		Secret:   "hunter2",
	}.IntegrationConfig()

	assert.Equal(t, "casb-eu", cfg.ID)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "keyring:casb-casb-eu", cfg.Credentials.Secret)
	assert.Equal(t, model.AuthModeBasic, cfg.Credentials.AuthMode)
	assert.Equal(t, "50", cfg.Setting("max_fetch"))
	assert.Equal(t, "3 days", cfg.Setting("first_fetch"))
}

func TestSaverStoresSecretAndConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &model.AppConfig{}
	secrets := map[string]string{}
	save := NewSaver(path, cfg, func(key, value string) error {
		secrets[key] = value
		return nil
	})

	ic := Values{
		Type:     "jira",
		ID:       "jira-prod",
		Name:     "Jira",
		BaseURL:  "https://jira.example.com",
		AuthMode: "bearer",
	}.IntegrationConfig()
	require.NoError(t, save(ic, "pat-123"))

	assert.Equal(t, map[string]string{"jira-jira-prod": "pat-123"}, secrets)

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	got, ok := loaded.Integration("jira-prod")
	require.True(t, ok)
	assert.Equal(t, "https://jira.example.com", got.BaseURL)
	assert.Equal(t, "keyring:jira-jira-prod", got.Credentials.Secret)
	assert.Equal(t, model.AuthModeBearer, got.Credentials.AuthMode)

	// Saving the same id again replaces the entry.
	ic.Name = "Jira renamed"
	require.NoError(t, save(ic, "pat-456"))
	assert.Len(t, cfg.Integrations, 1)
	assert.Equal(t, "Jira renamed", cfg.Integrations[0].Name)
}

func TestSaverStopsOnKeyringFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &model.AppConfig{}
	save := NewSaver(path, cfg, func(string, string) error {
		return errors.New("keyring locked")
	})

	err := save(Values{Type: "jira", ID: "j"}.IntegrationConfig(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring locked")
	assert.Empty(t, cfg.Integrations)
	assert.NoFileExists(t, path)
}

func TestValidateID(t *testing.T) {
	validate := validateID([]string{"jira-prod"})

	tests := []struct {
		in      string
		wantErr string
	}{
		{in: "casb-eu"},
		{in: "", wantErr: "ID is required"},
		{in: "Jira Prod", wantErr: "lowercase"},
		{in: "jira-prod", wantErr: "already configured"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := validate(tt.in)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("https://jira.example.com"))
	assert.Error(t, validateURL(""))
	assert.Error(t, validateURL("jira.example.com"))
}

func TestSaveCmdReportsOutcome(t *testing.T) {
	var saved model.IntegrationConfig
	m := New(func(cfg model.IntegrationConfig, _ string) error {
		saved = cfg
		return nil
	}, nil, 80)
	m.values.ID = "jira-a"
	m.values.Name = "A"
	m.values.BaseURL = "https://a.example.com"

	msg := m.saveCmd()()
	assert.Equal(t, "jira-a", saved.ID)

	next, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	done := next.(Model)
	require.NotNil(t, done.Saved())
	assert.Equal(t, "jira-a", done.Saved().ID)
	assert.NoError(t, done.Err())
	assert.Contains(t, done.View(), "Saved jira-a (jira).")
}
