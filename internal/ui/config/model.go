// Package config is the interactive form that adds an integration to the
// configuration and stores its secret in the keyring.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"

	"github.com/nhle/incident-bridge/internal/credential"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/theme"
)

// Values holds what the form collects. huh binds to these fields.
type Values struct {
	Type     string
	ID       string
	Name     string
	BaseURL  string
	Username string
	Secret   string
	AuthMode string
}

// CredentialKey is the keyring key an integration's secret is stored under.
func CredentialKey(integrationType, id string) string {
	return integrationType + "-" + id
}

// IntegrationConfig builds the config entry for the collected values. The
// secret itself is not part of it; the entry references the keyring.
func (v Values) IntegrationConfig() model.IntegrationConfig {
	cfg := model.IntegrationConfig{
		ID:      strings.TrimSpace(v.ID),
		Type:    v.Type,
		Name:    strings.TrimSpace(v.Name),
		BaseURL: strings.TrimSpace(v.BaseURL),
		Enabled: true,
		Credentials: model.CredentialConfig{
			Username: strings.TrimSpace(v.Username),
			Secret:   credential.Reference(CredentialKey(v.Type, strings.TrimSpace(v.ID))),
			AuthMode: model.AuthMode(v.AuthMode),
		},
		Settings: map[string]string{},
	}
	if cfg.Credentials.AuthMode == "" {
		cfg.Credentials.AuthMode = model.AuthModeBasic
	}

	switch model.IntegrationType(v.Type) {
	case model.IntegrationTypeCASB:
		cfg.Settings["max_fetch"] = "50"
		cfg.Settings["first_fetch"] = "3 days"
	case model.IntegrationTypeJira:
		cfg.Settings["id_offset"] = "0"
	}
	return cfg
}

// Saver persists a new integration and its secret.
type Saver func(cfg model.IntegrationConfig, secret string) error

// NewSaver returns a Saver that writes the secret with setSecret and then
// adds or replaces the integration in the config file at path.
func NewSaver(path string, cfg *model.AppConfig, setSecret func(key, value string) error) Saver {
	return func(ic model.IntegrationConfig, secret string) error {
		if err := setSecret(CredentialKey(ic.Type, ic.ID), secret); err != nil {
			return errors.Wrap(err, "saving credential")
		}

		replaced := false
		for i := range cfg.Integrations {
			if cfg.Integrations[i].ID == ic.ID {
				cfg.Integrations[i] = ic
				replaced = true
			}
		}
		if !replaced {
			cfg.Integrations = append(cfg.Integrations, ic)
		}
		return model.SaveConfig(path, cfg)
	}
}

// savedMsg is sent after the integration has been persisted.
type savedMsg struct {
	cfg model.IntegrationConfig
	err error
}

// Model is the Bubble Tea model for the configure form.
type Model struct {
	form   *huh.Form
	values *Values
	save   Saver
	width  int

	saved *model.IntegrationConfig
	err   error
}

// New creates the form. existing lists ids already in use.
func New(save Saver, existing []string, width int) Model {
	values := &Values{
		Type:     string(model.IntegrationTypeJira),
		AuthMode: string(model.AuthModeBasic),
	}
	m := Model{values: values, save: save, width: width}
	m.form = buildForm(values, existing, m.formWidth())
	return m
}

func buildForm(v *Values, existing []string, width int) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Integration type").
				Options(
					huh.NewOption("Jira - issue tracking", string(model.IntegrationTypeJira)),
					huh.NewOption("McAfee MVision CASB - DLP incidents", string(model.IntegrationTypeCASB)),
				).
				Value(&v.Type),
			huh.NewInput().
				Title("ID").
				Description("Unique identifier, e.g. jira-prod").
				Value(&v.ID).
				Validate(validateID(existing)),
			huh.NewInput().
				Title("Name").
				Description("A label for this instance").
				Value(&v.Name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("Base URL").
				Placeholder("https://jira.example.com").
				Value(&v.BaseURL).
				Validate(validateURL),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("Username and password or API token", string(model.AuthModeBasic)),
					huh.NewOption("Personal access token", string(model.AuthModeBearer)),
					huh.NewOption("OAuth2 access token", string(model.AuthModeOAuth2)),
				).
				Value(&v.AuthMode),
			huh.NewInput().
				Title("Username").
				Description("Leave empty for token authentication").
				Value(&v.Username),
			huh.NewInput().
				Title("Secret").
				Description("Password or token, stored in the system keyring").
				EchoMode(huh.EchoModePassword).
				Value(&v.Secret).
				Validate(validateRequired("Secret")),
		),
	).WithWidth(width)
}

func (m Model) formWidth() int {
	if m.width <= 0 {
		return 60
	}
	return min(m.width-4, 80)
}

// Init returns the form's initial command.
func (m Model) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the form.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.form = m.form.WithWidth(m.formWidth())
	case savedMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.saved = &msg.cfg
		}
		return m, tea.Quit
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		return m, m.saveCmd()
	case huh.StateAborted:
		return m, tea.Quit
	}
	return m, cmd
}

func (m Model) saveCmd() tea.Cmd {
	cfg := m.values.IntegrationConfig()
	secret := m.values.Secret
	save := m.save
	return func() tea.Msg {
		return savedMsg{cfg: cfg, err: save(cfg, secret)}
	}
}

// View renders the form or the outcome.
func (m Model) View() string {
	title := theme.HeaderStyle.Render("Add integration")
	switch {
	case m.err != nil:
		return lipgloss.JoinVertical(lipgloss.Left, title,
			lipgloss.NewStyle().Foreground(theme.ColorRed).Render("Error: "+m.err.Error()))
	case m.saved != nil:
		return lipgloss.JoinVertical(lipgloss.Left, title,
			fmt.Sprintf("Saved %s (%s).", m.saved.ID, m.saved.Type))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, m.form.View())
}

// Saved returns the stored integration, or nil if the form was aborted.
func (m Model) Saved() *model.IntegrationConfig {
	return m.saved
}

// Err returns the error from saving, if any.
func (m Model) Err() error {
	return m.err
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

func validateID(existing []string) func(string) error {
	return func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("ID is required")
		}
		if !idPattern.MatchString(s) {
			return fmt.Errorf("ID may contain lowercase letters, digits and dashes")
		}
		for _, id := range existing {
			if id == s {
				return fmt.Errorf("ID %q is already configured", s)
			}
		}
		return nil
	}
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("URL must include scheme and host (e.g., https://example.com)")
	}
	return nil
}
