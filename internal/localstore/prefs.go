package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/fuguesync/internal/broadcast"
)

type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

func ParseTheme(raw string) (Theme, error) {
	switch Theme(strings.ToLower(strings.TrimSpace(raw))) {
	case ThemeLight:
		return ThemeLight, nil
	case ThemeDark:
		return ThemeDark, nil
	case ThemeSystem, "":
		return ThemeSystem, nil
	default:
		return "", fmt.Errorf("%w: theme %q", ErrInvalidInput, raw)
	}
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// GetJSON decodes the value stored under key into out.
func GetJSON(ctx context.Context, store Store, key string, out any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, store Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, raw)
}

// Preferences wraps the UI preference keys. Theme changes are announced to
// other sessions when a broadcaster is set.
type Preferences struct {
	Store       Store
	Broadcaster broadcast.Broadcaster
}

func (p Preferences) Theme(ctx context.Context) (Theme, error) {
	raw, err := p.Store.Get(ctx, KeyTheme)
	if errors.Is(err, ErrNotFound) {
		return ThemeSystem, nil
	}
	if err != nil {
		return "", err
	}
	return ParseTheme(string(raw))
}

func (p Preferences) SetTheme(ctx context.Context, theme Theme) error {
	theme, err := ParseTheme(string(theme))
	if err != nil {
		return err
	}
	if err := p.Store.Set(ctx, KeyTheme, []byte(theme)); err != nil {
		return err
	}
	if p.Broadcaster == nil {
		return nil
	}
	env, err := broadcast.NewEnvelope(broadcast.ChannelTheme, broadcast.ActionThemeChange, broadcast.ThemeChange{Theme: string(theme)})
	if err != nil {
		return err
	}
	return p.Broadcaster.Publish(ctx, env)
}

// ApplyThemeBroadcast stores a theme received from another session without
// re-broadcasting it.
func (p Preferences) ApplyThemeBroadcast(ctx context.Context, env broadcast.Envelope) (Theme, error) {
	if env.Channel != broadcast.ChannelTheme || env.Action != broadcast.ActionThemeChange {
		return "", fmt.Errorf("%w: not a theme change", ErrInvalidInput)
	}
	var change broadcast.ThemeChange
	if err := env.DecodePayload(&change); err != nil {
		return "", err
	}
	theme, err := ParseTheme(change.Theme)
	if err != nil {
		return "", err
	}
	return theme, p.Store.Set(ctx, KeyTheme, []byte(theme))
}

func (p Preferences) Projects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := GetJSON(ctx, p.Store, KeyProjects, &projects)
	if errors.Is(err, ErrNotFound) {
		return []Project{}, nil
	}
	return projects, err
}

func (p Preferences) SetProjects(ctx context.Context, projects []Project) error {
	for _, project := range projects {
		if strings.TrimSpace(project.ID) == "" {
			return fmt.Errorf("%w: project without id", ErrInvalidInput)
		}
	}
	return SetJSON(ctx, p.Store, KeyProjects, projects)
}

func (p Preferences) ActiveProjectID(ctx context.Context) (string, error) {
	raw, err := p.Store.Get(ctx, KeyActiveProjectID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (p Preferences) SetActiveProjectID(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return p.Store.Delete(ctx, KeyActiveProjectID)
	}
	return p.Store.Set(ctx, KeyActiveProjectID, []byte(projectID))
}
