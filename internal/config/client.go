package config

import (
	"fmt"
	"net/url"

	"github.com/ilyakaznacheev/cleanenv"
)

// ClientConfig configures the listctl client and its sync core.
type ClientConfig struct {
	APIURL string `env:"LISTCTL_API_URL" env-default:"http://localhost:8080/api/v1"`
	// StatePath is the SQLite file holding the session and the last selected list.
	StatePath string `env:"LISTCTL_STATE_PATH" env-default:"listctl.db"`

	RequestTimeout durationSeconds `env:"LISTCTL_REQUEST_TIMEOUT" env-default:"15s"`
	SearchDebounce durationSeconds `env:"LISTCTL_SEARCH_DEBOUNCE" env-default:"300ms"`
	ReconnectMin   durationSeconds `env:"LISTCTL_RECONNECT_MIN" env-default:"1s"`
	ReconnectMax   durationSeconds `env:"LISTCTL_RECONNECT_MAX" env-default:"30s"`
}

// WebsocketURL derives the realtime endpoint from the API base URL.
func (c ClientConfig) WebsocketURL() (string, error) {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath("ws").String(), nil
}

func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("read env: %w", err)
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return ClientConfig{}, fmt.Errorf("LISTCTL_API_URL: %w", err)
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	return cfg, nil
}
