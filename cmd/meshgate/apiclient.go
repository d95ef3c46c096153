package main

import (
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/meshgate/internal/api"
	"github.com/mattjoyce/meshgate/internal/config"
)

const defaultAPIURL = "http://127.0.0.1:8080"

// apiOptions locate a running gateway. Flags win over MESHGATE_API_URL and
// MESHGATE_TOKEN, which win over the config file.
type apiOptions struct {
	url   string
	token string
}

func (a *apiOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&a.url, "api", "", "Gateway API base URL (default from config api.listen)")
	cmd.PersistentFlags().StringVar(&a.token, "token", "", "Bearer token (default $MESHGATE_TOKEN or config api_key)")
}

func (a *apiOptions) client(opts *globalOptions) *api.Client {
	url := firstNonEmpty(a.url, os.Getenv("MESHGATE_API_URL"))
	token := firstNonEmpty(a.token, os.Getenv("MESHGATE_TOKEN"))

	if url == "" || token == "" {
		if cfg := tryLoadConfig(opts); cfg != nil {
			if url == "" && cfg.API.Listen != "" {
				url = listenURL(cfg.API.Listen)
			}
			if token == "" {
				token = cfg.API.Auth.APIKey
			}
		}
	}
	if url == "" {
		url = defaultAPIURL
	}
	return api.NewClient(url, token)
}

func tryLoadConfig(opts *globalOptions) *config.Config {
	path := opts.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil
	}
	return cfg
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
