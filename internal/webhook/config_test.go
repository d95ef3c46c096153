package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/config"
)

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhookConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/ingest/relay", Secret: "s", MaxBodySize: "1KB", Channel: 3},
			{Path: "/ingest/raw", Secret: "s", SignatureHeader: "X-Sig"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8081", cfg.Listen)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, int64(1024), cfg.Endpoints[0].MaxBodySize)
	assert.Equal(t, 3, cfg.Endpoints[0].Channel)
	assert.Equal(t, int64(0), cfg.Endpoints[1].MaxBodySize)
	assert.Equal(t, "X-Sig", cfg.Endpoints[1].SignatureHeader)
}

func TestFromGlobalConfigErrors(t *testing.T) {
	_, err := FromGlobalConfig(nil)
	assert.Error(t, err)

	_, err = FromGlobalConfig(&config.WebhookConfig{
		Endpoints: []config.WebhookEndpoint{{Path: "/x"}},
	})
	assert.ErrorContains(t, err, "no secret")

	_, err = FromGlobalConfig(&config.WebhookConfig{
		Endpoints: []config.WebhookEndpoint{{Path: "/x", Secret: "s", MaxBodySize: "lots"}},
	})
	assert.ErrorContains(t, err, "invalid max_body_size")
}
