package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		want    []string
	}{
		{
			name: "handle request with context",
			req: &Request{
				Protocol:   Version,
				Op:         OpHandle,
				Plugin:     "weather",
				Handler:    "wx",
				Args:       []string{"sydney"},
				Context:    &MessageContext{ActorID: "!a1b2", Channel: 1, Content: "wx sydney"},
				Config:     map[string]any{},
				State:      map[string]any{},
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			want: []string{`"protocol":1`, `"op":"handle"`, `"handler":"wx"`, `"actor_id":"!a1b2"`},
		},
		{
			name: "health request omits context",
			req:  &Request{Protocol: Version, Op: OpHealth, Plugin: "weather"},
			want: []string{`"op":"health"`},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 9, Op: OpHealth},
			wantErr: true,
		},
		{
			name:    "missing op",
			req:     &Request{Protocol: Version},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
			if tt.req.Context == nil {
				assert.NotContains(t, buf.String(), `"context"`)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "ok with text", input: `{"status":"ok","text":"pong","stop":true}`},
		{name: "ok with sends", input: `{"status":"ok","sends":[{"channel":0,"text":"hi"}]}`},
		{name: "error with message", input: `{"status":"error","error":"boom"}`},
		{name: "error without message", input: `{"status":"error"}`, wantErr: true},
		{name: "missing status", input: `{"text":"x"}`, wantErr: true},
		{name: "invalid status", input: `{"status":"maybe"}`, wantErr: true},
		{name: "unknown field", input: `{"status":"ok","extra":1}`, wantErr: true},
		{name: "not json", input: `pong`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, resp.Status)
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	resp, raw, err := DecodeResponseLenient(strings.NewReader(`{"status":"ok","text":"pong","extra":1}`))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "pong", resp.Text)
	assert.NotEmpty(t, raw)

	_, raw, err = DecodeResponseLenient(strings.NewReader(`garbage`))
	assert.Error(t, err)
	assert.Equal(t, "garbage", string(raw))

	_, _, err = DecodeResponseLenient(strings.NewReader(``))
	assert.ErrorContains(t, err, "no output")
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"rx","from":"!abcd","channel":2,"text":"ping","direct":true}`))
	require.NoError(t, err)
	assert.Equal(t, FrameRX, f.Type)
	assert.Equal(t, "!abcd", f.From)
	assert.True(t, f.Direct)

	_, err = DecodeFrame([]byte(`{"type":"rx","text":"ping"}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`{"type":"nope"}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`{`))
	assert.Error(t, err)

	f, err = DecodeFrame([]byte(`{"type":"ack","id":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", f.ID)
}
