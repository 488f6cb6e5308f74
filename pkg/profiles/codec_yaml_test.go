package profiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistryYAML = `slug: team
default_profile_slug: assistant
profiles:
  assistant:
    display_name: Assistant
    runtime:
      engine_name: echo
      system_prompt: You are concise.
      middlewares:
        - name: logging
          config:
            level: debug
        - name: trace-id
          enabled: false
      tools: [calc]
  open:
    runtime:
      system_prompt: anything goes
    policy:
      overrides:
        middlewares: allowed
        system_prompt: allowed
`

func writeYAMLRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDecodeYAMLRegistry(t *testing.T) {
	reg, err := DecodeYAMLRegistry([]byte(testRegistryYAML))
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, RegistrySlug("team"), reg.Slug)
	require.Len(t, reg.Profiles, 2)

	assistant := reg.Profiles["assistant"]
	assert.Equal(t, ProfileSlug("assistant"), assistant.Slug)
	assert.Equal(t, "You are concise.", assistant.Runtime.SystemPrompt)
	require.Len(t, assistant.Runtime.Middlewares, 2)
	assert.Equal(t, "debug", assistant.Runtime.Middlewares[0].Config["level"])
	assert.False(t, assistant.Runtime.Middlewares[1].IsEnabled())

	assert.True(t, reg.Profiles["open"].Policy.EffectiveOverrides().Allows("middlewares"))
}

func TestDecodeYAMLRegistryRejectsUnknownFields(t *testing.T) {
	_, err := DecodeYAMLRegistry([]byte("slug: team\nprofiles:\n  a:\n    runtim: {}\n"))
	require.Error(t, err)

	reg, err := DecodeYAMLRegistry([]byte("  \n"))
	require.NoError(t, err)
	assert.Nil(t, reg)
}

func TestYAMLRegistryEncodeDecode(t *testing.T) {
	reg, err := DecodeYAMLRegistry([]byte(testRegistryYAML))
	require.NoError(t, err)
	b, err := EncodeYAMLRegistry(reg)
	require.NoError(t, err)
	again, err := DecodeYAMLRegistry(b)
	require.NoError(t, err)
	assert.Equal(t, reg.Profiles["assistant"].Runtime, again.Profiles["assistant"].Runtime)
}

func TestYAMLFileProfileStoreIsReadOnly(t *testing.T) {
	path := writeYAMLRegistry(t, testRegistryYAML)
	store, err := NewYAMLFileProfileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	p, ok, err := store.GetProfile(ctx, "team", "assistant")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "echo", p.Runtime.EngineName)

	reg, _, err := store.GetRegistry(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, "yaml:"+path, reg.Metadata.Source)

	require.ErrorIs(t, store.UpsertProfile(ctx, "team", testProfile("x", ""), SaveOptions{}), ErrReadOnlyStore)
	require.ErrorIs(t, store.DeleteRegistry(ctx, "team", SaveOptions{}), ErrReadOnlyStore)

	_, err = NewYAMLFileProfileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
