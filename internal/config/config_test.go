package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHashKeys(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	k2 := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210"))

	keys, active, err := parseHashKeys("k1:"+k1+", k2:"+k2, "k2")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "k2", active)
	require.Equal(t, []byte("0123456789abcdef"), keys["k1"])

	// A single key needs no explicit active kid.
	keys, active, err = parseHashKeys("only:"+k1, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "only", active)
}

func TestParseHashKeys_Errors(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

	_, _, err := parseHashKeys("", "")
	require.Error(t, err)

	_, _, err = parseHashKeys("no-colon-here", "")
	require.Error(t, err)

	_, _, err = parseHashKeys("k1:not base64!!", "k1")
	require.Error(t, err)

	_, _, err = parseHashKeys("k1:"+k1+",k2:"+k1, "")
	require.Error(t, err, "multiple keys demand an explicit active kid")

	_, _, err = parseHashKeys("k1:"+k1, "ghost")
	require.Error(t, err)
}

func TestLoad_RequiresCoreSettings(t *testing.T) {
	t.Setenv("TOKEN_ISSUER", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TOKEN_ISSUER", "https://id.moneygrid.dev")
	t.Setenv("TOKEN_AUDIENCE", "moneygrid-api")
	t.Setenv("TOKEN_HASH_KEYS", "k1:"+base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	t.Setenv("TOKEN_HASH_ACTIVE_KID", "k1")
	t.Setenv("DATABASE_URL", "postgres://localhost/identity_test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "k1", cfg.TokenHashActiveKID)
	require.NotZero(t, cfg.AccessTokenTTL)
	require.True(t, cfg.SessionIdleTTL <= cfg.SessionMaxTTL)

	t.Setenv("SESSION_IDLE_TTL", "2160h")
	t.Setenv("SESSION_MAX_TTL", "24h")
	_, err = Load()
	require.Error(t, err)
}
