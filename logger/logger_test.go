package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeRedactsCredentials(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.Info("issued",
		"user_id", "u-1",
		"token", "abc",
		"header", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1LTEifQ.sig",
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "u-1", fields["user_id"])
	assert.Equal(t, redacted, fields["token"])
	assert.Equal(t, redacted, fields["header"])
}

func TestSanitizeOddKVs(t *testing.T) {
	out := sanitizeKVs([]any{"a", 1, "dangling"})
	assert.Equal(t, []any{"a", 1, "dangling"}, out)
}

func TestNew(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		l, err := New(mode)
		require.NoError(t, err)
		require.NotNil(t, l)
	}
	NewNop().Info("discarded", "k", "v")
}
