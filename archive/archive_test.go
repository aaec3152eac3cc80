package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	body := []byte("company,email\nAcme,a@acme.com\n")

	require.NoError(t, s.Put(ctx, "uploads/b1/leads.csv", body, "text/csv"))

	got, err := s.Get(ctx, "uploads/b1/leads.csv")
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Write-once.
	assert.Error(t, s.Put(ctx, "uploads/b1/leads.csv", []byte("other"), "text/csv"))

	_, err = s.Get(ctx, "uploads/b1/missing.csv")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	for _, bad := range []string{"", "  ", "/etc/passwd", "uploads/../../secret"} {
		assert.ErrorIs(t, s.Put(ctx, bad, body, ""), apperr.ErrInvalidInput, "key %q", bad)
	}
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestFS(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Config{Driver: DriverFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FS{}, s)

	_, err = Open(ctx, Config{Driver: DriverS3})
	assert.Error(t, err, "bucket is required")

	_, err = Open(ctx, Config{Driver: "ftp"})
	assert.Error(t, err)
}

func TestNewS3(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "leadvault-uploads",
		Endpoint:        "http://localhost:9000",
		PathStyle:       true,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, "leadvault-uploads", s.bucket)
}
