package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/forgeline/pkg/model"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "projects/p1/versions/7.json", Key("p1", 7))
}

func TestNewMinIORequiresSettings(t *testing.T) {
	_, err := NewMinIO(Config{})
	require.Error(t, err)

	_, err = NewMinIO(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	a, err := NewMinIO(Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "forgeline", a.bucket)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Archive(context.Background(), &model.Version{}))
}

// TestMinIORoundTrip runs against a real server when FORGELINE_TEST_MINIO_ENDPOINT is set.
func TestMinIORoundTrip(t *testing.T) {
	endpoint := os.Getenv("FORGELINE_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("FORGELINE_TEST_MINIO_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := NewMinIO(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("FORGELINE_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("FORGELINE_TEST_MINIO_SECRET_KEY"),
		Bucket:    "forgeline-test",
	})
	require.NoError(t, err)
	require.NoError(t, a.EnsureBucket(ctx))

	pid := "p-" + uuid.NewString()[:8]
	ok, err := a.Exists(ctx, pid, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	v := &model.Version{ID: uuid.NewString(), ProjectID: pid, Number: 1, Files: map[string]string{"a.txt": "a"}}
	require.NoError(t, a.Archive(ctx, v))

	got, err := a.Load(ctx, pid, 1)
	require.NoError(t, err)
	assert.Equal(t, v.Files, got.Files)
}
