//go:build integration

package minio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startMinio(t *testing.T) Config {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-10-13T13-34-11Z",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "captureflow",
				"MINIO_ROOT_PASSWORD": "captureflow-secret",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return Config{
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
		Bucket:    "captureflow-test",
		AccessKey: "captureflow",
		SecretKey: "captureflow-secret",
	}
}

func TestIntegration_Store(t *testing.T) {
	cfg := startMinio(t)
	ctx := context.Background()

	store, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	// Second construction sees the existing bucket
	_, err = NewStore(ctx, cfg)
	require.NoError(t, err)

	data := []byte("PAR1")
	require.NoError(t, store.Put(ctx, "runs/columnar_table/a.parquet", bytes.NewReader(data), int64(len(data))))
	require.NoError(t, store.Put(ctx, "runs/decompressed_capture/a.pcap", bytes.NewReader(data), int64(len(data))))

	got, err := store.Get(ctx, "runs/columnar_table/a.parquet")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	keys, err := store.List(ctx, "runs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/columnar_table/a.parquet", "runs/decompressed_capture/a.pcap"}, keys)

	require.NoError(t, store.Delete(ctx, "runs/columnar_table/a.parquet"))
	_, err = store.Get(ctx, "runs/columnar_table/a.parquet")
	assert.Error(t, err)
}
