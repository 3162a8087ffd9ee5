package imagery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"housing-retrofit/config"
	"housing-retrofit/models"
	"housing-retrofit/utils"
)

func testCapturer(t *testing.T, shoot func(context.Context, string) ([]byte, error)) *Capturer {
	t.Helper()
	cfg := config.Default()
	cfg.ImageDir = filepath.Join(t.TempDir(), "images")
	cfg.CaptureConcurrency = 2
	cfg.CaptureRateLimitMs = 0
	cfg.CaptureMaxRetries = 2

	c := NewCapturer(cfg, utils.NewNopLogger())
	c.retry.BaseDelay = time.Millisecond
	c.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	c.shoot = shoot
	return c
}

func TestTargetsFromRecords(t *testing.T) {
	records := []*models.NormalizedRecord{
		{PropertyID: "p1", CertificateID: "c1", ImageRef: "https://img.example.org/p1", ValidationStatus: models.StatusValid},
		{PropertyID: "p1", CertificateID: "c1b", ImageRef: "https://img.example.org/p1b", ValidationStatus: models.StatusValid},
		{PropertyID: "p2", ImageRef: "images/p2.png", ValidationStatus: models.StatusValid},
		{PropertyID: "p3", ImageRef: "http://img.example.org/p3", ValidationStatus: models.StatusQuarantined},
		{PropertyID: "p4", ImageRef: "", ValidationStatus: models.StatusValid},
		{PropertyID: "p5", ImageRef: "ftp://img.example.org/p5", ValidationStatus: models.StatusValid},
		{PropertyID: "p6", ImageRef: "http://img.example.org/p6", ValidationStatus: models.StatusValid},
	}

	targets := TargetsFromRecords(records)
	assert.Equal(t, []Target{
		{PropertyID: "p1", CertificateID: "c1", URL: "https://img.example.org/p1"},
		{PropertyID: "p6", URL: "http://img.example.org/p6"},
	}, targets)
}

func TestCapture_WritesImages(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	c := testCapturer(t, func(_ context.Context, pageURL string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[pageURL]++
		return []byte("png:" + pageURL), nil
	})

	entries, err := c.Capture(context.Background(), []Target{
		{PropertyID: "uprn/2", URL: "https://img.example.org/2"},
		{PropertyID: "uprn/1", CertificateID: "c1", URL: "https://img.example.org/1"},
		{PropertyID: "uprn/1", URL: "https://img.example.org/dup"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "uprn/1", entries[0].PropertyID)
	assert.Equal(t, "c1", entries[0].CertificateID)
	assert.Equal(t, filepath.Join(c.cfg.ImageDir, "uprn_1.png"), entries[0].ImageRef)
	assert.Equal(t, c.now(), entries[0].CapturedAt)

	data, err := os.ReadFile(entries[1].ImageRef)
	require.NoError(t, err)
	assert.Equal(t, "png:https://img.example.org/2", string(data))
	assert.Zero(t, calls["https://img.example.org/dup"], "one capture per property")
}

func TestCapture_RetriesThenSkips(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	c := testCapturer(t, func(_ context.Context, pageURL string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[pageURL]++
		switch {
		case pageURL == "https://img.example.org/flaky" && attempts[pageURL] == 1:
			return nil, errors.New("net::ERR_CONNECTION_RESET")
		case pageURL == "https://img.example.org/down":
			return nil, errors.New("net::ERR_NAME_NOT_RESOLVED")
		}
		return []byte("png"), nil
	})

	entries, err := c.Capture(context.Background(), []Target{
		{PropertyID: "flaky", URL: "https://img.example.org/flaky"},
		{PropertyID: "down", URL: "https://img.example.org/down"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "flaky", entries[0].PropertyID)
	assert.Equal(t, 2, attempts["https://img.example.org/flaky"])
	assert.Equal(t, 2, attempts["https://img.example.org/down"])
}

func TestCapture_Cancelled(t *testing.T) {
	c := testCapturer(t, func(context.Context, string) ([]byte, error) {
		return []byte("png"), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Capture(ctx, []Target{{PropertyID: "p1", URL: "https://img.example.org/1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapture_NoTargets(t *testing.T) {
	c := testCapturer(t, nil)
	entries, err := c.Capture(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestFindChromeBinary_Configured(t *testing.T) {
	assert.Equal(t, "/opt/chrome/chrome", findChromeBinary("/opt/chrome/chrome"))
}
