package imagery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"housing-retrofit/config"
	"housing-retrofit/models"
	"housing-retrofit/utils"
)

const pageTimeout = 60 * time.Second

// Target is one property page to capture.
type Target struct {
	PropertyID    string
	CertificateID string
	URL           string
}

// Capturer renders property image pages in a headless browser and stores a
// screenshot per property under the configured image directory.
type Capturer struct {
	cfg    *config.Config
	logger *utils.Logger
	retry  *utils.RetryConfig
	now    func() time.Time

	// shoot returns the PNG bytes of a rendered page. Nil means a real
	// browser is started for each Capture call.
	shoot func(ctx context.Context, pageURL string) ([]byte, error)
}

// NewCapturer creates a Capturer from cfg.
func NewCapturer(cfg *config.Config, logger *utils.Logger) *Capturer {
	return &Capturer{
		cfg:    cfg,
		logger: logger,
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.CaptureMaxRetries,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Logger:      logger,
		},
		now: time.Now,
	}
}

// TargetsFromRecords selects the valid records whose image reference is an
// http(s) URL, one target per property.
func TargetsFromRecords(records []*models.NormalizedRecord) []Target {
	seen := utils.NewStringSet()
	var targets []Target
	for _, r := range records {
		if !r.Valid() || !isWebURL(r.ImageRef) {
			continue
		}
		if !seen.Add(r.PropertyID) {
			continue
		}
		targets = append(targets, Target{
			PropertyID:    r.PropertyID,
			CertificateID: r.CertificateID,
			URL:           r.ImageRef,
		})
	}
	return targets
}

func isWebURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Capture screenshots every target and returns one manifest entry per
// property that was captured. Pages that still fail after retries are
// logged and skipped.
func (c *Capturer) Capture(ctx context.Context, targets []Target) ([]models.ImageEntry, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(c.cfg.ImageDir, 0755); err != nil {
		return nil, fmt.Errorf("imagery: create image dir: %w", err)
	}

	shoot := c.shoot
	if shoot == nil {
		browserCtx, cancel, err := c.startBrowser(ctx)
		if err != nil {
			return nil, err
		}
		defer cancel()
		shoot = func(_ context.Context, pageURL string) ([]byte, error) {
			return screenshot(browserCtx, pageURL)
		}
	}

	c.logger.Info("[imagery] Capturing %d pages (concurrency %d)", len(targets), c.cfg.CaptureConcurrency)

	pool := utils.NewWorkerPool(c.cfg.CaptureConcurrency, c.cfg.CaptureRateLimitMs)
	defer pool.Close()
	seen := utils.NewStringSet()

	var (
		mu      sync.Mutex
		entries []models.ImageEntry
		failed  int
	)
	for _, t := range targets {
		if !seen.Add(t.PropertyID) {
			continue
		}
		pool.Submit(func() {
			var png []byte
			err := c.retry.Do(ctx, "capture "+t.PropertyID, func() error {
				var err error
				png, err = shoot(ctx, t.URL)
				return err
			})
			if err == nil {
				err = c.save(t, png, &mu, &entries)
			}
			if err != nil {
				c.logger.Warn("[imagery] Skipping %s: %v", t.PropertyID, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	_ = pool.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("imagery: capture cancelled: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].PropertyID < entries[j].PropertyID })
	c.logger.Info("[imagery] Captured %d images, %d failed", len(entries), failed)
	return entries, nil
}

func (c *Capturer) save(t Target, png []byte, mu *sync.Mutex, entries *[]models.ImageEntry) error {
	if len(png) == 0 {
		return errors.New("empty screenshot")
	}
	path := filepath.Join(c.cfg.ImageDir, fileName(t.PropertyID))
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	mu.Lock()
	defer mu.Unlock()
	*entries = append(*entries, models.ImageEntry{
		PropertyID:    t.PropertyID,
		CertificateID: t.CertificateID,
		ImageRef:      path,
		CapturedAt:    c.now().UTC(),
	})
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func fileName(propertyID string) string {
	return unsafeChars.ReplaceAllString(propertyID, "_") + ".png"
}

// startBrowser launches one headless browser shared by every page of a
// Capture call.
func (c *Capturer) startBrowser(ctx context.Context) (context.Context, context.CancelFunc, error) {
	chromeBin := findChromeBinary(c.cfg.ChromeBin)
	c.logger.Info("[imagery] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.WindowSize(1280, 960),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("imagery: start browser: %w", err)
	}
	return browserCtx, cancel, nil
}

// screenshot opens pageURL in a new tab and returns a full-page PNG.
func screenshot(browserCtx context.Context, pageURL string) ([]byte, error) {
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	defer cancel()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, pageTimeout)
	defer cancelTimeout()

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp screenshot: %w", err)
	}
	return buf, nil
}

// findChromeBinary locates a Chrome/Chromium binary, preferring configured.
func findChromeBinary(configured string) string {
	if configured != "" {
		return configured
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
