// Package cacheclient classifies and refreshes the on-disk flat-file
// directory cache this client boots its NetworkDirectory from. There is no
// live consensus download here: the cache-freshness controller only decides
// whether the cache on disk is new enough to use as-is, needs just its
// churn delta refreshed, or needs the whole archive pulled down again.
package cacheclient

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/torcache/pkg/errors"
	"github.com/opd-ai/torcache/pkg/logger"
)

// CacheState is the three-valued classification of the on-disk cache.
type CacheState int

const (
	// Fresh means the microdescriptor set is from this ISO week and the
	// churn delta was refreshed today; no network activity is needed.
	Fresh CacheState = iota
	// ChurnStale means the microdescriptor set is from this ISO week but
	// the churn delta is from an earlier day; only churn needs refreshing.
	ChurnStale
	// AllStale means the whole cache is missing or too old to trust;
	// the full archive must be re-downloaded.
	AllStale
)

func (s CacheState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case ChurnStale:
		return "churn_stale"
	case AllStale:
		return "all_stale"
	default:
		return "unknown"
	}
}

// required cache directory layout, per SPEC_FULL.md §6.
const (
	authorityFile   = "authority.json"
	consensusFile   = "consensus.txt"
	certificateFile = "certificate.txt"
	microdescsFile  = "microdescriptors.txt"
	churnFile       = "churn.txt"
)

// Config configures a Controller's cache location and refresh endpoints.
type Config struct {
	CacheDir       string
	ArchiveURL     string
	ChurnURL       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Controller classifies and refreshes the on-disk directory cache. It is
// the single writer of the cache directory; every write lands via an
// atomic rename so a reader never observes a half-written file.
type Controller struct {
	cfg    Config
	client *http.Client
	log    *logger.Logger
}

// NewController builds a Controller from cfg, filling in sensible defaults
// for any zero-valued timeout.
func NewController(cfg Config, log *logger.Logger) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Controller{
		cfg:    cfg,
		client: newHTTPClient(cfg.ConnectTimeout, cfg.RequestTimeout),
		log:    log.Component("cacheclient"),
	}
}

// Classify evaluates the on-disk cache against now (which callers pass in
// UTC) and returns its freshness state. This never touches the network.
func Classify(cacheDir string, now time.Time) CacheState {
	now = now.UTC()

	if info, err := os.Stat(cacheDir); err != nil || !info.IsDir() {
		return AllStale
	}

	required := []string{authorityFile, consensusFile, certificateFile, microdescsFile, churnFile}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(cacheDir, name)); err != nil {
			return AllStale
		}
	}

	mc, err := modTime(filepath.Join(cacheDir, microdescsFile))
	if err != nil {
		return AllStale
	}
	ch, err := modTime(filepath.Join(cacheDir, churnFile))
	if err != nil {
		return AllStale
	}

	if !sameISOWeek(mc, now) {
		return AllStale
	}
	if sameISOWeek(ch, now) && ch.Weekday() == now.Weekday() {
		return Fresh
	}
	return ChurnStale
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

func sameISOWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}

// Ensure brings the on-disk cache to Fresh, fetching whatever Classify says
// is missing. A network failure here is returned to the caller:
// per SPEC_FULL.md §4.G, a failed refresh must never leave the client
// believing it has a directory to build circuits from.
func (c *Controller) Ensure(ctx context.Context, now time.Time) error {
	state := Classify(c.cfg.CacheDir, now)
	c.log.Info("classified cache state", "state", state.String())

	switch state {
	case Fresh:
		return nil
	case ChurnStale:
		return c.refreshChurn(ctx)
	case AllStale:
		if err := c.refreshArchive(ctx); err != nil {
			return err
		}
		return c.refreshChurn(ctx)
	default:
		return errors.ConfigError("unreachable cache state", nil)
	}
}
