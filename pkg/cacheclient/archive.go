package cacheclient

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/torcache/pkg/errors"
)

const maxCacheFileSize = 64 << 20 // 64MiB per file; cache files are small text documents

// refreshArchive fetches the full cache archive (a gzip-compressed tarball
// of {authority.json, consensus.txt, certificate.txt,
// microdescriptors.txt, churn.txt}) and installs it as the new cache
// directory. The unpack happens entirely in a staging directory; the swap
// into place is the only moment the on-disk cache is mutated, so a reader
// never observes a partially-unpacked archive.
func (c *Controller) refreshArchive(ctx context.Context) error {
	c.log.Info("fetching directory archive", "url", c.cfg.ArchiveURL)

	body, err := c.fetch(ctx, c.cfg.ArchiveURL)
	if err != nil {
		return errors.NetworkError("failed to fetch directory archive", err)
	}
	defer body.Close()

	staging := c.cfg.CacheDir + ".new"
	if err := os.RemoveAll(staging); err != nil {
		return errors.ConfigError("failed to clear stale staging directory", err)
	}
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return errors.ConfigError("failed to create staging directory", err)
	}

	if err := extractTarGz(body, staging); err != nil {
		os.RemoveAll(staging)
		return errors.CacheCorruptionErrorWrap("failed to unpack directory archive", err)
	}

	if err := swapCacheDir(c.cfg.CacheDir, staging); err != nil {
		os.RemoveAll(staging)
		return errors.ConfigError("failed to install new cache directory", err)
	}

	c.log.Info("installed new cache directory")
	return nil
}

// refreshChurn fetches only the churn delta, replacing churn.txt via
// write-temp-then-rename so its mtime atomically becomes "today" only once
// the new content is fully on disk.
func (c *Controller) refreshChurn(ctx context.Context) error {
	c.log.Info("fetching churn delta", "url", c.cfg.ChurnURL)

	body, err := c.fetch(ctx, c.cfg.ChurnURL)
	if err != nil {
		return errors.NetworkError("failed to fetch churn delta", err)
	}
	defer body.Close()

	if err := os.MkdirAll(c.cfg.CacheDir, 0o700); err != nil {
		return errors.ConfigError("failed to create cache directory", err)
	}

	dst := filepath.Join(c.cfg.CacheDir, churnFile)
	tmp := dst + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.ConfigError("failed to open temporary churn file", err)
	}
	if _, err := io.Copy(f, io.LimitReader(body, maxCacheFileSize)); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.ConfigError("failed to write churn delta", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.ConfigError("failed to flush churn delta", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.ConfigError("failed to install churn delta", err)
	}

	return nil
}

// fetch issues a GET against url, retrying transient failures (dial
// errors, non-2xx status) under the default retry policy before giving
// up; a malformed URL is a caller bug and is never retried.
func (c *Controller) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var body io.ReadCloser
	retryErr := errors.RetryWithPolicy(ctx, errors.DefaultRetryPolicy(), func() error {
		resp, err := c.client.Do(req)
		if err != nil {
			return errors.NetworkError("perform request", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return errors.NetworkError(fmt.Sprintf("unexpected status %s", resp.Status), nil)
		}
		body = resp.Body
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return body, nil
}

// extractTarGz unpacks a gzip-compressed tar stream into dir, rejecting
// any entry that would escape dir (path traversal) or that isn't a
// regular file.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("tar entry %q escapes archive root", hdr.Name)
		}
		dest := filepath.Join(dir, filepath.Base(name))

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, io.LimitReader(tr, maxCacheFileSize)); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("flush %s: %w", dest, err)
		}
	}
}

// swapCacheDir atomically installs staging as the new cacheDir. The old
// contents are moved aside and removed only after the swap succeeds, so a
// failure partway through never leaves cacheDir missing both the old and
// new directories for more than the single rename syscall.
func swapCacheDir(cacheDir, staging string) error {
	old := cacheDir + ".old"
	os.RemoveAll(old)

	if _, err := os.Stat(cacheDir); err == nil {
		if err := os.Rename(cacheDir, old); err != nil {
			return fmt.Errorf("move aside previous cache: %w", err)
		}
	}

	if err := os.Rename(staging, cacheDir); err != nil {
		if _, statErr := os.Stat(old); statErr == nil {
			os.Rename(old, cacheDir)
		}
		return fmt.Errorf("install staged cache: %w", err)
	}

	os.RemoveAll(old)
	return nil
}
