// Package s3fetch mirrors the access-log archive from an S3 bucket into a
// local directory tree, preserving key paths. The local tree is what
// pkg/loglocate walks, so fetching and parsing stay decoupled.
package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorstats/countme/pkg/humanfmt"
	"github.com/mirrorstats/countme/pkg/logging"
)

// Config describes one archive sync.
type Config struct {
	// Bucket is the S3 bucket holding the log archive.
	Bucket string

	// Prefix restricts the sync to keys under this prefix. The prefix is
	// stripped from local paths.
	Prefix string

	// Dest is the local directory the archive is mirrored into.
	Dest string

	// Concurrency bounds parallel downloads. Zero means DefaultConcurrency.
	Concurrency int
}

// DefaultConcurrency is the download parallelism used when Config leaves
// Concurrency zero.
const DefaultConcurrency = 8

// Validate checks the config before any AWS call is made.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Dest == "" {
		return errors.New("destination directory is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	return nil
}

// Stats summarizes a sync run.
type Stats struct {
	Listed     int64
	Downloaded int64
	Skipped    int64
	Bytes      int64
}

type object struct {
	key  string
	size int64
}

// Fetch lists every object under the prefix and downloads the ones whose
// local copy is missing or has a different size. Archived logs are
// immutable once written, so size equality is enough to skip a key.
func Fetch(ctx context.Context, cfg Config) (Stats, error) {
	log := logging.WithPhase("fetch")
	if err := cfg.Validate(); err != nil {
		return Stats{}, fmt.Errorf("fetch config: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	downloader := manager.NewDownloader(client)

	objects, err := list(ctx, client, cfg)
	if err != nil {
		return Stats{}, err
	}
	log.Info().
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Int("objects", len(objects)).
		Msg("listed archive")

	start := time.Now()
	var downloaded, skipped, bytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, obj := range objects {
		obj := obj
		g.Go(func() error {
			local := localPath(cfg, obj.key)
			if fi, err := os.Stat(local); err == nil && fi.Size() == obj.size {
				skipped.Add(1)
				return nil
			}
			n, err := download(gctx, downloader, cfg.Bucket, obj.key, local)
			if err != nil {
				return fmt.Errorf("download s3://%s/%s: %w", cfg.Bucket, obj.key, err)
			}
			downloaded.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Listed:     int64(len(objects)),
		Downloaded: downloaded.Load(),
		Skipped:    skipped.Load(),
		Bytes:      bytes.Load(),
	}
	log.Info().
		Int64("downloaded", stats.Downloaded).
		Int64("skipped", stats.Skipped).
		Str("bytes", humanfmt.Bytes(stats.Bytes)).
		Str("elapsed", humanfmt.Duration(time.Since(start))).
		Msg("archive sync complete")
	return stats, nil
}

func list(ctx context.Context, client *s3.Client, cfg Config) ([]object, error) {
	var objects []object
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: &cfg.Bucket,
		Prefix: &cfg.Prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", cfg.Bucket, cfg.Prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			objects = append(objects, object{key: *obj.Key, size: size})
		}
	}
	return objects, nil
}

// localPath maps an object key to its mirrored path under Dest.
func localPath(cfg Config, key string) string {
	rel := strings.TrimPrefix(key, cfg.Prefix)
	rel = strings.TrimPrefix(rel, "/")
	return filepath.Join(cfg.Dest, filepath.FromSlash(rel))
}

// download fetches one object into a sibling temp file and renames it
// into place, so a partially-written log never looks present.
func download(ctx context.Context, dl *manager.Downloader, bucket, key, local string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return 0, err
	}
	tmp := local + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := dl.Download(ctx, f, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
