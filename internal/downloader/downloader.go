// Package downloader implements the peer-side reconciliation loop: for one
// shared file, it keeps fetching tracker records, requesting byte ranges
// from the freshest peers that can serve them, and writing the results into
// a local cache file until the file is complete and verified.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bittorrentclient/internal/clock"
	"bittorrentclient/internal/sink"
	"bittorrentclient/internal/trackfile"
)

// MaxInflight bounds the number of concurrent outbound GET SEG requests a
// single file's download task may have open at once.
const MaxInflight = 5

// backoffInterval is the minimum sleep between reconciliation attempts when
// no progress can be made (every candidate peer dead, or nextBytes empty).
const backoffInterval = 500 * time.Millisecond

// Downloader drives the reconciliation loop for a single shared file.
type Downloader struct {
	Dir         string // peer directory holding .track/.cache/.log files
	Fname       string
	TrackerAddr string
	MyIP        net.IP
	MyPort      int
	Clock       clock.Clock
	Log         *logrus.Logger
	Sink        sink.Sink // optional; progress lines are dropped if nil
}

func (d *Downloader) report(format string, args ...any) {
	if d.Sink != nil {
		d.Sink.Printf(format, args...)
	}
}

// selfAddr returns the (ip, port) this downloader reports itself as when
// calling updatetracker.
func (d *Downloader) selfAddr() (net.IP, int) {
	return d.MyIP, d.MyPort
}

type fetchResult struct {
	task Task
	n    int64
	err  error
}

// Run executes the reconciliation loop until the file is finalised or ctx
// is cancelled.
func (d *Downloader) Run(ctx context.Context) error {
	trackPath := filepath.Join(d.Dir, d.Fname+".track")
	cachePath := filepath.Join(d.Dir, d.Fname+".cache")
	logPath := filepath.Join(d.Dir, d.Fname+".log")

	dead := make(map[trackfile.PeerKey]bool)
	var reportedSpan int64
	var record *trackfile.Record

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetched, err := FetchRecord(d.TrackerAddr, d.Fname)
		switch {
		case err == nil:
			record = fetched
		case record == nil:
			d.Log.WithError(err).WithField("file", d.Fname).Warn("tracker unreachable, retrying")
			d.Clock.Sleep(backoffInterval)
			continue
		default:
			d.Log.WithError(err).WithField("file", d.Fname).Warn("tracker refresh failed, using stale record")
		}

		progress, err := LoadLog(logPath)
		if err != nil {
			return fmt.Errorf("load progress log for %s: %w", d.Fname, err)
		}

		if SizeRemaining(progress, record.Filesize()) == 0 {
			return d.finalize(record, cachePath, trackPath, logPath)
		}

		need := NextNeeded(progress, record.Filesize())
		tasks := nextBytes(record, need, dead)
		if len(tasks) == 0 {
			d.Clock.Sleep(backoffInterval)
			continue
		}

		fetchStart := d.Clock.Now()
		results := d.fetchAll(ctx, cachePath, tasks, dead)
		if len(results) == 0 {
			d.Clock.Sleep(backoffInterval)
			continue
		}
		elapsed := d.Clock.Now().Sub(fetchStart)

		ranges := make([]Range, 0, len(progress)+len(results))
		ranges = append(ranges, progress...)
		var fetchedBytes int64
		for _, res := range results {
			if res.err != nil {
				continue
			}
			ranges = append(ranges, Range{Start: res.task.Start, End: res.task.Start + res.n})
			fetchedBytes += res.n
		}
		progress = Merged(ranges)

		if fetchedBytes > 0 {
			have := record.Filesize() - SizeRemaining(progress, record.Filesize())
			pct := 100.0
			if record.Filesize() > 0 {
				pct = 100 * float64(have) / float64(record.Filesize())
			}
			rate := float64(fetchedBytes)
			if elapsed > 0 {
				rate = float64(fetchedBytes) / elapsed.Seconds()
			}
			d.report("%s: %.1f%% complete (%.0f B/s)", d.Fname, pct, rate)
		}

		if err := SaveLog(logPath, progress); err != nil {
			d.Log.WithError(err).WithField("file", d.Fname).Warn("saving progress log failed")
		}

		largest := LargestContiguous(progress)
		span := largest.End - largest.Start
		if span > reportedSpan {
			ip, port := d.selfAddr()
			ok, err := UpdateTracker(d.TrackerAddr, d.Fname, largest.Start, largest.End-1, ip, port)
			if err != nil {
				d.Log.WithError(err).WithField("file", d.Fname).Warn("updatetracker failed")
			} else if ok {
				reportedSpan = span
			}
		}
	}
}

// fetchAll issues every task concurrently, bounded by MaxInflight, and
// writes each successful payload directly into the cache file at its
// offset. Failures mark the offending peer dead for the remainder of the
// run and otherwise drop the reservation silently: the next reconciliation
// pass will reissue it.
func (d *Downloader) fetchAll(ctx context.Context, cachePath string, tasks []Task, dead map[trackfile.PeerKey]bool) []fetchResult {
	f, err := os.OpenFile(cachePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		d.Log.WithError(err).WithField("file", d.Fname).Error("open cache failed")
		return nil
	}
	defer f.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInflight)

	var mu sync.Mutex
	var results []fetchResult

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			n, payload, err := sendSegRequest(task.Peer.String(), d.Fname, task.Start, task.Size)
			if err != nil {
				mu.Lock()
				dead[task.Peer] = true
				mu.Unlock()
				d.Log.WithError(err).WithField("peer", task.Peer.String()).Warn("peer unreachable, marking dead")
				return nil
			}
			if int64(n) != task.Size {
				// Short or malformed reply: drop the reservation, the next
				// pass will requeue this range.
				return nil
			}
			if _, err := f.WriteAt(payload, task.Start); err != nil {
				d.Log.WithError(err).WithField("file", d.Fname).Warn("cache write failed")
				return nil
			}

			mu.Lock()
			results = append(results, fetchResult{task: task, n: int64(n)})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// finalize verifies the completed cache against the tracker's MD5 and, on
// success, atomically promotes it to the canonical filename and removes the
// local tracker record.
func (d *Downloader) finalize(record *trackfile.Record, cachePath, trackPath, logPath string) error {
	if record.Filesize() == 0 {
		f, err := os.OpenFile(cachePath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("create empty cache for %s: %w", d.Fname, err)
		}
		f.Close()
	}

	sum, err := md5File(cachePath)
	if err != nil {
		return fmt.Errorf("hash cache for %s: %w", d.Fname, err)
	}

	if sum != record.MD5() {
		d.Log.WithField("file", d.Fname).
			WithField("want", record.MD5()).
			WithField("got", sum).
			Error("completed cache failed md5 verification, keeping cache in place")
		return fmt.Errorf("md5 mismatch for %s: want %s got %s", d.Fname, record.MD5(), sum)
	}

	finalPath := filepath.Join(d.Dir, d.Fname)
	if _, err := os.Stat(finalPath); err == nil {
		d.Log.WithField("file", d.Fname).Warn("destination already exists, leaving cache in place")
		return nil
	}

	if err := os.Rename(cachePath, finalPath); err != nil {
		return fmt.Errorf("promote cache for %s: %w", d.Fname, err)
	}
	os.Remove(trackPath)
	os.Remove(logPath)

	d.Log.WithField("file", d.Fname).Info("download complete")
	return nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
