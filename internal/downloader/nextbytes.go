package downloader

import (
	"bittorrentclient/internal/trackfile"
)

// ChunkSize is the unit of transfer requested from a single peer in a
// single GET SEG round-trip.
const ChunkSize = 1024

// maxQueueBytes bounds how much work nextBytes hands out for a single peer
// in one pass: at most 10 chunks' worth, so one peer can't monopolize the
// reconciliation loop on one oversized range.
const maxQueueBytes = 10 * ChunkSize

// Task is one chunk request to issue against a specific peer.
type Task struct {
	Peer  trackfile.PeerKey
	Start int64
	Size  int64
}

// nextBytes picks the freshest peer whose advertised range covers need (the
// first byte not yet owned locally) and queues chunk-sized requests against
// it, advancing through the peer's range until either maxQueueBytes has
// been queued or the peer's range is exhausted. Peers that cannot serve
// need, or that are in dead, are skipped; if none can, it returns nothing,
// signalling the caller to refresh the tracker record and retry.
func nextBytes(record *trackfile.Record, need int64, dead map[trackfile.PeerKey]bool) []Task {
	peers := record.Peers()

	for _, key := range record.PeersByRecency() {
		if dead[key] {
			continue
		}
		entry, ok := peers[key]
		if !ok || need < entry.Start || need > entry.End {
			continue
		}

		var tasks []Task
		var queued int64
		start := need
		for start <= entry.End && queued < maxQueueBytes {
			size := entry.End - start + 1
			if size > ChunkSize {
				size = ChunkSize
			}
			if remaining := maxQueueBytes - queued; size > remaining {
				size = remaining
			}
			tasks = append(tasks, Task{Peer: key, Start: start, Size: size})
			queued += size
			start += size
		}
		return tasks
	}

	return nil
}
