package ranking

import "sort"

// DefaultBucketLimit caps each quality bucket when a profile does not set
// its own limit.
const DefaultBucketLimit = 20

// bucketFor maps a parsed resolution onto its quality bucket.
func bucketFor(resolution string) string {
	switch resolution {
	case "2160p", "1080p", "720p":
		return resolution
	case "576p", "480p":
		return "sd"
	default:
		return "unknown"
	}
}

// SortTorrents groups torrents into quality buckets, caps each bucket, and
// returns the survivors in rank order: descending rank, then larger size,
// then lexicographic raw title, then infohash. The result is deterministic
// for a fixed input set.
func SortTorrents(torrents []Torrent, bucketLimit int) []Torrent {
	if bucketLimit <= 0 {
		bucketLimit = DefaultBucketLimit
	}

	buckets := make(map[string][]Torrent)
	for _, t := range torrents {
		key := bucketFor(t.Parsed.Resolution)
		buckets[key] = append(buckets[key], t)
	}

	out := make([]Torrent, 0, len(torrents))
	for _, group := range buckets {
		sortByRank(group)
		if len(group) > bucketLimit {
			group = group[:bucketLimit]
		}
		out = append(out, group...)
	}

	sortByRank(out)
	return out
}

func sortByRank(ts []Torrent) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Rank != ts[j].Rank {
			return ts[i].Rank > ts[j].Rank
		}
		if ts[i].Size != ts[j].Size {
			return ts[i].Size > ts[j].Size
		}
		if ts[i].RawTitle != ts[j].RawTitle {
			return ts[i].RawTitle < ts[j].RawTitle
		}
		return ts[i].Infohash < ts[j].Infohash
	})
}
