package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
)

// DefaultSegmentSize is used when an Archiver is built with a size below one.
const DefaultSegmentSize = 1_000

// Segment describes one sealed run of consecutive audit records.
type Segment struct {
	Digest   string `json:"digest"`
	FirstSeq uint64 `json:"firstSeq"`
	LastSeq  uint64 `json:"lastSeq"`
	Count    int    `json:"count"`
	PrevHash string `json:"prevHash"`
	Head     string `json:"head"`
}

// Index lists the segments of one trail in sequence order.
type Index struct {
	Segments []Segment `json:"segments"`
}

// ExportSegment verifies that records form a chain and stores them as
// canonical JSON lines.
func ExportSegment(ctx context.Context, store Store, records []audit.Record) (Segment, error) {
	if len(records) == 0 {
		return Segment{}, errors.New("archive: empty segment")
	}
	first, last := records[0], records[len(records)-1]
	if err := audit.VerifyChain(records, first.PrevHash); err != nil {
		return Segment{}, fmt.Errorf("archive: refusing broken segment: %w", err)
	}
	var buf bytes.Buffer
	if err := audit.WriteJSONL(&buf, records); err != nil {
		return Segment{}, fmt.Errorf("archive: encode segment: %w", err)
	}
	digest, err := store.Put(ctx, buf.Bytes())
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		Digest:   digest,
		FirstSeq: first.Sequence,
		LastSeq:  last.Sequence,
		Count:    len(records),
		PrevHash: first.PrevHash,
		Head:     last.Hash,
	}, nil
}

// LoadSegment fetches a segment and checks it against its descriptor.
func LoadSegment(ctx context.Context, store Store, seg Segment) ([]audit.Record, error) {
	data, err := store.Get(ctx, seg.Digest)
	if err != nil {
		return nil, err
	}
	if got := Digest(data); got != seg.Digest {
		return nil, fmt.Errorf("archive: segment %s: content digest %s", seg.Digest, got)
	}
	records, err := audit.ReadJSONL(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: segment %s: %w", seg.Digest, err)
	}
	if len(records) != seg.Count || len(records) == 0 {
		return nil, fmt.Errorf("archive: segment %s: %d records, descriptor says %d", seg.Digest, len(records), seg.Count)
	}
	if err := audit.VerifyChain(records, seg.PrevHash); err != nil {
		return nil, fmt.Errorf("archive: segment %s: %w", seg.Digest, err)
	}
	if last := records[len(records)-1]; last.Hash != seg.Head || records[0].Sequence != seg.FirstSeq {
		return nil, fmt.Errorf("archive: segment %s: bounds do not match descriptor", seg.Digest)
	}
	return records, nil
}

// PutIndex stores idx as canonical JSON.
func PutIndex(ctx context.Context, store Store, idx Index) (string, error) {
	raw, err := json.Marshal(idx)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize index: %w", err)
	}
	return store.Put(ctx, canonical)
}

// Restore loads every segment named by the index and returns the joined
// records. Segments must link head to prevHash.
func Restore(ctx context.Context, store Store, indexDigest string) ([]audit.Record, error) {
	data, err := store.Get(ctx, indexDigest)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("archive: decode index: %w", err)
	}
	var out []audit.Record
	for i, seg := range idx.Segments {
		if i > 0 && seg.PrevHash != idx.Segments[i-1].Head {
			return nil, fmt.Errorf("archive: segment %d does not link to segment %d", i, i-1)
		}
		records, err := LoadSegment(ctx, store, seg)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// Archiver is an audit.Sink that seals every segmentSize records into a
// store. A failed seal keeps the records pending and is retried on the next
// write.
type Archiver struct {
	mu       sync.Mutex
	store    Store
	size     int
	pending  []audit.Record
	segments []Segment
	logger   *slog.Logger
}

func NewArchiver(store Store, segmentSize int) *Archiver {
	if segmentSize < 1 {
		segmentSize = DefaultSegmentSize
	}
	return &Archiver{
		store:  store,
		size:   segmentSize,
		logger: slog.Default().With("component", "archive"),
	}
}

func (a *Archiver) WithLogger(l *slog.Logger) *Archiver {
	a.logger = l.With("component", "archive")
	return a
}

func (a *Archiver) Write(ctx context.Context, r audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, r)
	if len(a.pending) < a.size {
		return nil
	}
	return a.seal(ctx)
}

// Flush seals whatever is pending.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	return a.seal(ctx)
}

func (a *Archiver) seal(ctx context.Context) error {
	seg, err := ExportSegment(ctx, a.store, a.pending)
	if err != nil {
		a.logger.ErrorContext(ctx, "seal failed", "pending", len(a.pending), "error", err)
		return err
	}
	a.segments = append(a.segments, seg)
	a.pending = nil
	a.logger.InfoContext(ctx, "segment sealed",
		"digest", seg.Digest, "first", seg.FirstSeq, "last", seg.LastSeq)
	return nil
}

// Segments returns the sealed segment descriptors.
func (a *Archiver) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Segment(nil), a.segments...)
}

// Close flushes and stores the index, returning its digest. An archiver
// that never sealed anything returns "".
func (a *Archiver) Close(ctx context.Context) (string, error) {
	if err := a.Flush(ctx); err != nil {
		return "", err
	}
	segs := a.Segments()
	if len(segs) == 0 {
		return "", nil
	}
	return PutIndex(ctx, a.store, Index{Segments: segs})
}
