// Package decisionlog implements the durable decision log for two-phase
// commit: an append-only, crash-safe sequence of protocol records consumed
// only by the coordinator. Records are framed in a fixed little-endian
// binary layout and written to size-limited segment files.
package decisionlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LSN is a log sequence number: the global byte offset at which a record
// was appended. LSNs are never reused, including across compaction.
type LSN uint64

// InvalidLSN is returned from failed appends.
const InvalidLSN LSN = 0

// RecordType tags a decision log record.
type RecordType byte

const (
	RecordPrepare RecordType = iota + 1 // Coordinator is about to poll participants
	RecordCommit                        // Global decision: commit
	RecordRollback                      // Global decision: roll back
	RecordEnd                           // All participants notified; xid may be truncated
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "PREPARE"
	case RecordCommit:
		return "COMMIT"
	case RecordRollback:
		return "ROLLBACK"
	case RecordEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Record is one decision log entry.
type Record struct {
	LSN       LSN
	Timestamp int64 // Unix nanoseconds at append time
	Type      RecordType
	Xid       string
}

var (
	// ErrRecordTooLarge is returned when an xid exceeds the frame limit.
	ErrRecordTooLarge = errors.New("decision log record too large")
	// ErrLogClosed is returned for operations on a closed log.
	ErrLogClosed = errors.New("decision log is closed")
)

const (
	segmentPrefix = "decisions_"
	segmentSuffix = ".log"

	// recordHeaderSize covers LSN, Timestamp, Type and the xid length.
	recordHeaderSize = 8 + 8 + 1 + 2

	maxXidLen = 1<<16 - 1
)

// Options tunes a Log.
type Options struct {
	// SegmentSizeLimit is the maximum byte size of one segment file before
	// the log rolls to a new one. Zero means 4 MiB.
	SegmentSizeLimit int64
	// CompactRateBytes throttles the copy performed by Compact, in bytes
	// per second. Zero disables throttling.
	CompactRateBytes int
}

// Log is the durable decision log. It is the sole resource shared across
// all in-flight two-phase transactions; appends serialize through its
// mutex and are fsynced before Append returns.
type Log struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu               sync.Mutex
	file             *os.File
	currentSegmentID uint64
	currentLSN       LSN
	segmentOffset    int64
	closed           bool
}

// Open opens (or creates) the decision log rooted at dir and positions the
// append cursor after the last durable record.
func Open(dir string, logger *zap.Logger, opts Options) (*Log, error) {
	if opts.SegmentSizeLimit <= 0 {
		opts.SegmentSizeLimit = 4 << 20
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create decision log directory %s: %w", dir, err)
	}

	l := &Log{
		dir:    dir,
		opts:   opts,
		logger: logger,
	}
	if err := l.openLatestSegment(); err != nil {
		return nil, err
	}

	logger.Info("decision log opened",
		zap.String("dir", dir),
		zap.Uint64("segment", l.currentSegmentID),
		zap.Uint64("lsn", uint64(l.currentLSN)))
	return l, nil
}

// openLatestSegment scans dir for existing segments, derives the next LSN
// from the records themselves, and opens the newest segment for appending.
// Compaction shrinks the files but surviving records keep their original
// LSNs, so the high-water mark must come from the last record, never from
// summed file sizes. A torn tail on the newest segment is truncated so
// appends resume at a record boundary. Callers must hold l.mu (or be the
// constructor).
func (l *Log) openLatestSegment() error {
	segments, err := orderedSegments(l.dir)
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		l.currentSegmentID = 1
		l.currentLSN = 0
		l.segmentOffset = 0
	} else {
		var nextLSN LSN
		for i, seg := range segments {
			lastSegment := i == len(segments)-1
			segEnd, validSize, scanErr := scanSegment(seg, lastSegment)
			if scanErr != nil {
				return scanErr
			}
			if segEnd > nextLSN {
				nextLSN = segEnd
			}
			if lastSegment {
				if validSize < seg.size {
					l.logger.Warn("truncating torn record at decision log tail",
						zap.String("segment", seg.path),
						zap.Int64("valid_bytes", validSize),
						zap.Int64("file_bytes", seg.size))
					if err := os.Truncate(seg.path, validSize); err != nil {
						return fmt.Errorf("failed to truncate torn decision log tail: %w", err)
					}
				}
				l.segmentOffset = validSize
			}
		}
		l.currentSegmentID = segments[len(segments)-1].id
		l.currentLSN = nextLSN
	}

	file, err := os.OpenFile(l.segmentPath(l.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open decision log segment: %w", err)
	}
	l.file = file
	return nil
}

// scanSegment walks a segment's records and returns the highest LSN frame
// end it contains plus the byte length of its whole records. A torn tail
// is tolerated only on the newest segment.
func scanSegment(seg segmentInfo, lastSegment bool) (LSN, int64, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open decision log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	var (
		maxEnd    LSN
		validSize int64
	)
	reader := bufio.NewReader(file)
	for {
		var rec Record
		err := readRecord(reader, &rec)
		if err == io.EOF {
			return maxEnd, validSize, nil
		}
		if err == io.ErrUnexpectedEOF && lastSegment {
			return maxEnd, validSize, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to scan decision log segment %s: %w", seg.path, err)
		}
		frameSize := int64(recordHeaderSize + len(rec.Xid))
		validSize += frameSize
		if end := rec.LSN + LSN(frameSize); end > maxEnd {
			maxEnd = end
		}
	}
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

type segmentInfo struct {
	path string
	id   uint64
	size int64
}

// orderedSegments lists the segment files in dir sorted by segment id.
func orderedSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision log directory %s: %w", dir, err)
	}
	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		id, parseErr := strconv.ParseUint(idStr, 10, 64)
		if parseErr != nil {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil, infoErr
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), id: id, size: info.Size()})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// Append durably writes one record and returns its LSN. The record is on
// stable media when Append returns; the coordinator's write-ahead rule
// depends on that.
func (l *Log) Append(recType RecordType, xid string) (LSN, error) {
	if len(xid) > maxXidLen {
		return InvalidLSN, ErrRecordTooLarge
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return InvalidLSN, ErrLogClosed
	}

	rec := Record{
		LSN:       l.currentLSN,
		Timestamp: time.Now().UnixNano(),
		Type:      recType,
		Xid:       xid,
	}
	frame := encodeRecord(&rec)
	frameSize := int64(len(frame))

	if l.segmentOffset+frameSize > l.opts.SegmentSizeLimit && l.segmentOffset > 0 {
		if err := l.rollSegment(); err != nil {
			return InvalidLSN, err
		}
	}

	if _, err := l.file.Write(frame); err != nil {
		return InvalidLSN, fmt.Errorf("failed to append decision record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return InvalidLSN, fmt.Errorf("failed to sync decision log: %w", err)
	}

	l.currentLSN += LSN(frameSize)
	l.segmentOffset += frameSize

	l.logger.Debug("decision record appended",
		zap.Stringer("type", recType),
		zap.String("xid", xid),
		zap.Uint64("lsn", uint64(rec.LSN)))
	return rec.LSN, nil
}

// rollSegment closes the active segment and starts the next one. Callers
// must hold l.mu.
func (l *Log) rollSegment() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close decision log segment: %w", err)
	}
	l.currentSegmentID++
	file, err := os.OpenFile(l.segmentPath(l.currentSegmentID), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to roll decision log segment: %w", err)
	}
	l.file = file
	l.segmentOffset = 0
	return nil
}

// Replay streams every durable record, oldest first, into fn. A torn
// record at the tail of the newest segment (a crash mid-append) ends the
// replay at the last whole record. fn returning an error stops the replay
// and propagates it.
func (l *Log) Replay(fn func(*Record) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLogClosed
	}
	segments, err := orderedSegments(l.dir)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	for i, seg := range segments {
		lastSegment := i == len(segments)-1
		if err := replaySegment(seg, lastSegment, l.logger, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(seg segmentInfo, lastSegment bool, logger *zap.Logger, fn func(*Record) error) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open decision log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		var rec Record
		err := readRecord(reader, &rec)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF && lastSegment {
			// Torn tail from a crash mid-append; everything before it is
			// intact.
			logger.Warn("decision log segment ends in a torn record, stopping replay",
				zap.String("segment", seg.path))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read decision record from %s: %w", seg.path, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
}

// Compact rewrites the log, dropping every record belonging to an xid
// whose End record is durable. The copy is throttled by CompactRateBytes.
// End permits truncation; Compact performs it.
func (l *Log) Compact(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	segments, err := orderedSegments(l.dir)
	if err != nil {
		return err
	}

	// First pass: find ended xids.
	ended := make(map[string]struct{})
	for i, seg := range segments {
		if err := replaySegment(seg, i == len(segments)-1, l.logger, func(rec *Record) error {
			if rec.Type == RecordEnd {
				ended[rec.Xid] = struct{}{}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if len(ended) == 0 {
		return nil
	}

	var limiter *rate.Limiter
	if l.opts.CompactRateBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.opts.CompactRateBytes), l.opts.CompactRateBytes)
	}

	// Second pass: copy survivors into a fresh segment after the current
	// one, then drop the old segments.
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close active segment before compaction: %w", err)
	}
	l.currentSegmentID++
	compactedPath := l.segmentPath(l.currentSegmentID)
	out, err := os.OpenFile(compactedPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compacted segment: %w", err)
	}

	var kept, dropped int
	writer := bufio.NewWriter(out)
	for i, seg := range segments {
		copyErr := replaySegment(seg, i == len(segments)-1, l.logger, func(rec *Record) error {
			if _, isEnded := ended[rec.Xid]; isEnded {
				dropped++
				return nil
			}
			frame := encodeRecord(rec)
			if limiter != nil {
				if err := limiter.WaitN(ctx, len(frame)); err != nil {
					return err
				}
			}
			kept++
			_, err := writer.Write(frame)
			return err
		})
		if copyErr != nil {
			out.Close()
			os.Remove(compactedPath)
			return fmt.Errorf("decision log compaction failed: %w", copyErr)
		}
	}
	if err := writer.Flush(); err != nil {
		out.Close()
		os.Remove(compactedPath)
		return fmt.Errorf("failed to flush compacted segment: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(compactedPath)
		return fmt.Errorf("failed to sync compacted segment: %w", err)
	}

	for _, seg := range segments {
		if err := os.Remove(seg.path); err != nil {
			out.Close()
			return fmt.Errorf("failed to remove compacted-away segment %s: %w", seg.path, err)
		}
	}

	info, err := out.Stat()
	if err != nil {
		out.Close()
		return err
	}
	l.file = out
	l.segmentOffset = info.Size()
	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	l.logger.Info("decision log compacted",
		zap.Int("records_kept", kept),
		zap.Int("records_dropped", dropped),
		zap.Int("xids_truncated", len(ended)))
	return nil
}

// Close releases the active segment. Further operations fail with
// ErrLogClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// encodeRecord frames a record: lsn u64 | timestamp i64 | type u8 |
// xid length u16 | xid bytes, all little-endian.
func encodeRecord(rec *Record) []byte {
	buf := make([]byte, recordHeaderSize+len(rec.Xid))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Timestamp))
	buf[16] = byte(rec.Type)
	binary.LittleEndian.PutUint16(buf[17:19], uint16(len(rec.Xid)))
	copy(buf[recordHeaderSize:], rec.Xid)
	return buf
}

// readRecord reads one framed record. io.EOF means a clean segment end;
// io.ErrUnexpectedEOF means a torn record.
func readRecord(reader *bufio.Reader, rec *Record) error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	rec.LSN = LSN(binary.LittleEndian.Uint64(header[0:8]))
	rec.Timestamp = int64(binary.LittleEndian.Uint64(header[8:16]))
	rec.Type = RecordType(header[16])
	xidLen := binary.LittleEndian.Uint16(header[17:19])
	xid := make([]byte, xidLen)
	if _, err := io.ReadFull(reader, xid); err != nil {
		return io.ErrUnexpectedEOF
	}
	rec.Xid = string(xid)
	if rec.Type < RecordPrepare || rec.Type > RecordEnd {
		return fmt.Errorf("corrupt decision record type %d at lsn %d", rec.Type, rec.LSN)
	}
	return nil
}
