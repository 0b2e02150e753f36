// Package tailer reads newline-delimited structured records from a growing
// log file, tracking a persisted byte offset and handling rotation.
package tailer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"threathunter/internal/persist"
	"threathunter/internal/types"
)

// initialScanWindow caps how far back the first-run scan seeks, so startup
// cost stays bounded on large pre-existing logs.
const initialScanWindow = 1 << 20 // 1 MiB

// Config holds tailer configuration.
type Config struct {
	// Path is the append-only log file to follow.
	Path string
	// OffsetPath is the plain-integer file holding the persisted byte offset.
	OffsetPath string
}

// Batch is the result of one read pass.
type Batch struct {
	// Records are the successfully parsed records, in file order.
	Records []types.LogRecord
	// NewOffset is the byte position after the last consumed line. It is NOT
	// persisted yet; callers commit it only after downstream handoff.
	NewOffset int64
	// Malformed counts lines that failed to parse and were skipped.
	Malformed int
	// Rotated reports whether rotation was detected on this pass.
	Rotated bool
}

// Tailer follows a single log file. It is driven by one goroutine; only the
// counters are safe for concurrent reads.
type Tailer struct {
	path       string
	offsetPath string
	logger     zerolog.Logger

	malformedTotal atomic.Int64
	rotations      atomic.Int64

	parser fastjson.Parser
}

// New creates a tailer for cfg.Path.
func New(cfg Config, logger zerolog.Logger) *Tailer {
	return &Tailer{
		path:       cfg.Path,
		offsetPath: cfg.OffsetPath,
		logger:     logger.With().Str("component", "tailer").Str("path", cfg.Path).Logger(),
	}
}

// Offset returns the persisted byte offset, or 0 when none has been
// recorded or the offset file is unreadable.
func (t *Tailer) Offset() int64 {
	data, err := os.ReadFile(t.offsetPath)
	if err != nil {
		return 0
	}
	pos, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || pos < 0 {
		t.logger.Warn().Err(err).Msg("offset file unreadable, starting from 0")
		return 0
	}
	return pos
}

// CommitOffset persists the offset. Callers invoke this only after the batch
// has been fully handed off downstream, so a crash between read and commit
// re-reads the same records (at-least-once delivery).
func (t *Tailer) CommitOffset(offset int64) error {
	err := persist.WriteFileAtomic(t.offsetPath, []byte(strconv.FormatInt(offset, 10)), 0o644)
	if err != nil {
		return fmt.Errorf("persist offset: %w", err)
	}
	return nil
}

// MalformedTotal returns the number of malformed lines skipped so far.
func (t *Tailer) MalformedTotal() int64 { return t.malformedTotal.Load() }

// Rotations returns the number of rotations detected so far.
func (t *Tailer) Rotations() int64 { return t.rotations.Load() }

// ReadBatch reads up to maxRecords records starting at the persisted offset.
// If the file has shrunk below the offset it is treated as rotated and the
// read restarts from 0. A missing file yields an empty batch.
func (t *Tailer) ReadBatch(maxRecords int) (*Batch, error) {
	offset := t.Offset()

	file, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.logger.Warn().Msg("log file not found, skipping read")
			return &Batch{NewOffset: offset}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	batch := &Batch{NewOffset: offset}
	if info.Size() < offset {
		t.rotations.Add(1)
		batch.Rotated = true
		offset = 0
		batch.NewOffset = 0
		t.logger.Info().Int64("size", info.Size()).Msg("log rotation detected, resetting offset")
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to offset %d: %w", offset, err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	pos := offset
	for len(batch.Records) < maxRecords {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// A partial trailing line may still be mid-write; leave it
				// for the next pass instead of consuming garbage.
				break
			}
			return nil, fmt.Errorf("read log file: %w", err)
		}
		pos += int64(len(line))

		record, perr := t.parseLine(line)
		if perr != nil {
			batch.Malformed++
			t.malformedTotal.Add(1)
			continue
		}
		if record != nil {
			batch.Records = append(batch.Records, record)
		}
		batch.NewOffset = pos
	}
	// Lines consumed but skipped as malformed still advance the offset.
	if pos > batch.NewOffset {
		batch.NewOffset = pos
	}

	return batch, nil
}

// InitialScan reads the last lastN records of the file without consulting
// the stored offset. It seeks to at most initialScanWindow bytes before EOF,
// so the very first cycle on a huge pre-existing log stays cheap. The
// returned NewOffset is the current end of file.
func (t *Tailer) InitialScan(lastN int) (*Batch, error) {
	file, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Batch{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	size := info.Size()

	start := int64(0)
	if size > initialScanWindow {
		start = size - initialScanWindow
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek for initial scan: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines [][]byte
	first := true
	for scanner.Scan() {
		if first && start > 0 {
			// The seek likely landed mid-line; drop the partial first line.
			first = false
			continue
		}
		first = false
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	if len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}

	batch := &Batch{NewOffset: size}
	for _, line := range lines {
		record, perr := t.parseLine(line)
		if perr != nil {
			batch.Malformed++
			t.malformedTotal.Add(1)
			continue
		}
		if record != nil {
			batch.Records = append(batch.Records, record)
		}
	}
	t.logger.Info().Int("records", len(batch.Records)).Int("malformed", batch.Malformed).
		Msg("initial scan complete")
	return batch, nil
}

// parseLine parses one raw line into a record. Blank lines yield (nil, nil);
// anything that is not a JSON object is a parse error.
func (t *Tailer) parseLine(line []byte) (types.LogRecord, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}
	// Cheap structural check before the canonical decode.
	v, err := t.parser.ParseBytes(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("record is %s, expected object", v.Type())
	}

	var record types.LogRecord
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
