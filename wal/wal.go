// Package wal is a per-height, append-only write-ahead log: every input
// that is about to influence state the host cannot safely lose (a vote or
// proposal this replica is about to emit or has received and verified, a
// value it is about to propose, a timeout that elapsed, the boundary
// marking a new height) is appended and fsynced before the corresponding
// effect is allowed to externalise state.
// On restart the log is replayed into a fresh Driver to reconstruct the
// exact state the replica had reached, so a crash can never cause it to
// re-decide or double-vote.
//
// The file carries a header ([version][sequence]) followed by entries
// ([compressed][length][crc32][data]); the open-time scan truncates an
// incomplete tail (it checks lengths, not CRCs; Replay reports a CRC
// mismatch), and a failed append truncates back to the pre-append offset. CRC32 is the standard library's IEEE polynomial; per-entry
// compression uses github.com/pierrec/lz4/v4's block API.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"github.com/renproject/surge"

	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/types"
)

// Version is the on-disk WAL format version written into every new log's
// header.
const Version uint32 = 1

const (
	headerSize            = 4 + 8 // version + sequence
	entryFixedHeaderSize  = 1 + 8 + 4
	entryScanHeaderSize   = 1 + 8 // compression flag + length, read before the CRC during the open-time scan
)

// EntryKind names one of the persisted entry shapes replayed for crash
// recovery.
type EntryKind uint8

const (
	// EntryProposal is a Proposal about to influence state: one this replica
	// signed and is about to publish, or one it received and is about to
	// apply (received proposals carry no signature of their own here; the
	// enclosing SignedProposal's Signature is zero for them).
	EntryProposal EntryKind = iota
	// EntryVote is a Vote about to influence state: one this replica signed
	// and is about to publish, or one it received, verified and is about to
	// tally.
	EntryVote
	// EntryTimeoutElapsed is a timer firing, persisted so replay reproduces
	// the exact sequence of round-machine transitions that followed it.
	EntryTimeoutElapsed
	// EntryValue is a Value this replica produced in response to
	// OutputGetValueAndScheduleTimeout, before it was wrapped in a Proposal.
	EntryValue
	// EntryNewHeight marks the boundary where the driver moved to a new
	// height, the point after which earlier entries are no longer relevant
	// to replay.
	EntryNewHeight
)

// TimeoutElapsed is the payload of an EntryTimeoutElapsed entry.
type TimeoutElapsed struct {
	Round types.Round
	Step  round.TimeoutKind
}

// Entry is one record appended to the log. Only the field matching Kind is
// populated; the others are left zero. Entry has no unexported fields, so
// surge's reflection-based ToBinary/FromBinary marshals it directly
// (Value's own hand-written Marshal/Unmarshal is picked up automatically
// for the Value field).
type Entry struct {
	Kind     EntryKind
	Proposal types.SignedProposal
	Valid    bool // for EntryProposal: the host's validity verdict at arrival
	Vote     types.SignedVote
	Timeout  TimeoutElapsed
	Value    types.Value
	Height   types.Height
}

// Options configures optional per-entry compression.
type Options struct {
	Compress bool
}

// Log is a single height's write-ahead log file.
type Log struct {
	file       *os.File
	options    Options
	version    uint32
	sequence   uint64
	entryCount int
}

// Open opens (or creates) the WAL file at path. If the file already has
// content, its header is validated and its entries are scanned; a trailing
// entry with fewer bytes than its length header announces is truncated
// away. The scan does not check CRCs: a complete-length entry with
// corrupted contents is kept, and Replay returns an error when it reaches it.
func Open(path string, options Options) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: cannot open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: cannot stat %s: %w", path, err)
	}

	l := &Log{file: file, options: options}
	if info.Size() > 0 {
		if err := l.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := l.scanAndTruncate(info.Size()); err != nil {
			file.Close()
			return nil, err
		}
		return l, nil
	}

	l.version = Version
	l.sequence = 0
	if err := l.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Truncate(headerSize); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Sequence returns the height-identifying sequence number in the header.
func (l *Log) Sequence() uint64 { return l.sequence }

// Len returns the number of complete entries in the log.
func (l *Log) Len() int { return l.entryCount }

// Close releases the underlying file handle.
func (l *Log) Close() error {
	return l.file.Close()
}

func (l *Log) readHeader() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: cannot seek to header: %w", err)
	}
	var buf [headerSize]byte
	if _, err := io.ReadFull(l.file, buf[:]); err != nil {
		return fmt.Errorf("wal: cannot read header: %w", err)
	}
	l.version = binary.LittleEndian.Uint32(buf[0:4])
	l.sequence = binary.LittleEndian.Uint64(buf[4:12])
	return nil
}

func (l *Log) writeHeader() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: cannot seek to header: %w", err)
	}
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], l.version)
	binary.LittleEndian.PutUint64(buf[4:12], l.sequence)
	if _, err := l.file.Write(buf[:]); err != nil {
		return fmt.Errorf("wal: cannot write header: %w", err)
	}
	return nil
}

// scanAndTruncate walks every entry from the end of the header to size,
// counting complete entries and truncating the file at the first entry that
// is missing bytes (a crash mid-append).
func (l *Log) scanAndTruncate(size int64) error {
	pos := int64(headerSize)
	count := 0
	for size-pos > int64(entryScanHeaderSize) {
		if _, err := l.file.Seek(pos, io.SeekStart); err != nil {
			return fmt.Errorf("wal: cannot seek during scan: %w", err)
		}
		var fixed [entryScanHeaderSize]byte
		if _, err := io.ReadFull(l.file, fixed[:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint64(fixed[1:9])
		remaining := size - (pos + entryScanHeaderSize)
		entryLength := int64(length) + 4 // CRC + payload, not yet read
		if entryLength < 0 || remaining < entryLength {
			break
		}
		pos = pos + entryScanHeaderSize + entryLength
		count++
	}
	if pos != size {
		if err := l.file.Truncate(pos); err != nil {
			return fmt.Errorf("wal: cannot truncate corrupt tail: %w", err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: cannot sync after scan: %w", err)
	}
	l.entryCount = count
	return nil
}

// Restart truncates every entry and rewrites the header's sequence number,
// used when the driver moves to a new height and the same log file is
// reused for it.
func (l *Log) Restart(sequence uint64) error {
	l.sequence = sequence
	l.entryCount = 0
	if err := l.writeHeader(); err != nil {
		return err
	}
	if err := l.file.Truncate(headerSize); err != nil {
		return fmt.Errorf("wal: cannot truncate on restart: %w", err)
	}
	return l.file.Sync()
}

// Flush requests an OS-level durability barrier (fsync).
func (l *Log) Flush() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync failed: %w", err)
	}
	return nil
}

// AppendEntry marshals entry with surge and appends it.
func (l *Log) AppendEntry(entry Entry) error {
	data, err := surge.ToBinary(entry)
	if err != nil {
		return fmt.Errorf("wal: cannot marshal entry: %w", err)
	}
	return l.append(data)
}

// append writes one entry's [compressed][length][crc32][payload] tuple at
// the end of the file. CRC is always computed over the uncompressed data.
// On any I/O error the file is truncated back to the pre-append offset, so a
// partial write never leaves a corrupt-but-readable tail (scanAndTruncate
// would catch it on the next open regardless, but append fails fast too).
func (l *Log) append(data []byte) error {
	pos, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("wal: cannot seek to end: %w", err)
	}

	writeErr := l.writeEntry(data)
	if writeErr != nil {
		if _, err := l.file.Seek(pos, io.SeekStart); err == nil {
			_ = l.file.Truncate(pos)
		}
		return writeErr
	}
	l.entryCount++
	return nil
}

func (l *Log) writeEntry(data []byte) error {
	compressed, payload, err := l.encodePayload(data)
	if err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(data)

	var header [entryFixedHeaderSize]byte
	if compressed {
		header[0] = 1
	}
	binary.LittleEndian.PutUint64(header[1:9], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[9:13], crc)

	if _, err := l.file.Write(header[:]); err != nil {
		return fmt.Errorf("wal: cannot write entry header: %w", err)
	}
	if _, err := l.file.Write(payload); err != nil {
		return fmt.Errorf("wal: cannot write entry payload: %w", err)
	}
	return nil
}

// encodePayload compresses data with LZ4 when Options.Compress is set and
// compression actually shrinks it; the uncompressed length is prepended to
// the compressed bytes (the block API does not embed it) so Replay knows
// how large a buffer to decompress into.
func (l *Log) encodePayload(data []byte) (compressed bool, payload []byte, err error) {
	if !l.options.Compress || len(data) == 0 {
		return false, data, nil
	}
	bound := lz4.CompressBlockBound(len(data))
	buf := make([]byte, bound)
	var c lz4.Compressor
	n, cErr := c.CompressBlock(data, buf)
	if cErr != nil || n == 0 || n >= len(data) {
		return false, data, nil
	}
	out := make([]byte, 8+n)
	binary.LittleEndian.PutUint64(out[:8], uint64(len(data)))
	copy(out[8:], buf[:n])
	return true, out, nil
}

// Replay reads every complete entry in order from just past the header to
// EOF, unmarshals it, and calls fn. It stops and returns the first error
// either from a CRC mismatch (corrupt entry within what scanAndTruncate
// already judged complete) or from fn itself.
func (l *Log) Replay(fn func(Entry) error) error {
	if _, err := l.file.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: cannot seek to first entry: %w", err)
	}
	for i := 0; i < l.entryCount; i++ {
		var fixed [entryFixedHeaderSize]byte
		if _, err := io.ReadFull(l.file, fixed[:]); err != nil {
			return fmt.Errorf("wal: cannot read entry header: %w", err)
		}
		isCompressed := fixed[0] != 0
		length := binary.LittleEndian.Uint64(fixed[1:9])
		expectedCRC := binary.LittleEndian.Uint32(fixed[9:13])

		payload := make([]byte, length)
		if _, err := io.ReadFull(l.file, payload); err != nil {
			return fmt.Errorf("wal: cannot read entry payload: %w", err)
		}

		data := payload
		if isCompressed {
			if len(payload) < 8 {
				return fmt.Errorf("wal: compressed entry payload too short")
			}
			uncompressedLen := binary.LittleEndian.Uint64(payload[:8])
			dst := make([]byte, uncompressedLen)
			n, err := lz4.UncompressBlock(payload[8:], dst)
			if err != nil {
				return fmt.Errorf("wal: cannot decompress entry: %w", err)
			}
			data = dst[:n]
		}

		if crc32.ChecksumIEEE(data) != expectedCRC {
			return fmt.Errorf("wal: CRC mismatch on entry %d", i)
		}

		var entry Entry
		if err := surge.FromBinary(data, &entry); err != nil {
			return fmt.Errorf("wal: cannot unmarshal entry %d: %w", i, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
