// Package auditlog appends receipt and key lifecycle events to a hash-chained JSON
// lines file. Each entry commits to its predecessor, so removing, reordering or
// editing entries breaks the chain.
package auditlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	jsonitor "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/logtrace"
	"github.com/tansive/receipts/internal/receiptsrv/canonical"
	"github.com/tansive/receipts/internal/receiptsrv/rcptcommon"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

type EventType string

const (
	EventReceiptIssued   EventType = "receipt.issued"
	EventReceiptVerified EventType = "receipt.verified"
	EventReceiptRedeemed EventType = "receipt.redeemed"
	EventReceiptRejected EventType = "receipt.rejected"
	EventKeyRotated      EventType = "key.rotated"
	EventKeyRevoked      EventType = "key.revoked"
)

// Event is one audited action.
type Event struct {
	Seq       int64     `json:"seq"`
	Time      string    `json:"time"`
	Type      EventType `json:"type"`
	ReceiptID string    `json:"receiptId,omitempty"`
	KeyID     string    `json:"keyId,omitempty"`
	Code      string    `json:"code,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// Entry is a line of the log.
type Entry struct {
	Event    Event  `json:"event"`
	PrevHash string `json:"prevHash"`
	Hash     string `json:"hash"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

func entryHash(e Event, prevHash string) (string, error) {
	raw, err := json.Marshal(struct {
		Event    Event  `json:"event"`
		PrevHash string `json:"prevHash"`
	}{e, prevHash})
	if err != nil {
		return "", err
	}
	c, err := canonical.CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// Writer appends entries to a file. Entries are written through on every Record.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
	closed   bool
	failures int64
	lastErr  error
}

// Open opens or creates the log at path. An existing log is verified first and the
// chain continues from its last entry.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	tail, err := verify(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("existing audit log %s is invalid: %w", path, err)
	}
	return &Writer{file: f, prevHash: tail.hash, seq: tail.seq, now: time.Now}, nil
}

// Record stamps e with the next sequence number and time and appends it. A failed
// write is counted and reported by Err until a later write succeeds.
func (w *Writer) Record(ctx context.Context, e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.append(ctx, e)
	if err != nil {
		w.failures++
	}
	w.lastErr = err
	return err
}

// Err returns the error of the most recent Record, or nil if it succeeded.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Failures is the number of Record calls that failed since Open.
func (w *Writer) Failures() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *Writer) append(ctx context.Context, e Event) error {
	if w.closed {
		return fmt.Errorf("audit log is closed")
	}
	e.Seq = w.seq + 1
	if e.Time == "" {
		e.Time = rcptcommon.FormatTime(w.now())
	}
	if e.RequestID == "" {
		e.RequestID = logtrace.RequestIdFromContext(ctx)
	}
	hash, err := entryHash(e, w.prevHash)
	if err != nil {
		return fmt.Errorf("failed to hash audit entry: %w", err)
	}
	b, err := json.Marshal(Entry{Event: e, PrevHash: w.prevHash, Hash: hash})
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := w.file.Write(append(b, '\n')); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to write audit entry")
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	w.prevHash = hash
	w.seq = e.Seq
	return nil
}

// Sync flushes the file to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

type chainTail struct {
	hash string
	seq  int64
}

// VerifyChain checks every entry read from r and returns how many there were.
func VerifyChain(r io.Reader) (int64, error) {
	tail, err := verify(r)
	return tail.seq, err
}

func verify(r io.Reader) (chainTail, error) {
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	var tail chainTail
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return tail, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if entry.PrevHash != tail.hash {
			return tail, fmt.Errorf("line %d: prevHash mismatch", lineNum)
		}
		if entry.Event.Seq != tail.seq+1 {
			return tail, fmt.Errorf("line %d: sequence gap", lineNum)
		}
		computed, err := entryHash(entry.Event, entry.PrevHash)
		if err != nil {
			return tail, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if computed != entry.Hash {
			return tail, fmt.Errorf("line %d: hash mismatch", lineNum)
		}
		tail = chainTail{hash: entry.Hash, seq: entry.Event.Seq}
	}
	if err := scanner.Err(); err != nil {
		return tail, fmt.Errorf("failed to read stream: %w", err)
	}
	return tail, nil
}
