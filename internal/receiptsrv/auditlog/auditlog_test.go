package auditlog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/common/logtrace"
)

func writeEvents(t *testing.T, path string, events ...Event) {
	t.Helper()
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	ctx := logtrace.WithRequestId(context.Background(), "req-1")
	for _, e := range events {
		require.NoError(t, w.Record(ctx, e))
	}
}

func TestWriteAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeEvents(t, path,
		Event{Type: EventKeyRotated, KeyID: "k1", Actor: "ops"},
		Event{Type: EventReceiptIssued, ReceiptID: "rcpt_1", KeyID: "k1"},
		Event{Type: EventReceiptRedeemed, ReceiptID: "rcpt_1"},
	)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n, err := VerifyChain(f)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)

	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, int64(1), first.Event.Seq)
	assert.Equal(t, "req-1", first.Event.RequestID)
	assert.NotEmpty(t, first.Event.Time)
	assert.Len(t, first.Hash, 64)
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeEvents(t, path, Event{Type: EventKeyRotated, KeyID: "k1"})
	writeEvents(t, path, Event{Type: EventKeyRevoked, KeyID: "k1"}, Event{Type: EventKeyRotated, KeyID: "k2"})

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	n, err := VerifyChain(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	writeEvents(t, path,
		Event{Type: EventReceiptIssued, ReceiptID: "rcpt_1"},
		Event{Type: EventReceiptVerified, ReceiptID: "rcpt_1"},
		Event{Type: EventReceiptRedeemed, ReceiptID: "rcpt_1"},
	)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")

	tests := []struct {
		name  string
		lines []string
	}{
		{"edited payload", []string{lines[0], strings.Replace(lines[1], "rcpt_1", "rcpt_2", 1), lines[2]}},
		{"dropped entry", []string{lines[0], lines[2]}},
		{"reordered", []string{lines[1], lines[0], lines[2]}},
		{"not json", []string{lines[0], "{oops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyChain(strings.NewReader(strings.Join(tt.lines, "\n")))
			assert.Error(t, err)
		})
	}

	t.Run("open refuses a broken log", func(t *testing.T) {
		broken := filepath.Join(t.TempDir(), "broken.jsonl")
		require.NoError(t, os.WriteFile(broken, []byte(lines[1]+"\n"), 0600))
		_, err := Open(broken)
		assert.Error(t, err)
	})
}

func TestClosedWriter(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.Record(context.Background(), Event{Type: EventKeyRotated}))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.Record(context.Background(), Event{Type: EventReceiptIssued}))
}

func TestWriteFailuresAreTracked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Record(ctx, Event{Type: EventKeyRotated, KeyID: "k2"}))
	assert.NoError(t, w.Err())

	require.NoError(t, w.file.Close())
	assert.Error(t, w.Record(ctx, Event{Type: EventReceiptIssued, ReceiptID: "rcpt_1"}))
	assert.Error(t, w.Err())
	assert.Equal(t, int64(1), w.Failures())

	w.file, err = os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	require.NoError(t, err)
	require.NoError(t, w.Record(ctx, Event{Type: EventReceiptIssued, ReceiptID: "rcpt_1"}))
	assert.NoError(t, w.Err())
	assert.Equal(t, int64(1), w.Failures())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	n, err := VerifyChain(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
