package tailer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTailer(t *testing.T, content string) (*Tailer, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "alerts.json")
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o644))
	tl := New(Config{
		Path:       logPath,
		OffsetPath: filepath.Join(dir, "log_position.txt"),
	}, zerolog.Nop())
	return tl, logPath
}

func TestOffsetMissingFile(t *testing.T) {
	tl, _ := newTestTailer(t, "")
	assert.Equal(t, int64(0), tl.Offset())
}

func TestOffsetGarbage(t *testing.T) {
	tl, _ := newTestTailer(t, "")
	require.NoError(t, os.WriteFile(tl.offsetPath, []byte("not a number"), 0o644))
	assert.Equal(t, int64(0), tl.Offset())
}

func TestCommitOffsetRoundTrip(t *testing.T) {
	tl, _ := newTestTailer(t, "")
	require.NoError(t, tl.CommitOffset(4242))
	assert.Equal(t, int64(4242), tl.Offset())
}

func TestReadBatchParsesRecords(t *testing.T) {
	content := `{"rule":{"description":"a"},"id":"1"}` + "\n" +
		`{"rule":{"description":"b"},"id":"2"}` + "\n"
	tl, _ := newTestTailer(t, content)

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, int64(len(content)), batch.NewOffset)
	assert.Zero(t, batch.Malformed)
	assert.False(t, batch.Rotated)
}

func TestReadBatchSkipsMalformed(t *testing.T) {
	var content string
	for i := 0; i < 10; i++ {
		if i == 6 {
			content += "{broken json\n"
			continue
		}
		content += fmt.Sprintf(`{"id":"%d"}`+"\n", i)
	}
	tl, _ := newTestTailer(t, content)

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 9)
	assert.Equal(t, 1, batch.Malformed)
	// Malformed lines still advance the offset.
	assert.Equal(t, int64(len(content)), batch.NewOffset)
	assert.Equal(t, int64(1), tl.MalformedTotal())
}

func TestReadBatchRejectsNonObject(t *testing.T) {
	tl, _ := newTestTailer(t, "[1,2,3]\n\"just a string\"\n{\"ok\":true}\n")

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, 2, batch.Malformed)
}

func TestReadBatchPartialTrailingLine(t *testing.T) {
	complete := `{"id":"1"}` + "\n"
	tl, logPath := newTestTailer(t, complete+`{"id":"2"`)

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, int64(len(complete)), batch.NewOffset)

	// Once the writer finishes the line it is picked up from the committed
	// offset on the next pass.
	require.NoError(t, tl.CommitOffset(batch.NewOffset))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	batch, err = tl.ReadBatch(100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "2", batch.Records[0]["id"])
}

func TestReadBatchRotation(t *testing.T) {
	tl, _ := newTestTailer(t, `{"id":"fresh"}`+"\n")
	require.NoError(t, tl.CommitOffset(5000))

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.True(t, batch.Rotated)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "fresh", batch.Records[0]["id"])
	assert.Equal(t, int64(1), tl.Rotations())
}

func TestReadBatchRespectsMax(t *testing.T) {
	var content string
	for i := 0; i < 10; i++ {
		content += fmt.Sprintf(`{"id":"%d"}`+"\n", i)
	}
	tl, _ := newTestTailer(t, content)

	batch, err := tl.ReadBatch(3)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 3)

	require.NoError(t, tl.CommitOffset(batch.NewOffset))
	batch, err = tl.ReadBatch(100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 7)
	assert.Equal(t, "3", batch.Records[0]["id"])
}

func TestReadBatchMissingFile(t *testing.T) {
	dir := t.TempDir()
	tl := New(Config{
		Path:       filepath.Join(dir, "absent.json"),
		OffsetPath: filepath.Join(dir, "log_position.txt"),
	}, zerolog.Nop())

	batch, err := tl.ReadBatch(100)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
}

func TestInitialScanLastN(t *testing.T) {
	var content string
	for i := 0; i < 50; i++ {
		content += fmt.Sprintf(`{"id":"%d"}`+"\n", i)
	}
	tl, _ := newTestTailer(t, content)

	batch, err := tl.InitialScan(10)
	require.NoError(t, err)
	require.Len(t, batch.Records, 10)
	assert.Equal(t, "40", batch.Records[0]["id"])
	assert.Equal(t, "49", batch.Records[9]["id"])
	assert.Equal(t, int64(len(content)), batch.NewOffset)
}

func TestInitialScanMissingFile(t *testing.T) {
	dir := t.TempDir()
	tl := New(Config{
		Path:       filepath.Join(dir, "absent.json"),
		OffsetPath: filepath.Join(dir, "log_position.txt"),
	}, zerolog.Nop())

	batch, err := tl.InitialScan(200)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, int64(0), batch.NewOffset)
}
