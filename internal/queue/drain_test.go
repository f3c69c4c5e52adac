package queue

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPersistRecordWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imaging.state")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, persistRecord(f, []byte(`{"mrn":"M1"}`)))
	require.NoError(t, persistRecord(f, []byte(`{"mrn":"M2"}`)))

	// Both records must be readable before the file is closed or flushed:
	// the drain loop acks the broker copy right after each write returns.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"mrn\":\"M1\"}\n{\"mrn\":\"M2\"}\n", string(got))
}

func TestPersistRecordSurfacesWriteErrors(t *testing.T) {
	err := persistRecord(failingWriter{}, []byte("x"))
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, persistRecord(&buf, []byte("x")))
	assert.Equal(t, "x\n", buf.String())
}
