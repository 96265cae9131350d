package core_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func mapped(t *testing.T, data []byte) *core.Source {
	t.Helper()
	src, err := core.MapFile(writeFile(t, "in.bin", data))
	require.NoError(t, err)
	if src.Kind() != core.SourceMapped {
		t.Skip("memory mapping unavailable on this platform")
	}
	return src
}

func TestMapFile_BorrowBlocksClose(t *testing.T) {
	payload := bytes.Repeat([]byte("mapped"), 1024)
	src := mapped(t, payload)
	assert.Equal(t, "in.bin", src.Name())
	assert.Equal(t, int64(len(payload)), src.Len())

	data, err := src.Borrow()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 1, src.Borrowed())

	err = src.Close()
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvariantViolation), "got %v", err)
	assert.ErrorIs(t, err, apperrors.ErrSourceBorrowed)
	assert.Equal(t, payload, data, "refused close leaves the mapping intact")

	src.Return()
	assert.Zero(t, src.Borrowed())
	require.NoError(t, src.Close())
	assert.Zero(t, src.Len())
	assert.Nil(t, src.Bytes())
	require.NoError(t, src.Close(), "close is idempotent")
}

func TestMapFile_BorrowAfterClose(t *testing.T) {
	src := mapped(t, []byte("closed soon"))
	require.NoError(t, src.Close())

	data, err := src.Borrow()
	assert.Nil(t, data)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidParameter), "got %v", err)
	assert.ErrorIs(t, err, apperrors.ErrSourceClosed)
	assert.Zero(t, src.Borrowed())
}

func TestMapFile_NestedBorrows(t *testing.T) {
	src := mapped(t, []byte("shared"))
	_, err := src.Borrow()
	require.NoError(t, err)
	_, err = src.Borrow()
	require.NoError(t, err)
	src.Return()
	assert.Error(t, src.Close())
	src.Return()
	src.Return()
	assert.Zero(t, src.Borrowed(), "extra returns do not go negative")
	assert.NoError(t, src.Close())
}

func TestMapFile_Empty(t *testing.T) {
	src, err := core.MapFile(writeFile(t, "empty.bin", nil))
	require.NoError(t, err)
	assert.Equal(t, core.SourceOwned, src.Kind())
	assert.Zero(t, src.Len())
}

func TestOpenFile_Threshold(t *testing.T) {
	path := writeFile(t, "in.bin", bytes.Repeat([]byte{1}, 4096))

	small, err := core.OpenFile(path, 8192)
	require.NoError(t, err)
	assert.Equal(t, core.SourceOwned, small.Kind())
	assert.Equal(t, int64(4096), small.Len())
	require.NoError(t, small.Close())
	assert.Equal(t, int64(4096), small.Len(), "owned bytes survive close")

	owned, err := core.OpenFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, core.SourceOwned, owned.Kind())

	large, err := core.OpenFile(path, 4096)
	require.NoError(t, err)
	if large.Kind() == core.SourceMapped {
		assert.Equal(t, int64(4096), large.Len())
	}
	require.NoError(t, large.Close())
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := core.OpenFile(filepath.Join(t.TempDir(), "missing.png"), 0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeFileNotFound), "got %v", err)

	_, err = core.OpenFile(t.TempDir(), 0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidParameter), "got %v", err)
}
