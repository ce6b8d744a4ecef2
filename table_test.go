package capweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingHook records how many times it was disposed.
type countingHook struct {
	disposed int
}

func (h *countingHook) call([]any, []any) hook            { return rejected(ErrNotCallable) }
func (h *countingHook) get([]any) hook                    { return rejected(ErrNoSuchProperty) }
func (h *countingHook) pull(context.Context) (any, error) { return &Stub{h: h}, nil }
func (h *countingHook) dup() hook                         { return h }
func (h *countingHook) dispose()                          { h.disposed++ }
func (h *countingHook) onBroken(func(error))              {}

func TestCapTable_ExportDedup(t *testing.T) {
	tbl := newCapTable()
	h := &countingHook{}
	key := &localTarget{}

	id, retained := tbl.export(h, key)
	require.True(t, retained)
	require.Equal(t, int64(-1), id)

	for i := 0; i < 2; i++ {
		again, ok := tbl.exportExisting(key)
		require.True(t, ok)
		require.Equal(t, id, again)
	}

	again, retained := tbl.export(&countingHook{}, key)
	require.False(t, retained, "the table must not retain a duplicate hook")
	require.Equal(t, id, again)
	require.Equal(t, int64(4), tbl.exports[id].refs)

	other, _ := tbl.export(&countingHook{}, nil)
	require.Equal(t, int64(-2), other, "ids count down")

	_, ok := tbl.exportExisting(nil)
	require.False(t, ok)
}

func TestCapTable_ReleaseTearsDownOnce(t *testing.T) {
	tbl := newCapTable()
	h := &countingHook{}
	key := &localTarget{}

	id, _ := tbl.export(h, key)
	for i := 0; i < 2; i++ {
		tbl.exportExisting(key)
	}

	removed, clamped, err := tbl.releaseExport(id, 2)
	require.NoError(t, err)
	require.False(t, clamped)
	require.Nil(t, removed, "entry must survive while refs remain")
	require.Equal(t, 1, tbl.stats().Exports)

	removed, clamped, err = tbl.releaseExport(id, 1)
	require.NoError(t, err)
	require.False(t, clamped)
	require.Same(t, h, removed)
	require.Equal(t, 0, tbl.stats().Exports)

	_, ok := tbl.exportExisting(key)
	require.False(t, ok, "key must be forgotten with its entry")

	_, _, err = tbl.releaseExport(id, 1)
	require.ErrorIs(t, err, ErrUnknownExport)
}

func TestCapTable_ReleaseClamped(t *testing.T) {
	tbl := newCapTable()
	id, _ := tbl.export(&countingHook{}, nil)

	removed, clamped, err := tbl.releaseExport(id, 5)
	require.NoError(t, err)
	require.True(t, clamped)
	require.NotNil(t, removed)
}

func TestCapTable_Imports(t *testing.T) {
	tbl := newCapTable()
	tbl.importMain()

	first := tbl.importPushResult()
	second := tbl.importPushResult()
	require.Equal(t, int64(1), first.id)
	require.Equal(t, int64(2), second.id)
	require.True(t, tbl.outstanding())

	_, err := tbl.importCap(7, false)
	require.ErrorIs(t, err, ErrUnknownImport, "positive ids belong to our pushes")

	e, err := tbl.importCap(-3, false)
	require.NoError(t, err)
	again, err := tbl.importCap(-3, false)
	require.NoError(t, err)
	require.Same(t, e, again)
	require.Equal(t, int64(2), e.remoteRefs)
	require.Equal(t, int64(2), e.localRefs)
	require.False(t, e.pending())

	p, err := tbl.importCap(-4, true)
	require.NoError(t, err)
	require.True(t, p.pending())
	require.True(t, p.pulled, "promises are resolved without a pull")

	require.Equal(t, Stats{Imports: 4, Exports: 0}, tbl.stats())

	tbl.dropImport(first)
	_, err = tbl.lookupImport(first.id)
	require.ErrorIs(t, err, ErrUnknownImport)

	exports, imports := tbl.clear()
	require.Empty(t, exports)
	require.Len(t, imports, 4)
	require.Equal(t, Stats{}, tbl.stats())
}
