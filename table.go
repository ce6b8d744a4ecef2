package capweb

// exportEntry is a capability or a call result the peer references.
type exportEntry struct {
	id   int64
	refs int64
	h    hook
	key  any

	// pulled is set once a resolution has been scheduled.
	pulled bool
}

// importEntry is a capability or a pending result living in the peer.
type importEntry struct {
	id int64

	// remoteRefs counts how many times the peer introduced this id, it is
	// the count sent back in the release frame.
	remoteRefs int64
	// localRefs counts live hooks.
	localRefs int64

	// node is set for results of our pushes and for promises the peer
	// exported to us.
	node    *node
	pulled  bool
	settled bool

	broken []func(error)
}

func (e *importEntry) pending() bool {
	return e.node != nil && !e.settled
}

// Stats reports live table entries, the main capability excluded.
type Stats struct {
	Imports int
	Exports int
}

// capTable holds both directions of a session. It is not safe for
// concurrent use, the owning session guards it.
type capTable struct {
	exports    map[int64]*exportEntry
	exportKeys map[any]int64
	imports    map[int64]*importEntry

	// nextExportID counts down from -1 for capabilities we export.
	nextExportID int64
	// nextImportID counts up from 1 for the results of our pushes.
	nextImportID int64
	// nextPushID counts up from 1 for the results of the peer's pushes.
	nextPushID int64
}

func newCapTable() *capTable {
	return &capTable{
		exports:      make(map[int64]*exportEntry),
		exportKeys:   make(map[any]int64),
		imports:      make(map[int64]*importEntry),
		nextExportID: -1,
		nextImportID: 1,
		nextPushID:   1,
	}
}

// export registers h, or bumps the refcount of the entry already
// registered under key. It reports whether h was retained by the table.
func (t *capTable) export(h hook, key any) (int64, bool) {
	if key != nil {
		if id, ok := t.exportKeys[key]; ok {
			t.exports[id].refs++
			return id, false
		}
	}

	id := t.nextExportID
	t.nextExportID--
	t.exports[id] = &exportEntry{id: id, refs: 1, h: h, key: key}
	if key != nil {
		t.exportKeys[key] = id
	}
	return id, true
}

// exportExisting bumps the refcount of the entry registered under key.
func (t *capTable) exportExisting(key any) (int64, bool) {
	if key == nil {
		return 0, false
	}
	id, ok := t.exportKeys[key]
	if !ok {
		return 0, false
	}
	t.exports[id].refs++
	return id, true
}

// exportPushResult registers the result of a push received from the peer.
func (t *capTable) exportPushResult(h hook) int64 {
	id := t.nextPushID
	t.nextPushID++
	t.exports[id] = &exportEntry{id: id, refs: 1, h: h}
	return id
}

func (t *capTable) exportMain(h hook) {
	t.exports[0] = &exportEntry{id: 0, refs: 1, h: h}
}

func (t *capTable) lookupExport(id int64) (*exportEntry, error) {
	e, ok := t.exports[id]
	if !ok {
		return nil, &UnknownExportError{ID: id}
	}
	return e, nil
}

// releaseExport decrements the refcount of id by count. The hook of a
// removed entry is returned so the caller can dispose it once unlocked.
// clamped reports a count greater than the refcount.
func (t *capTable) releaseExport(id, count int64) (h hook, clamped bool, err error) {
	e, ok := t.exports[id]
	if !ok {
		return nil, false, &UnknownExportError{ID: id}
	}

	e.refs -= count
	if e.refs < 0 {
		clamped = true
		e.refs = 0
	}
	if e.refs > 0 {
		return nil, clamped, nil
	}

	delete(t.exports, id)
	if e.key != nil {
		delete(t.exportKeys, e.key)
	}
	return e.h, clamped, nil
}

// importCap records one more introduction of a peer capability or promise
// and one more local handle to it.
func (t *capTable) importCap(id int64, promise bool) (*importEntry, error) {
	e, ok := t.imports[id]
	if !ok {
		if id > 0 {
			// positive ids are reserved for the results of our pushes
			return nil, &UnknownImportError{ID: id}
		}
		e = &importEntry{id: id}
		if promise {
			e.node = newNode()
			e.pulled = true
		}
		t.imports[id] = e
	}
	e.remoteRefs++
	e.localRefs++
	return e, nil
}

// importPushResult allocates the entry for the result of a push we send.
func (t *capTable) importPushResult() *importEntry {
	id := t.nextImportID
	t.nextImportID++
	e := &importEntry{
		id:         id,
		remoteRefs: 1,
		localRefs:  1,
		node:       newNode(),
	}
	t.imports[id] = e
	return e
}

func (t *capTable) importMain() *importEntry {
	e := &importEntry{id: 0, remoteRefs: 1}
	t.imports[0] = e
	return e
}

func (t *capTable) lookupImport(id int64) (*importEntry, error) {
	e, ok := t.imports[id]
	if !ok {
		return nil, &UnknownImportError{ID: id}
	}
	return e, nil
}

func (t *capTable) dropImport(e *importEntry) {
	if cur, ok := t.imports[e.id]; ok && cur == e {
		delete(t.imports, e.id)
	}
}

func (t *capTable) outstanding() bool {
	for _, e := range t.imports {
		if e.pending() {
			return true
		}
	}
	return false
}

func (t *capTable) stats() Stats {
	st := Stats{
		Imports: len(t.imports),
		Exports: len(t.exports),
	}
	if _, ok := t.imports[0]; ok {
		st.Imports--
	}
	if _, ok := t.exports[0]; ok {
		st.Exports--
	}
	return st
}

// clear empties the table and returns what it held.
func (t *capTable) clear() ([]*exportEntry, []*importEntry) {
	exports := make([]*exportEntry, 0, len(t.exports))
	for _, e := range t.exports {
		exports = append(exports, e)
	}
	imports := make([]*importEntry, 0, len(t.imports))
	for _, e := range t.imports {
		imports = append(imports, e)
	}
	t.exports = make(map[int64]*exportEntry)
	t.exportKeys = make(map[any]int64)
	t.imports = make(map[int64]*importEntry)
	return exports, imports
}
