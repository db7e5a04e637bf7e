package device

import "sync"

// Attrs is one CommandAttrs record: how many of the words
// following a command's header are handles, and whether the command
// mutates session continuation state (ContextSave/ContextLoad/
// FlushContext and friends).
type Attrs struct {
	Code                 uint32
	HandleCount          int
	ModifiesSessionState bool
}

// AttrsTable is the read-only CommandAttrs lookup, populated once at
// startup and immutable thereafter. Lookup of an unknown command
// returns the zero record: an unknown command is processed as if it
// has zero handles.
type AttrsTable struct {
	mu      sync.RWMutex
	byCode  map[uint32]Attrs
	sourced string // "device" or "fallback", for /stats and logging
}

// NewAttrsTable builds an empty table; call Populate or PopulateFallback
// once at startup before serving any command.
func NewAttrsTable() *AttrsTable {
	return &AttrsTable{byCode: make(map[uint32]Attrs)}
}

// Populate installs the vector returned by Device.GetCommandAttrs.
func (t *AttrsTable) Populate(attrs []Attrs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCode = make(map[uint32]Attrs, len(attrs))
	for _, a := range attrs {
		t.byCode[a.Code] = a
	}
	t.sourced = "device"
}

// PopulateFallback installs the static fallback table, used when the
// device's capability query itself fails or returns nothing usable — it
// only covers the handful of commands the resource manager's response
// post-processing special-cases, not the device's full command set, so
// unknown-but-real commands still fall through to the zero-handle
// default rather than failing startup.
func (t *AttrsTable) PopulateFallback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCode = make(map[uint32]Attrs, len(fallbackAttrs))
	for _, a := range fallbackAttrs {
		t.byCode[a.Code] = a
	}
	t.sourced = "fallback"
}

// Lookup returns the attrs for code, or the zero record if unknown.
func (t *AttrsTable) Lookup(code uint32) Attrs {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.byCode[code]; ok {
		return a
	}
	return Attrs{Code: code}
}

// Source reports whether the table was populated from the device or the
// static fallback, surfaced on /stats.
func (t *AttrsTable) Source() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sourced == "" {
		return "unpopulated"
	}
	return t.sourced
}

// Well-known TPM2 command codes the resource manager special-cases.
// Numeric values per the TPM2 command code namespace (TPM2_CC_*); named
// here rather than imported from a TSS library since the broker otherwise
// never needs the full command set, only the handful it post-processes.
const (
	CCCreatePrimary    uint32 = 0x00000131
	CCContextLoad      uint32 = 0x00000161
	CCContextSave      uint32 = 0x00000162
	CCFlushContext     uint32 = 0x00000165
	CCStartAuthSession uint32 = 0x00000176
	CCGetCapability    uint32 = 0x0000017A
)

var fallbackAttrs = []Attrs{
	{Code: CCCreatePrimary, HandleCount: 1, ModifiesSessionState: false},
	{Code: CCContextLoad, HandleCount: 0, ModifiesSessionState: true},
	{Code: CCContextSave, HandleCount: 1, ModifiesSessionState: true},
	{Code: CCFlushContext, HandleCount: 1, ModifiesSessionState: true},
	{Code: CCStartAuthSession, HandleCount: 2, ModifiesSessionState: true},
	{Code: CCGetCapability, HandleCount: 0, ModifiesSessionState: false},
}
