package hidrd

// Analyzer walks a report descriptor's item stream and extracts one
// ReportLayout per distinct Report-ID (or a single ID-less layout), tracking
// the HID global/local state machine along the way (spec.md §4.4). It does
// not attempt a complete HID parse: only the state needed to recognize
// mouse/keyboard Input reports and their bit layout is kept.
type Analyzer struct {
	// globals, reset to these values on leaving a collection in a real HID
	// parser; this analyzer treats them as a flat running state, which is
	// sufficient for the flat single-application-collection descriptors
	// node D and most real devices emit.
	usagePage   uint16
	reportSize  int
	reportCount int
	reportID    uint8
	haveID      bool
	logicalMin  int32

	// locals, cleared after every main item.
	usageMin   uint16
	usageMax   uint16
	usages     []uint16
	usageCount int

	bitPos   map[uint8]int // running bit offset per report ID, 0 for ID-less
	layouts  map[uint8]*ReportLayout
	order    []uint8 // first-seen order of report IDs, for deterministic output
}

const maxUsageList = 16

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		bitPos:  map[uint8]int{0: 0},
		layouts: map[uint8]*ReportLayout{},
	}
}

// Analyze runs the full item stream through the analyzer and returns the
// discovered layouts in first-seen order. A malformed item stream is
// reported but any layouts recognized before the error are still returned.
func Analyze(descriptor []byte) ([]ReportLayout, error) {
	a := NewAnalyzer()
	it := NewIterator(descriptor)
	for {
		item, ok, err := it.Next()
		if err != nil {
			return a.results(), err
		}
		if !ok {
			break
		}
		a.feed(item)
	}
	return a.results(), nil
}

func (a *Analyzer) results() []ReportLayout {
	out := make([]ReportLayout, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.layouts[id])
	}
	return out
}

func (a *Analyzer) feed(item RawItem) {
	if item.IsLong {
		return
	}
	switch item.Type {
	case TypeGlobal:
		a.feedGlobal(item)
	case TypeLocal:
		a.feedLocal(item)
	case TypeMain:
		a.feedMain(item)
	}
}

func (a *Analyzer) feedGlobal(item RawItem) {
	switch item.Tag {
	case TagUsagePage:
		a.usagePage = uint16(item.UValue)
	case TagLogicalMin:
		a.logicalMin = item.Value
	case TagReportSize:
		a.reportSize = int(item.UValue)
	case TagReportCount:
		a.reportCount = int(item.UValue)
	case TagReportID:
		a.reportID = uint8(item.UValue)
		a.haveID = true
		if _, ok := a.bitPos[a.reportID]; !ok {
			a.bitPos[a.reportID] = 0
		}
	}
}

func (a *Analyzer) feedLocal(item RawItem) {
	switch item.Tag {
	case TagUsageMin:
		a.usageMin = uint16(item.UValue)
	case TagUsageMax:
		a.usageMax = uint16(item.UValue)
	case TagUsage:
		if a.usageCount < maxUsageList {
			a.usages = append(a.usages, uint16(item.UValue))
			a.usageCount++
		}
	}
}

func (a *Analyzer) clearLocals() {
	a.usageMin, a.usageMax = 0, 0
	a.usages = nil
	a.usageCount = 0
}

func (a *Analyzer) currentID() uint8 {
	if a.haveID {
		return a.reportID
	}
	return 0
}

func (a *Analyzer) layoutFor(id uint8) *ReportLayout {
	l, ok := a.layouts[id]
	if !ok {
		l = &ReportLayout{ReportID: id, HasID: a.haveID}
		a.layouts[id] = l
		a.order = append(a.order, id)
	}
	return l
}

func (a *Analyzer) feedMain(item RawItem) {
	defer a.clearLocals()

	if item.Tag != TagInput {
		return
	}
	if item.UValue&MainConst != 0 {
		// Constant padding field: still consumes bits, never a named field.
		a.advanceBits(a.reportCount * a.reportSize)
		return
	}

	id := a.currentID()
	layout := a.layoutFor(id)
	signed := a.logicalMin < 0

	switch a.usagePage {
	case UsagePageButton:
		start := a.bitPos[id]
		layout.Buttons = Field{BitOffset: start, BitSize: a.reportCount * a.reportSize, Signed: false}
		markMouse(layout)
	case UsagePageGenericDesktop:
		a.assignDesktopFields(layout, signed)
	case UsagePageKeyboard:
		start := a.bitPos[id]
		markKeyboard(layout)
		if a.reportSize == 1 && a.reportCount == 8 {
			layout.Modifiers = Field{BitOffset: start, BitSize: 8}
		} else {
			layout.KeyArray = Field{BitOffset: start, BitSize: a.reportCount * a.reportSize}
		}
	}

	a.advanceBits(a.reportCount * a.reportSize)
	layout.TotalBits = a.bitPos[id]
}

// assignDesktopFields recognizes X/Y/wheel usages declared individually
// (one Usage item per axis) within a Generic Desktop Input item, which is
// how both the examples and most real mouse descriptors lay X/Y/wheel out.
func (a *Analyzer) assignDesktopFields(layout *ReportLayout, signed bool) {
	start := a.bitPos[layout.ReportID]
	fieldBits := a.reportSize
	for i := 0; i < a.reportCount; i++ {
		var usage uint16
		if i < len(a.usages) {
			usage = a.usages[i]
		}
		f := Field{BitOffset: start + i*fieldBits, BitSize: fieldBits, Signed: signed, Usage: usage}
		switch usage {
		case UsageX:
			layout.X = f
			markMouse(layout)
		case UsageY:
			layout.Y = f
			markMouse(layout)
		case UsageWheel:
			layout.Wheel = f
		}
	}
}

// markMouse and markKeyboard fold a newly recognized field's kind into the
// layout's running Kind, upgrading to LayoutMouseKeyboard when a layout
// carries fields of both kinds (spec.md §3's "mouse+keyboard" layout_kind).
func markMouse(layout *ReportLayout) {
	switch layout.Kind {
	case LayoutUnknown:
		layout.Kind = LayoutMouse
	case LayoutKeyboard:
		layout.Kind = LayoutMouseKeyboard
	}
}

func markKeyboard(layout *ReportLayout) {
	switch layout.Kind {
	case LayoutUnknown:
		layout.Kind = LayoutKeyboard
	case LayoutMouse:
		layout.Kind = LayoutMouseKeyboard
	}
}

func (a *Analyzer) advanceBits(n int) {
	id := a.currentID()
	a.bitPos[id] += n
}
