package hidrd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIteratorDecodesShortItems(t *testing.T) {
	// Usage Page (Generic Desktop): 05 01
	// Usage (Mouse):                09 02
	// Collection (Application):     A1 01
	desc := []byte{0x05, 0x01, 0x09, 0x02, 0xA1, 0x01}
	it := NewIterator(desc)

	item, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TagUsagePage, item.Tag)
	require.Equal(t, TypeGlobal, item.Type)
	require.EqualValues(t, 0x01, item.UValue)

	item, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TypeLocal, item.Type)
	require.EqualValues(t, 0x02, item.UValue)

	item, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TagCollection, item.Tag)
	require.EqualValues(t, 0x01, item.UValue)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratorDecodesLongItem(t *testing.T) {
	desc := []byte{longItemPrefix, 0x02, 0x55, 0xAA, 0xBB}
	it := NewIterator(desc)
	item, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, item.IsLong)
	require.EqualValues(t, 0x55, item.Tag)
	require.Equal(t, []byte{0xAA, 0xBB}, item.Data)
}

func TestIteratorRejectsTruncatedItem(t *testing.T) {
	desc := []byte{0x26, 0xFF} // Logical Maximum, 2-byte payload, only 1 present
	it := NewIterator(desc)
	_, ok, err := it.Next()
	require.False(t, ok)
	require.Error(t, err)
}

func TestSignExtendNegativeLogicalMinimum(t *testing.T) {
	// Logical Minimum (-127): 15 81
	desc := []byte{0x15, 0x81}
	it := NewIterator(desc)
	item, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, -127, item.Value)
}

func TestAnalyzeRecognizesMouseStub(t *testing.T) {
	desc := StubMouseReport(0)
	layouts, err := Analyze(desc)
	require.NoError(t, err)
	require.Len(t, layouts, 1)

	l := layouts[0]
	require.Equal(t, LayoutMouse, l.Kind)
	require.False(t, l.HasID)
	require.Equal(t, 3, l.Buttons.BitSize)
	require.Equal(t, 8, l.X.BitSize)
	require.True(t, l.X.Signed)
	require.Equal(t, 8, l.Y.BitSize)
	require.Equal(t, 3, l.ByteLen())
}

func TestAnalyzeRecognizesKeyboardStub(t *testing.T) {
	desc := StubKeyboardReport(0)
	layouts, err := Analyze(desc)
	require.NoError(t, err)
	require.Len(t, layouts, 1)

	l := layouts[0]
	require.Equal(t, LayoutKeyboard, l.Kind)
	require.Equal(t, 8, l.Modifiers.BitSize)
	require.Equal(t, 48, l.KeyArray.BitSize)
	require.Equal(t, 8, l.ByteLen())
}

func TestStubPadsToDeclaredLength(t *testing.T) {
	desc := StubMouseReport(64)
	require.Len(t, desc, 64)

	// Padding bytes must not corrupt decoding of the real items that precede
	// them: Analyze should still recognize the mouse layout even though the
	// tail is inert zero bytes parsed as additional (harmless) Main items.
	layouts, err := Analyze(desc)
	require.NoError(t, err)
	require.NotEmpty(t, layouts)
	require.Equal(t, LayoutMouse, layouts[0].Kind)
}

func TestAnalyzeHandlesReportID(t *testing.T) {
	report := Report{Items: []Item{
		UsagePage{Page: UsagePageGenericDesktop},
		Usage{Usage: 0x02},
		Collection{Kind: CollectionApplication, Items: []Item{
			ReportID{ID: 1},
			UsagePage{Page: UsagePageButton},
			UsageMinimum{Min: 1},
			UsageMaximum{Max: 3},
			LogicalMinimum{Min: 0},
			LogicalMaximum{Max: 1},
			ReportCount{Count: 3},
			ReportSize{Bits: 1},
			Input{Flags: MainVar},
			ReportCount{Count: 1},
			ReportSize{Bits: 5},
			Input{Flags: MainConst},
		}},
	}}

	layouts, err := Analyze(report.Encode())
	require.NoError(t, err)
	require.Len(t, layouts, 1)
	require.True(t, layouts[0].HasID)
	require.EqualValues(t, 1, layouts[0].ReportID)
	require.Equal(t, 1, layouts[0].ByteLen())
}
