package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsedInvoice_Due(t *testing.T) {
	p := &ParsedInvoice{InvoiceDate: "2025-01-15"}
	due, err := p.Due(30)
	require.NoError(t, err)
	assert.Equal(t, "2025-02-14", due.Format(DateLayout))

	p.DueDate = "2025-03-01"
	due, err = p.Due(30)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", due.Format(DateLayout))

	_, err = (&ParsedInvoice{InvoiceDate: "15th Jan"}).Due(30)
	require.Error(t, err)
}

func TestParsedInvoice_Reconcile(t *testing.T) {
	ok := &ParsedInvoice{VATNet: 100, NonVATNet: 20, VATAmount: 20, Total: 140.01}
	ok.Reconcile()
	assert.Empty(t, ok.Warnings)

	off := &ParsedInvoice{VATNet: 100, VATAmount: 20, Total: 125}
	off.Reconcile()
	require.Len(t, off.Warnings, 1)
	assert.Contains(t, off.Warnings[0], "Reconciliation")

	zero := &ParsedInvoice{VATNet: 10}
	zero.Reconcile()
	assert.Equal(t, []string{"Total missing or zero"}, zero.Warnings)
}

func TestParsedInvoice_NetAmount(t *testing.T) {
	p := &ParsedInvoice{VATNet: 10.25, NonVATNet: 0.126}
	assert.Equal(t, 10.38, p.NetAmount())
}

func TestParseFlexibleDate(t *testing.T) {
	want := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-02-05", "05/02/2026", "05/02/26", " 2026-02-05 "} {
		got, err := ParseFlexibleDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFlexibleDate("Feb 5 2026")
	require.Error(t, err)
}

func TestTruncateDetail(t *testing.T) {
	assert.Equal(t, "short", TruncateDetail("short"))
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := TruncateDetail(string(long))
	assert.Len(t, got, maxErrorDetail)

	// A multibyte rune straddling the cut is dropped whole.
	got = TruncateDetail(strings.Repeat("a", 508) + strings.Repeat("£", 5))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxErrorDetail)
	assert.Equal(t, strings.Repeat("a", 508)+"...", got)
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", TruncateBytes("abc", 10))
	assert.Equal(t, "ab", TruncateBytes("abc", 2))
	assert.Equal(t, "h", TruncateBytes("hé", 2))
	assert.Equal(t, "", TruncateBytes("€", 2))
}
