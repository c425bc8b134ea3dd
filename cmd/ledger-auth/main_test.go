package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreditNote(t *testing.T) {
	note, err := parseCreditNote([]string{"-number", " CN-42 ", "-date", "07/02/2026", "-amount", "12.5", "-ledger", "5002"})
	require.NoError(t, err)
	assert.Equal(t, "CN-42", note.Number)
	assert.Equal(t, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC), note.Date)
	assert.Equal(t, 12.5, note.Amount)
	assert.Equal(t, "5002", note.LedgerCode)
	assert.Empty(t, note.TaxRateID)
}

func TestParseCreditNote_Invalid(t *testing.T) {
	_, err := parseCreditNote([]string{"-date", "2026-02-07", "-amount", "1"})
	assert.ErrorContains(t, err, "-number")

	_, err = parseCreditNote([]string{"-number", "CN-1", "-date", "2026-02-07"})
	assert.ErrorContains(t, err, "-amount")

	_, err = parseCreditNote([]string{"-number", "CN-1", "-date", "Feb 7", "-amount", "1"})
	assert.Error(t, err)
}
