package report

import (
	"bytes"
	"testing"
	"time"

	"shopfloor-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateHistoryWorkbook(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	machine := models.Machine{ID: 7, Name: "Press 7", Code: "P-07"}
	h := &models.ProductionHistory{
		Breakdown: models.StatusBreakdown{
			MachineID:      7,
			Start:          start,
			End:            end,
			TotalMinutes:   60,
			RunningMinutes: 30,
			StoppedMinutes: 30,
			Efficiency:     50,
			CurrentStatus:  models.StatusStopped,
		},
		TotalProduction: 123.5,
		Records: []*models.ShiftProductionRecord{
			{ID: "rec-1", TeamCode: "A", ShiftLabel: models.Shift1, ShiftDate: start, WindowStart: start, WindowEnd: start.Add(12 * time.Hour), OperatorID: "op-7", TotalProduction: 100, IsActive: true},
			{ID: "rec-2", TeamCode: "A", ShiftLabel: models.Shift1, ShiftDate: start, WindowStart: start, WindowEnd: start.Add(12 * time.Hour), OperatorID: "op-8", TotalProduction: 23.5, IsArchived: true},
		},
	}

	data, err := GenerateHistoryWorkbook(machine, h)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, RecordsSheet}, f.GetSheetList())

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	values := map[string]string{}
	for _, row := range summary[1:] {
		require.Len(t, row, 2)
		values[row[0]] = row[1]
	}
	assert.Equal(t, "7", values["Machine ID"])
	assert.Equal(t, "STOPPED", values["Current Status"])
	assert.Equal(t, "50", values["Efficiency (%)"])
	assert.Equal(t, "123.5", values["Total Production"])
	assert.Equal(t, "No", values["Log Fallback Applied"])

	records, err := f.GetRows(RecordsSheet)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, RecordsHeader, records[0])
	assert.Equal(t, "rec-1", records[1][0])
	assert.Equal(t, "op-8", records[2][6])
	assert.Equal(t, "Yes", records[2][11])
}

func TestGenerateHistoryWorkbook_EmptyRecords(t *testing.T) {
	data, err := GenerateHistoryWorkbook(models.Machine{ID: 1}, &models.ProductionHistory{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(RecordsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = GenerateHistoryWorkbook(models.Machine{}, nil)
	assert.Error(t, err)
}

func TestHistoryFilename(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, "machine-7-history-20240301T0700-20240301T1900.xlsx", HistoryFilename(7, start, start.Add(12*time.Hour)))
}
