package report

import (
	"bytes"
	"fmt"
	"time"

	"shopfloor-telemetry/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet = "Summary"
	RecordsSheet = "Records"

	// ContentType XLSX MIME
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const timeLayout = "2006-01-02 15:04:05"

// RecordsHeader 记录表表头
var RecordsHeader = []string{
	"Record ID",
	"Team",
	"Shift",
	"Shift Date",
	"Window Start",
	"Window End",
	"Operator",
	"Total Production",
	"Target Production",
	"Efficiency (%)",
	"Active",
	"Archived",
}

var recordsColumnWidths = []float64{38, 8, 10, 12, 20, 20, 16, 16, 16, 14, 8, 10}

// HistoryFilename builds the attachment name for a machine's export.
func HistoryFilename(machineID int64, start, end time.Time) string {
	return fmt.Sprintf("machine-%d-history-%s-%s.xlsx", machineID, start.Format("20060102T1504"), end.Format("20060102T1504"))
}

// GenerateHistoryWorkbook 生成设备历史 Excel：Summary 为状态分布，Records 为班次记录
func GenerateHistoryWorkbook(machine models.Machine, h *models.ProductionHistory) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("history is required")
	}

	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(RecordsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummary(f, machine, h, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeRecords(f, h.Records, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	f.SetActiveSheet(0)

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, machine models.Machine, h *models.ProductionHistory, headerStyle int) error {
	b := h.Breakdown
	rows := [][]any{
		{"Field", "Value"},
		{"Machine ID", machine.ID},
		{"Machine", machine.Name},
		{"Code", machine.Code},
		{"Current Status", string(b.CurrentStatus)},
		{"Window Start", b.Start.Format(timeLayout)},
		{"Window End", b.End.Format(timeLayout)},
		{"Total Minutes", b.TotalMinutes},
		{"Running Minutes", b.RunningMinutes},
		{"Stopped Minutes", b.StoppedMinutes},
		{"Maintenance Minutes", b.MaintenanceMinutes},
		{"Off-Shift Minutes", b.OffShiftMinutes},
		{"Efficiency (%)", b.Efficiency},
		{"Transitions", b.TransitionCount},
		{"Log Fallback Applied", yesNo(b.FallbackApplied)},
		{"Total Production", h.TotalProduction},
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetCellStyle(SummarySheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(SummarySheet, "A", "A", 24); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(SummarySheet, "B", "B", 24); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	return nil
}

func writeRecords(f *excelize.File, records []*models.ShiftProductionRecord, headerStyle int) error {
	for col, header := range RecordsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(RecordsSheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(RecordsSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(RecordsSheet, name, name, recordsColumnWidths[col]); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range records {
		row := []any{
			rec.ID,
			rec.TeamCode,
			string(rec.ShiftLabel),
			rec.ShiftDate.Format("2006-01-02"),
			rec.WindowStart.Format(timeLayout),
			rec.WindowEnd.Format(timeLayout),
			rec.OperatorID,
			rec.TotalProduction,
			rec.TargetProduction,
			rec.Efficiency,
			yesNo(rec.IsActive),
			yesNo(rec.IsArchived),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(RecordsSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write record row %d: %w", i+2, err)
		}
	}

	// 冻结表头
	if err := f.SetPanes(RecordsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
