package reporting

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const dayLayout = "2006-01-02"

// BuildPDF renders a report as a landscape A4 PDF. Each field gets its own
// min/avg/max table.
func BuildPDF(report *Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("reporting: nil report")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "HVAC Unit Daily Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Unit: %s", report.Unit.Serial))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Location: %s", report.Unit.LocationID))
	pdf.Ln(5)
	if report.Unit.Refrigerant != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Refrigerant: %s", report.Unit.Refrigerant))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", report.From.Format(dayLayout), report.To.Add(-time.Nanosecond).Format(dayLayout)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Samples: %d", report.SampleCount))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	if len(report.Days) == 0 {
		pdf.Cell(0, 6, "No rolled-up data for this period.")
		pdf.Ln(5)
	}

	for _, field := range report.Fields {
		summary := report.Summary[field]
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, fmt.Sprintf("%s (min %.2f / avg %.2f / max %.2f)", field, summary.Min, summary.Avg, summary.Max))
		pdf.Ln(7)
		pdf.CellFormat(40, 6, "Day", "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, "Min", "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, "Avg", "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, "Max", "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, "Count", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, day := range report.Days {
			stats, ok := day.Fields[field]
			if !ok {
				continue
			}
			pdf.CellFormat(40, 6, day.BucketStart.Format(dayLayout), "1", 0, "C", false, 0, "")
			pdf.CellFormat(35, 6, fmt.Sprintf("%.2f", stats.Min), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 6, fmt.Sprintf("%.2f", stats.Avg), "1", 0, "R", false, 0, "")
			pdf.CellFormat(35, 6, fmt.Sprintf("%.2f", stats.Max), "1", 0, "R", false, 0, "")
			pdf.CellFormat(30, 6, fmt.Sprintf("%d", stats.Count), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders a report as a workbook with a summary sheet and one
// row per day and field on the days sheet.
func BuildXLSX(report *Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("reporting: nil report")
	}
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	daysSheet := "days"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(daysSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "HVAC Unit Daily Report")
	_ = f.SetCellValue(summarySheet, "A3", "Unit")
	_ = f.SetCellValue(summarySheet, "B3", report.Unit.Serial)
	_ = f.SetCellValue(summarySheet, "A4", "Location")
	_ = f.SetCellValue(summarySheet, "B4", report.Unit.LocationID)
	_ = f.SetCellValue(summarySheet, "A5", "Refrigerant")
	_ = f.SetCellValue(summarySheet, "B5", string(report.Unit.Refrigerant))
	_ = f.SetCellValue(summarySheet, "A6", "From")
	_ = f.SetCellValue(summarySheet, "B6", report.From.Format(dayLayout))
	_ = f.SetCellValue(summarySheet, "A7", "To")
	_ = f.SetCellValue(summarySheet, "B7", report.To.Add(-time.Nanosecond).Format(dayLayout))
	_ = f.SetCellValue(summarySheet, "A8", "Samples")
	_ = f.SetCellValue(summarySheet, "B8", report.SampleCount)
	_ = f.SetCellValue(summarySheet, "A9", "Generated")
	_ = f.SetCellValue(summarySheet, "B9", report.GeneratedAt.Format(time.RFC3339))

	_ = f.SetCellValue(summarySheet, "A11", "Field")
	_ = f.SetCellValue(summarySheet, "B11", "Min")
	_ = f.SetCellValue(summarySheet, "C11", "Avg")
	_ = f.SetCellValue(summarySheet, "D11", "Max")
	_ = f.SetCellValue(summarySheet, "E11", "Count")
	for i, field := range report.Fields {
		row := i + 12
		stats := report.Summary[field]
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), field)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), stats.Min)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", row), stats.Avg)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("D%d", row), stats.Max)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("E%d", row), stats.Count)
	}

	_ = f.SetCellValue(daysSheet, "A1", "Day")
	_ = f.SetCellValue(daysSheet, "B1", "Field")
	_ = f.SetCellValue(daysSheet, "C1", "Min")
	_ = f.SetCellValue(daysSheet, "D1", "Avg")
	_ = f.SetCellValue(daysSheet, "E1", "Max")
	_ = f.SetCellValue(daysSheet, "F1", "Count")
	_ = f.SetCellValue(daysSheet, "G1", "Source")
	row := 2
	for _, day := range report.Days {
		for _, field := range day.FieldNames() {
			stats := day.Fields[field]
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("A%d", row), day.BucketStart.Format(dayLayout))
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("B%d", row), field)
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("C%d", row), stats.Min)
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("D%d", row), stats.Avg)
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("E%d", row), stats.Max)
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("F%d", row), stats.Count)
			_ = f.SetCellValue(daysSheet, fmt.Sprintf("G%d", row), day.Source)
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
