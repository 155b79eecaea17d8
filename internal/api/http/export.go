package apihttp

import (
	"bytes"
	"fmt"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// BuildHistoryXLSX renders the history of one robot as a workbook with a
// summary sheet and one row per record.
func BuildHistoryXLSX(robotID string, hours float64, records []telemetry.Record, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	recordsSheet := "records"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Robot Telemetry History")
	_ = f.SetCellValue(summarySheet, "A3", "Robot")
	_ = f.SetCellValue(summarySheet, "B3", robotID)
	_ = f.SetCellValue(summarySheet, "A4", "Window (hours)")
	_ = f.SetCellValue(summarySheet, "B4", hours)
	_ = f.SetCellValue(summarySheet, "A5", "Records")
	_ = f.SetCellValue(summarySheet, "B5", len(records))
	_ = f.SetCellValue(summarySheet, "A6", "Generated")
	_ = f.SetCellValue(summarySheet, "B6", generatedAt.UTC().Format(time.RFC3339))

	headers := []string{"Timestamp", "Status", "Battery", "Wifi Strength", "Charging", "Temperature", "Memory", "X", "Y", "Z", "Error Code", "Error Message"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(recordsSheet, cell, header)
	}
	for i, record := range records {
		row := i + 2
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("A%d", row), record.Timestamp.UTC().Format(time.RFC3339Nano))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("B%d", row), string(record.Status))
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("C%d", row), record.Battery)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("D%d", row), record.WifiStrength)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("E%d", row), record.Charging)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("F%d", row), record.Temperature)
		_ = f.SetCellValue(recordsSheet, fmt.Sprintf("G%d", row), record.Memory)
		if record.Location != nil {
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("H%d", row), record.Location.X)
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("I%d", row), record.Location.Y)
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("J%d", row), record.Location.Z)
		}
		if record.LastError != nil {
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("K%d", row), record.LastError.Code)
			_ = f.SetCellValue(recordsSheet, fmt.Sprintf("L%d", row), record.LastError.Message)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFleetReportPDF renders fleet statistics, the latest record per robot
// and the open alerts.
func BuildFleetReportPDF(stats telemetry.FleetStatistics, latest []telemetry.Record, alerts []telemetry.Alert) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Fleet Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", stats.Timestamp.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Robots: %d (connected %d)", stats.Total, stats.ConnectedRobots))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Online: %d  Offline: %d  Maintenance: %d  Charging: %d", stats.Online, stats.Offline, stats.Maintenance, stats.Charging))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Average battery: %.1f%%  Average temperature: %.1f C", stats.AverageBattery, stats.AverageTemperature))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Active alerts: %d", stats.ActiveAlerts))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Robot", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Battery", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Temp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Last seen", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, record := range latest {
		pdf.CellFormat(40, 6, record.RobotID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, string(record.Status), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.1f", record.Battery), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.1f", record.Temperature), "1", 0, "R", false, 0, "")
		pdf.CellFormat(60, 6, record.Timestamp.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	if len(alerts) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(40, 6, "Robot", "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, "Alert", "1", 0, "C", false, 0, "")
		pdf.CellFormat(100, 6, "Message", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, alert := range alerts {
			pdf.CellFormat(40, 6, alert.RobotID, "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, string(alert.Type), "1", 0, "C", false, 0, "")
			pdf.CellFormat(100, 6, alert.Message, "1", 0, "L", false, 0, "")
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
