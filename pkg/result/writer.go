package result

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
	"shelfscan/pkg/metrics"
)

// Writer is responsible for creating and writing scan timing result files.
type Writer struct {
	resultsPath string
	system      config.SystemType
	camName     string
	now         func() time.Time
}

// NewWriter creates a new writer for result files.
func NewWriter(resultsPath string, system config.SystemType, camName string) *Writer {
	return &Writer{
		resultsPath: resultsPath,
		system:      system,
		camName:     camName,
		now:         time.Now,
	}
}

// WriteAllResults writes the RAW and STATS files and returns their paths.
func (w *Writer) WriteAllResults(res metrics.AnalysisResult) (rawPath, statsPath string, err error) {
	// Create the results directory if it doesn't exist.
	if err := os.MkdirAll(w.resultsPath, 0755); err != nil {
		return "", "", fmt.Errorf("could not create results directory %s: %w", w.resultsPath, err)
	}

	if rawPath, err = w.writeRawResults(res.Recorders); err != nil {
		return "", "", fmt.Errorf("failed to write raw results: %w", err)
	}
	if statsPath, err = w.writeStatResults(res.Components); err != nil {
		return "", "", fmt.Errorf("failed to write statistical results: %w", err)
	}
	return rawPath, statsPath, nil
}

// generateFilename creates a standardized filename for a result file.
// Example: RAW_SLinux_CDisk_N_12_T_2025-01-02-15-04-05.csv
func (w *Writer) generateFilename(fileType string, sessions int) string {
	timestamp := w.now().Format("2006-01-02-15-04-05")
	base := fmt.Sprintf("%s_S%s_C%s_N%d_T%s.csv", fileType, w.system, w.camName, sessions, timestamp)
	return filepath.Join(w.resultsPath, base)
}

// writeRawResults saves every measurement of every scan session.
func (w *Writer) writeRawResults(recorders []*metrics.Recorder) (string, error) {
	filePath := w.generateFilename("RAW", len(recorders))
	file, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("could not create raw results file %s: %w", filePath, err)
	}
	defer file.Close()

	csvWriter := csv.NewWriter(file)

	header := []string{"Session", "Component", "MetricType", "Depth", "WallClock_us", "UserTime_us", "SystemTime_us"}
	if err := csvWriter.Write(header); err != nil {
		return "", fmt.Errorf("failed to write CSV header to %s: %w", filePath, err)
	}

	for session, rec := range recorders {
		var walk func(m *metrics.Measurement) error
		walk = func(m *metrics.Measurement) error {
			row := []string{
				strconv.Itoa(session),
				m.UniqueName,
				m.Type.String(),
				strconv.Itoa(m.Depth),
				strconv.FormatInt(m.Inclusive.WallClock.Microseconds(), 10),
				strconv.FormatInt(m.Inclusive.UserTime.Microseconds(), 10),
				strconv.FormatInt(m.Inclusive.SystemTime.Microseconds(), 10),
			}
			if err := csvWriter.Write(row); err != nil {
				return fmt.Errorf("failed to write row to %s: %w", filePath, err)
			}
			for _, child := range m.Children {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}
		for _, root := range rec.RootMeasurements() {
			if err := walk(root); err != nil {
				return "", err
			}
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", filePath, err)
	}
	log.Info("Raw results written to %s", filePath)
	return filePath, nil
}

// writeStatResults saves the summary statistics of each component.
func (w *Writer) writeStatResults(components map[string]metrics.ComponentResult) (string, error) {
	sessions := 0
	if c, ok := components[metrics.ScanFinish]; ok {
		sessions = c.Summaries["WallClock"].WallClock.Count
	}
	filePath := w.generateFilename("STATS", sessions)
	file, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("could not create stats file %s: %w", filePath, err)
	}
	defer file.Close()

	csvWriter := csv.NewWriter(file)

	header := []string{"Component", "DerivedMetric", "TimeType", "Count", "Mean_us", "Median_us", "P95_us", "Min_us", "Max_us"}
	if err := csvWriter.Write(header); err != nil {
		return "", fmt.Errorf("failed to write CSV header to %s: %w", filePath, err)
	}

	for _, name := range getSortedKeys(components) {
		comp := components[name]
		for _, derived := range getSortedKeys(comp.Summaries) {
			stats := comp.Summaries[derived]
			// Calculate and write stats for each time type (Wall, User, System)
			for _, tt := range []struct {
				name    string
				summary metrics.StatSummary
			}{
				{"WallClock", stats.WallClock},
				{"UserTime", stats.User},
				{"SystemTime", stats.System},
			} {
				if err := writeStatsRow(csvWriter, name, derived, tt.name, tt.summary); err != nil {
					return "", err
				}
			}
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", filePath, err)
	}
	log.Info("Statistical results written to %s", filePath)
	return filePath, nil
}

// writeStatsRow writes one summary as a CSV row. Empty summaries are skipped.
func writeStatsRow(writer *csv.Writer, component, derived, timeType string, s metrics.StatSummary) error {
	if s.Count == 0 {
		return nil
	}
	row := []string{
		component,
		derived,
		timeType,
		strconv.Itoa(s.Count),
		strconv.FormatInt(s.Mean.Microseconds(), 10),
		strconv.FormatInt(s.P50.Microseconds(), 10),
		strconv.FormatInt(s.P95.Microseconds(), 10),
		strconv.FormatInt(s.Min.Microseconds(), 10),
		strconv.FormatInt(s.Max.Microseconds(), 10),
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write stats row for %s (%s): %w", component, derived, err)
	}
	return nil
}

// getSortedKeys extracts keys from a map and returns them sorted alphabetically.
func getSortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
