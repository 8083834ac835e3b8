package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"station-availability/internal/analysis"
	"station-availability/internal/config"
	"station-availability/internal/models"
	"station-availability/internal/services"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

func main() {
	start := pflag.String("start", "", "Window start (YYYY-MM-DD or YYYY-MM-DD HH:MM[:SS]); defaults to the rolling window")
	end := pflag.String("end", "", "Window end, inclusive; required with --start")
	refresh := pflag.Bool("refresh", false, "Bypass the cache and query the backends")
	asJSON := pflag.Bool("json", false, "Print the availability report as JSON")
	matrix := pflag.Bool("matrix", false, "Print availability as a station x variable matrix")
	pflag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("station-availability-retrieve", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	if *asJSON {
		// keep stdout clean for the report
		logger.SetOutput(os.Stderr)
	}

	window, err := resolveWindow(cfg, *start, *end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid window: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	logger.Info(ctx, "[RETRIEVE_CLI_START] Starting retrieval", logging.Fields{
		"version": "1.0.0",
		"window":  window.String(),
		"refresh": *refresh,
	})

	metricsCollector := metrics.NewCollector("station_availability_cli", nil)

	pipeline, err := services.OpenPipeline(ctx, cfg, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[RETRIEVE_CLI_ERROR] Failed to build retrieval pipeline", logging.Fields{}, err)
	}
	defer pipeline.Close()

	req := services.Request{Window: window, Checklist: pipeline.Checklist}
	began := time.Now()

	var result *services.AvailabilityResult
	if *refresh {
		refreshed, err := pipeline.Retrieval.Refresh(ctx, req)
		if err != nil {
			logger.Fatal(ctx, "[RETRIEVE_CLI_ERROR] Refresh failed", logging.Fields{}, err)
		}
		result = pipeline.Availability.FromRetrieval(ctx, refreshed, req.Checklist)
	} else {
		result, err = pipeline.Availability.Report(ctx, req)
		if err != nil {
			logger.Fatal(ctx, "[RETRIEVE_CLI_ERROR] Availability failed", logging.Fields{}, err)
		}
	}

	switch {
	case *asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
			os.Exit(1)
		}
	case *matrix:
		printSummary(result, time.Since(began))
		printMatrix(result.Report.Rows)
	default:
		printSummary(result, time.Since(began))
		printRows(result.Report.Rows)
	}

	logger.Info(ctx, "[RETRIEVE_CLI_COMPLETE] Retrieval completed", logging.Fields{
		"status":           result.Status,
		"cached":           result.Cached,
		"rows":             len(result.Report.Rows),
		"duration_seconds": time.Since(began).Seconds(),
	})

	if result.Status == models.StatusFailed {
		os.Exit(3)
	}
}

func resolveWindow(cfg *config.Config, start, end string) (models.Window, error) {
	if start == "" && end == "" {
		return services.DefaultWindow(cfg, time.Now()), nil
	}
	return models.ParseWindow(start, end, cfg.Location())
}

func printSummary(result *services.AvailabilityResult, elapsed time.Duration) {
	counts := make(map[models.Reason]int)
	for _, row := range result.Report.Rows {
		counts[row.Reason]++
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("AVAILABILITY REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Window:           %s\n", result.Report.Window.String())
	fmt.Printf("Status:           %s\n", result.Status)
	for _, source := range models.Sources {
		if status, ok := result.Backends[source]; ok {
			fmt.Printf("  %-15s %s\n", string(source)+":", status)
		}
	}
	fmt.Printf("Served from cache: %t\n", result.Cached)
	fmt.Printf("Entries:          %d\n", len(result.Report.Rows))
	fmt.Printf("Data available:   %d\n", counts[models.ReasonDataAvailable])
	fmt.Printf("No sensor:        %d\n", counts[models.ReasonNoSensor])
	fmt.Printf("Sensor not found: %d\n", counts[models.ReasonSensorNotFound])
	fmt.Printf("Duration:         %v\n", elapsed.Round(time.Millisecond))
	fmt.Println()
}

func printRows(rows []models.AvailabilityRow) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tVARIABLE\tSOURCE\tSENSOR\tAVAILABILITY\tREASON")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n", r.Station, r.Variable, r.Source, r.SensorName, r.Percentage, r.Reason)
	}
	tw.Flush()
}

func printMatrix(rows []models.AvailabilityRow) {
	m := analysis.Matrix(rows)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "STATION\t%s\t\n", strings.Join(m.Variables, "\t"))
	for i, station := range m.Stations {
		cells := make([]string, len(m.Variables))
		for j := range m.Variables {
			if m.Reasons[i][j] == "" {
				cells[j] = "-"
				continue
			}
			cells[j] = fmt.Sprintf("%.1f", m.Percentages[i][j])
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", station, strings.Join(cells, "\t"))
	}
	tw.Flush()
}
