// Zone Controller Database CLI Tool
// Provides command-line access to the zone controller history database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "zone-db",
		Short: "Zone Controller Database CLI",
		Long:  "Command-line tool for inspecting the zone controller history database.",
	}

	runtimeCmd = &cobra.Command{
		Use:   "runtime",
		Short: "Show when each zone last watered",
		RunE:  showRuntime,
	}

	usageCmd = &cobra.Command{
		Use:   "usage",
		Short: "Show watering runs per zone and day",
		RunE:  showUsage,
	}

	moistureCmd = &cobra.Command{
		Use:   "moisture",
		Short: "Show moisture summary per zone",
		RunE:  showMoisture,
	}

	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "Show events not yet published to the broker",
		RunE:  showPending,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	days int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/zone-controller/history.db", "Database file path")

	usageCmd.Flags().IntVarP(&days, "days", "n", 7, "Number of days to show")
	moistureCmd.Flags().IntVarP(&days, "days", "n", 7, "Number of days to summarize")

	rootCmd.AddCommand(runtimeCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(moistureCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
}

func since() time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}

func showRuntime(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT zone_id, last_watered, updated_at FROM zone_runtime ORDER BY zone_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tLAST WATERED\tAGO\tUPDATED")
	fmt.Fprintln(w, "----\t------------\t---\t-------")

	for rows.Next() {
		var zoneID int
		var lastWatered sql.NullTime
		var updatedAt time.Time

		if err := rows.Scan(&zoneID, &lastWatered, &updatedAt); err != nil {
			return err
		}

		lastStr, agoStr := "-", "-"
		if lastWatered.Valid {
			lastStr = lastWatered.Time.Local().Format("01-02 15:04")
			agoStr = time.Since(lastWatered.Time).Round(time.Minute).String()
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", zoneID+1, lastStr, agoStr, updatedAt.Local().Format("01-02 15:04"))
	}
	w.Flush()
	return rows.Err()
}

// showUsage pairs each run's start and stop events by run id.
func showUsage(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT s.zone_id, date(s.timestamp) AS day, COUNT(*) AS runs,
			SUM(CAST((julianday(e.timestamp) - julianday(s.timestamp)) * 86400 AS INTEGER)) AS seconds,
			SUM(CASE WHEN e.source = 'safety' THEN 1 ELSE 0 END) AS tripped
		FROM valve_events s
		JOIN valve_events e ON e.run_id = s.run_id AND e.new_state = 0
		WHERE s.new_state = 1 AND s.timestamp >= ?
		GROUP BY s.zone_id, day
		ORDER BY day DESC, s.zone_id
	`, since())
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tZONE\tRUNS\tWATERED\tSAFETY STOPS")
	fmt.Fprintln(w, "---\t----\t----\t-------\t------------")

	for rows.Next() {
		var zoneID, runs, seconds, tripped int
		var day string

		if err := rows.Scan(&zoneID, &day, &runs, &seconds, &tripped); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\n",
			day, zoneID+1, runs, (time.Duration(seconds) * time.Second).String(), tripped)
	}
	w.Flush()
	return rows.Err()
}

func showMoisture(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT zone_id, COUNT(*), MIN(percent), AVG(percent), MAX(percent), MAX(timestamp)
		FROM moisture_readings WHERE timestamp >= ?
		GROUP BY zone_id ORDER BY zone_id
	`, since())
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tSAMPLES\tMIN\tAVG\tMAX\tLATEST")
	fmt.Fprintln(w, "----\t-------\t---\t---\t---\t------")

	for rows.Next() {
		var zoneID, count, minPct, maxPct int
		var avgPct float64
		var latest string

		if err := rows.Scan(&zoneID, &count, &minPct, &avgPct, &maxPct, &latest); err != nil {
			return err
		}

		fmt.Fprintf(w, "%d\t%d\t%d%%\t%.0f%%\t%d%%\t%s\n", zoneID+1, count, minPct, avgPct, maxPct, latest)
	}
	w.Flush()
	return rows.Err()
}

func showPending(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT 'valve', id, zone_id, source || ' ' || CASE new_state WHEN 1 THEN 'OPEN' ELSE 'CLOSED' END, timestamp
		FROM valve_events WHERE published = 0
		UNION ALL
		SELECT 'trip', id, zone_id, trip, timestamp
		FROM safety_trips WHERE published = 0
		ORDER BY timestamp
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tZONE\tDETAIL\tTIME")
	fmt.Fprintln(w, "----\t--\t----\t------\t----")

	for rows.Next() {
		var kind, detail string
		var id int64
		var zoneID int
		var timestamp time.Time

		if err := rows.Scan(&kind, &id, &zoneID, &detail, &timestamp); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", kind, id, zoneID+1, detail, timestamp.Local().Format("01-02 15:04:05"))
	}
	w.Flush()
	return rows.Err()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	// Valve events
	var eventCount, unpublishedEvents int
	db.QueryRow("SELECT COUNT(*) FROM valve_events").Scan(&eventCount)
	db.QueryRow("SELECT COUNT(*) FROM valve_events WHERE published = 0").Scan(&unpublishedEvents)
	fmt.Printf("Valve events: %d (unpublished: %d)\n", eventCount, unpublishedEvents)

	// Readings
	var readingCount int
	var oldest sql.NullString
	db.QueryRow("SELECT COUNT(*), MIN(timestamp) FROM moisture_readings").Scan(&readingCount, &oldest)
	if oldest.Valid {
		fmt.Printf("Moisture readings: %d (oldest: %s)\n", readingCount, oldest.String)
	} else {
		fmt.Printf("Moisture readings: %d\n", readingCount)
	}

	// Safety trips
	var tripCount, unpublishedTrips int
	db.QueryRow("SELECT COUNT(*) FROM safety_trips").Scan(&tripCount)
	db.QueryRow("SELECT COUNT(*) FROM safety_trips WHERE published = 0").Scan(&unpublishedTrips)
	fmt.Printf("Safety trips: %d (unpublished: %d)\n", tripCount, unpublishedTrips)

	// Zones with runtime
	var runtimeCount int
	db.QueryRow("SELECT COUNT(*) FROM zone_runtime").Scan(&runtimeCount)
	fmt.Printf("Zones with runtime: %d\n", runtimeCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}
