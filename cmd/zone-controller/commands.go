package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/storage"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or change the stored irrigation configuration",
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the stored configuration as YAML",
		RunE:  showConfig,
	}

	configResetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Restore the factory configuration",
		RunE:  resetConfig,
	}

	configApplyCmd = &cobra.Command{
		Use:   "apply [file]",
		Short: "Validate and store a configuration from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  applyConfig,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recorded valve events, readings and safety trips",
	}

	historyEventsCmd = &cobra.Command{
		Use:   "events [zone]",
		Short: "Show valve events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showEvents,
	}

	historyReadingsCmd = &cobra.Command{
		Use:   "readings [zone]",
		Short: "Show moisture readings",
		Args:  cobra.ExactArgs(1),
		RunE:  showReadings,
	}

	historyTripsCmd = &cobra.Command{
		Use:   "trips",
		Short: "Show safety trips",
		RunE:  showTrips,
	}

	limit int
)

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configApplyCmd)

	historyCmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	historyCmd.AddCommand(historyEventsCmd)
	historyCmd.AddCommand(historyReadingsCmd)
	historyCmd.AddCommand(historyTripsCmd)
}

// openStore opens the configuration image named by the service config.
func openStore() (*config.Store, func() error, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	dev, err := config.OpenFile(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config store: %w", err)
	}
	return config.NewStore(dev, zap.NewNop()), dev.Close, nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	store, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := store.Load()
	if err != nil {
		return err
	}
	if res.Recovered {
		fmt.Fprintf(os.Stderr, "stored configuration was corrupt (%v), factory defaults written\n", res.Cause)
	}
	for _, z := range res.RepairedZones {
		fmt.Fprintf(os.Stderr, "zone %d record was corrupt, defaults written\n", z)
	}

	out, err := yaml.Marshal(res.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func resetConfig(cmd *cobra.Command, args []string) error {
	store, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := store.FactoryReset(); err != nil {
		return err
	}
	fmt.Println("Factory configuration restored")
	return nil
}

func applyConfig(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	set := config.Defaults()
	if err := yaml.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	store, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := store.Save(&set); err != nil {
		return err
	}
	fmt.Printf("Configuration stored (%d active zones, checksum 0x%04X)\n", set.System.ZoneCount, set.System.Checksum)
	return nil
}

func openHistory() (*storage.DB, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return storage.OpenReadOnly(cfg.Database.Path)
}

// parseZone converts a 1-based zone number from the command line.
func parseZone(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > config.MaxZones {
		return 0, fmt.Errorf("zone must be between 1 and %d", config.MaxZones)
	}
	return n - 1, nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	zone := -1
	if len(args) > 0 {
		z, err := parseZone(args[0])
		if err != nil {
			return err
		}
		zone = z
	}

	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.GetValveEvents(zone, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tZONE\tFROM\tTO\tSOURCE\tREASON\tRUN\tPUB")
	fmt.Fprintln(w, "----\t----\t----\t--\t------\t------\t---\t---")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%v\n",
			e.Timestamp.Local().Format(time.DateTime),
			int(e.ZoneID)+1,
			valveState(e.PrevState),
			valveState(e.NewState),
			e.Source,
			e.Reason,
			shortID(e.RunID),
			e.Published)
	}
	return w.Flush()
}

func showReadings(cmd *cobra.Command, args []string) error {
	zone, err := parseZone(args[0])
	if err != nil {
		return err
	}

	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := db.GetReadings(uint8(zone), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRAW\tMOISTURE\tTEMP °F\tHUMIDITY")
	fmt.Fprintln(w, "----\t---\t--------\t-------\t--------")
	for _, r := range readings {
		fmt.Fprintf(w, "%s\t%d\t%d%%\t%.1f\t%.0f%%\n",
			r.Timestamp.Local().Format(time.DateTime), r.Raw, r.Percent, r.Temperature, r.Humidity)
	}
	return w.Flush()
}

func showTrips(cmd *cobra.Command, args []string) error {
	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	trips, err := db.GetSafetyTrips(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tZONE\tTRIP\tELAPSED")
	fmt.Fprintln(w, "----\t----\t----\t-------")
	for _, t := range trips {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			t.Timestamp.Local().Format(time.DateTime), int(t.ZoneID)+1, t.Trip, t.Elapsed.Round(time.Second))
	}
	return w.Flush()
}

func valveState(on bool) string {
	if on {
		return "OPEN"
	}
	return "CLOSED"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
