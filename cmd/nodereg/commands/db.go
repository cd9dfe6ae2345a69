package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/nodereg/db"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/snapshot"
	"github.com/teranos/nodereg/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Inspect the snapshot database",
	Long: sym.DB + ` db: Snapshot database

Every command that changes the registry saves a full snapshot to SQLite when it
finishes; the next command restores it.

Examples:
  nodereg db stats               # Row counts, schema version and partition occupancy`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database and address space statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		version, err := db.SchemaVersion(s.db)
		if err != nil {
			return err
		}
		counts, err := snapshot.NewStore(s.db).Counts(s.ctx)
		if err != nil {
			return errors.Wrap(err, "failed to count rows")
		}

		fmt.Printf("%s Database Statistics\n", sym.DB)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		fmt.Printf("Database Path:   %s\n", s.cfg.GetDatabasePath())
		fmt.Printf("Schema Version:  %s\n", version)
		fmt.Printf("Entities:        %d\n", counts["entities"])
		fmt.Printf("Tombstones:      %d\n", counts["tombstones"])
		fmt.Printf("Edges:           %d\n", counts["edges"])
		fmt.Printf("Tickets:         %d\n", counts["tickets"])
		fmt.Println()

		fmt.Printf("%s Address Space\n", sym.Addr)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		rows := pterm.TableData{{"", "Category", "Range", "Allocated", "Available"}}
		for _, p := range s.reg.Stats().Partitions {
			rows = append(rows, []string{
				sym.CategoryGlyph(string(p.Category)),
				string(p.Category),
				p.Range.String(),
				fmt.Sprint(p.Allocated),
				fmt.Sprint(p.Available),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}
