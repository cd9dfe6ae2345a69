package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/internal/util"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/registry"
	"github.com/teranos/nodereg/sym"
)

// EntityCmd represents the entity command
var EntityCmd = &cobra.Command{
	Use:   "entity",
	Short: sym.Entity + " Create, read, update and delete node interviews",
	Long: sym.Entity + ` entity: Manage node interviews

Each interview belongs to one category (component, tool, escalation, eei) and
receives the lowest free address in that category's partition.

Examples:
  nodereg entity create tool --identity "Wire cutter" --capabilities "Cuts wire"
  nodereg entity get NI_7Ht3...          # by id
  nodereg entity get @E401 --cached      # by address, through the slot cache
  nodereg entity update NI_7Ht3... --limitations "Max 4mm gauge"
  nodereg entity rm NI_7Ht3...
  nodereg entity ls`,
}

var entityCreateCmd = &cobra.Command{
	Use:   "create <category>",
	Short: "Create an interview and enqueue it for enrichment",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityCreate,
}

var entityGetCmd = &cobra.Command{
	Use:   "get <id|@address|#id>",
	Short: "Show one interview",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityGet,
}

var entityUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Apply a partial update to an interview",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityUpdate,
}

var entityRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an interview, its edges and its address",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityRm,
}

var entityLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List interviews",
	RunE:  runEntityLs,
}

var entityAssignCmd = &cobra.Command{
	Use:   "assign <id>",
	Short: "Assign an address to an interview created while its partition was full",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityAssign,
}

var (
	entityPriority   int
	entityNoTicket   bool
	entityCached     bool
	entityJSON       bool
	entityPending    bool
	entityUnsetExt   []string
	entityExtensions map[string]string
)

// section flags shared by create and update, in payload order
var sectionFlags = []struct {
	name  string
	usage string
	field func(*entity.Payload) *string
	delta func(*entity.Delta) **string
}{
	{"identity", "What the node is", func(p *entity.Payload) *string { return &p.Identity }, func(d *entity.Delta) **string { return &d.Identity }},
	{"capabilities", "What it can do", func(p *entity.Payload) *string { return &p.Capabilities }, func(d *entity.Delta) **string { return &d.Capabilities }},
	{"limitations", "What it cannot do", func(p *entity.Payload) *string { return &p.Limitations }, func(d *entity.Delta) **string { return &d.Limitations }},
	{"tactical-profile", "How it behaves in the field", func(p *entity.Payload) *string { return &p.TacticalProfile }, func(d *entity.Delta) **string { return &d.TacticalProfile }},
	{"intelligence", "What is known about it", func(p *entity.Payload) *string { return &p.Intelligence }, func(d *entity.Delta) **string { return &d.Intelligence }},
	{"relationships", "Free-text relationships", func(p *entity.Payload) *string { return &p.Relationships }, func(d *entity.Delta) **string { return &d.Relationships }},
	{"operational-integration", "How it fits into operations", func(p *entity.Payload) *string { return &p.OperationalIntegration }, func(d *entity.Delta) **string { return &d.OperationalIntegration }},
}

func addSectionFlags(fs *pflag.FlagSet) {
	for _, s := range sectionFlags {
		fs.String(s.name, "", s.usage)
	}
	fs.StringToStringVar(&entityExtensions, "ext", nil, "Category-specific extension (key=value, repeatable)")
}

func init() {
	addSectionFlags(entityCreateCmd.Flags())
	entityCreateCmd.Flags().IntVar(&entityPriority, "priority", 0, "Pipeline priority 1 (highest) to 10 (default from config)")
	entityCreateCmd.Flags().BoolVar(&entityNoTicket, "no-ticket", false, "Do not enqueue the interview for enrichment")

	addSectionFlags(entityUpdateCmd.Flags())
	entityUpdateCmd.Flags().StringSliceVar(&entityUnsetExt, "unset-ext", nil, "Extension keys to remove")

	entityGetCmd.Flags().BoolVar(&entityCached, "cached", false, "Read through the slot cache")
	entityGetCmd.Flags().BoolVar(&entityJSON, "json", false, "Output as JSON")
	entityLsCmd.Flags().BoolVar(&entityPending, "pending", false, "Only interviews still waiting for an address")

	EntityCmd.AddCommand(entityCreateCmd)
	EntityCmd.AddCommand(entityGetCmd)
	EntityCmd.AddCommand(entityUpdateCmd)
	EntityCmd.AddCommand(entityRmCmd)
	EntityCmd.AddCommand(entityLsCmd)
	EntityCmd.AddCommand(entityAssignCmd)
}

func runEntityCreate(cmd *cobra.Command, args []string) error {
	cat, err := addr.ParseCategory(args[0])
	if err != nil {
		return err
	}

	var payload entity.Payload
	for _, s := range sectionFlags {
		*s.field(&payload), _ = cmd.Flags().GetString(s.name)
	}
	if len(entityExtensions) > 0 {
		payload.Extensions = entityExtensions
	}

	var opts []registry.CreateOption
	if cmd.Flags().Changed("priority") {
		opts = append(opts, registry.WithPriority(entityPriority))
	}
	if entityNoTicket {
		opts = append(opts, registry.WithoutTicket())
	}

	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		res, err := s.reg.Create(s.ctx, cat, payload, opts...)
		if err != nil {
			return err
		}

		pterm.Success.Printfln("%s %s created", sym.CategoryGlyph(string(cat)), res.Entity.ID)
		if res.AddressPending {
			pterm.Warning.Printfln("%s partition is full; run 'nodereg entity assign %s' after growing it", cat, res.Entity.ID)
		} else {
			fmt.Printf("  Address: %s (%s)\n", res.Entity.Address, res.Entity.Address.Glyph())
		}
		if res.Ticket != nil {
			fmt.Printf("  Ticket:  %s (priority %d)\n", res.Ticket.ID, res.Ticket.Priority)
		}
		return nil
	})
}

func runEntityGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		var (
			e   entity.Entity
			err error
		)
		if entityCached {
			snap, cerr := s.reg.Cached(s.ctx, args[0])
			e, err = snap.Entity, cerr
		} else {
			e, err = s.reg.Get(s.ctx, args[0])
		}
		if err != nil {
			return err
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		if entityJSON || logger.ShouldLogAll(verbosity) {
			if !entityJSON {
				printEntity(e)
				fmt.Println()
			}
			data, err := json.MarshalIndent(e, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal entity: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		printEntity(e)
		return nil
	})
}

func runEntityUpdate(cmd *cobra.Command, args []string) error {
	var delta entity.Delta
	for _, s := range sectionFlags {
		if !cmd.Flags().Changed(s.name) {
			continue
		}
		v, _ := cmd.Flags().GetString(s.name)
		*s.delta(&delta) = util.Ptr(v)
	}
	if len(entityExtensions) > 0 || len(entityUnsetExt) > 0 {
		delta.Extensions = make(map[string]*string)
		for k, v := range entityExtensions {
			delta.Extensions[k] = util.Ptr(v)
		}
		for _, k := range entityUnsetExt {
			delta.Extensions[k] = nil
		}
	}

	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		e, err := s.reg.Update(s.ctx, args[0], delta)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%s updated to version %d", e.ID, e.Version)
		return nil
	})
}

func runEntityRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		if err := s.reg.Delete(s.ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("%s deleted", args[0])
		return nil
	})
}

func runEntityAssign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		e, err := s.reg.AssignAddress(s.ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%s holds %s", e.ID, e.Address)
		return nil
	})
}

func runEntityLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		list := s.reg.List
		if entityPending {
			list = s.reg.Pending
		}
		entities, err := list(s.ctx)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			pterm.Info.Println("No interviews")
			return nil
		}

		rows := pterm.TableData{{"", "ID", "Category", "Address", "Version", "Identity"}}
		for _, e := range entities {
			address := "pending"
			if e.Address != nil {
				address = e.Address.String()
			}
			rows = append(rows, []string{
				sym.CategoryGlyph(string(e.Category)),
				e.ID,
				string(e.Category),
				address,
				fmt.Sprint(e.Version),
				truncate(e.Payload.Identity, 40),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func printEntity(e entity.Entity) {
	pterm.DefaultSection.Printfln("%s %s", sym.CategoryGlyph(string(e.Category)), e.ID)
	fmt.Printf("Category:      %s\n", e.Category)
	if e.Address != nil {
		fmt.Printf("Address:       %s (%s)\n", e.Address, e.Address.Glyph())
	} else {
		fmt.Printf("Address:       pending\n")
	}
	fmt.Printf("Version:       %d\n", e.Version)
	fmt.Printf("Content hash:  %s\n", e.ContentHash)
	fmt.Printf("Semantic hash: %s\n", e.SemanticHash)
	fmt.Println()

	p := e.Payload
	for _, s := range sectionFlags {
		if v := *s.field(&p); v != "" {
			fmt.Printf("%s:\n  %s\n", s.name, v)
		}
	}
	for k, v := range p.Extensions {
		fmt.Printf("ext.%s: %s\n", k, v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
