package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/nodereg/graph"
	"github.com/teranos/nodereg/sym"
)

// LinkCmd represents the link command
var LinkCmd = &cobra.Command{
	Use:   "link",
	Short: sym.Link + " Manage relationship graph edges",
	Long: sym.Link + ` link: Relationship graph

Edges are directed, typed and weighted. Linking the same pair with the same
type again reinforces the existing edge instead of adding a second one.

Relation types: ` + relationList() + `

Examples:
  nodereg link add NI_a NI_b --rel depends_on --strength 2
  nodereg link rm <edge-id>
  nodereg link ls NI_a --dir both
  nodereg link traverse NI_a --depth 3 --rel escalates_to
  nodereg link export > graph.json`,
}

var linkAddCmd = &cobra.Command{
	Use:   "add <source> <target>",
	Short: "Create or reinforce an edge",
	Args:  cobra.ExactArgs(2),
	RunE:  runLinkAdd,
}

var linkRmCmd = &cobra.Command{
	Use:   "rm <edge-id>",
	Short: "Remove an edge",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkRm,
}

var linkLsCmd = &cobra.Command{
	Use:   "ls <id>",
	Short: "List an interview's edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkLs,
}

var linkTraverseCmd = &cobra.Command{
	Use:   "traverse <id>",
	Short: "Walk the graph breadth-first from an interview",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkTraverse,
}

var linkExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the graph as nodes and links JSON",
	RunE:  runLinkExport,
}

var (
	linkAddRel   string
	linkRel      string
	linkStrength float64
	linkDir      string
	linkDepth    int
)

func init() {
	linkAddCmd.Flags().StringVar(&linkAddRel, "rel", string(graph.DependsOn), "Relation type")
	linkAddCmd.Flags().Float64Var(&linkStrength, "strength", graph.DefaultStrength, "Edge strength (positive)")

	for _, c := range []*cobra.Command{linkLsCmd, linkTraverseCmd} {
		c.Flags().StringVar(&linkRel, "rel", "", "Only follow this relation type")
		c.Flags().StringVar(&linkDir, "dir", "out", "Direction: out, in, both")
	}
	linkTraverseCmd.Flags().IntVar(&linkDepth, "depth", 2, "Maximum depth")

	LinkCmd.AddCommand(linkAddCmd)
	LinkCmd.AddCommand(linkRmCmd)
	LinkCmd.AddCommand(linkLsCmd)
	LinkCmd.AddCommand(linkTraverseCmd)
	LinkCmd.AddCommand(linkExportCmd)
}

func relationList() string {
	var names []string
	for _, r := range graph.RelationTypes() {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

func linkFilter() (graph.Filter, error) {
	var f graph.Filter
	if linkRel != "" {
		rel, err := graph.ParseRelation(linkRel)
		if err != nil {
			return f, err
		}
		f.Relation = rel
	}
	dir, err := graph.ParseDirection(linkDir)
	if err != nil {
		return f, err
	}
	f.Direction = dir
	return f, nil
}

func runLinkAdd(cmd *cobra.Command, args []string) error {
	rel, err := graph.ParseRelation(linkAddRel)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		id, err := s.reg.Link(s.ctx, args[0], args[1], rel, linkStrength)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%s %s -[%s]-> %s (%s)", sym.Link, args[0], rel, args[1], id)
		return nil
	})
}

func runLinkRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		if err := s.reg.Unlink(s.ctx, graph.EdgeID(args[0])); err != nil {
			return err
		}
		pterm.Success.Printfln("Edge %s removed", args[0])
		return nil
	})
}

func runLinkLs(cmd *cobra.Command, args []string) error {
	f, err := linkFilter()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		if _, err := s.reg.Get(s.ctx, args[0]); err != nil {
			return err
		}
		edges := s.reg.Edges(args[0], f)
		if len(edges) == 0 {
			pterm.Info.Printfln("%s has no %s edges", args[0], f.Direction)
			return nil
		}

		rows := pterm.TableData{{"Edge", "Source", "Type", "Target", "Strength"}}
		for _, e := range edges {
			rows = append(rows, []string{string(e.ID), e.Source, e.Type.Label(), e.Target, fmt.Sprintf("%.2f", e.Strength)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runLinkTraverse(cmd *cobra.Command, args []string) error {
	f, err := linkFilter()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		if _, err := s.reg.Get(s.ctx, args[0]); err != nil {
			return err
		}
		for v := range s.reg.Traverse(args[0], linkDepth, f) {
			fmt.Printf("%s%s\n", strings.Repeat("  ", v.Depth), v.ID)
		}
		return nil
	})
}

func runLinkExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		data, err := json.MarshalIndent(s.reg.Export(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal graph: %w", err)
		}
		fmt.Println(string(data))
		return nil
	})
}
