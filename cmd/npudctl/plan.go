package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vectornorth/npud-offload/pkg/groupmgr"
)

const (
	// flagTopology core group topology specification.
	flagTopology = "coreGroupSizes"
	// flagDefaultSize requested default core group size.
	flagDefaultSize = "default-size"
	// flagMaxDup max duplicates hint for the default topology.
	flagMaxDup = "max-duplicates"
)

var planParams = []param{
	{name: flagTopology, shorthand: "t", value: "", usage: "core group topology, e.g. [2x1,2]"},
	{name: flagDefaultSize, shorthand: "", value: 1, usage: "requested default core group size"},
	{name: flagMaxDup, shorthand: "", value: 1, usage: "max duplicates hint for the default topology"},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "parse a core group topology and print the resulting groups",
	Run: func(cmd *cobra.Command, args []string) {
		printPlan()
	},
}

func printPlan() {
	spec := viper.GetString(flagTopology)
	specs, source := groupmgr.PlanTopology(spec,
		viper.GetInt(flagDefaultSize), viper.GetInt(flagMaxDup))
	if source == groupmgr.PlanFallback {
		log.Warnf("topology %q looks ill-formatted, showing the default plan", spec)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Group", "Cores", "Duplication", "Total cores"})
	total := 0
	for i, s := range specs {
		t.AppendRow(table.Row{i, s.CoreCount, s.Duplication, s.CoreCount * s.Duplication})
		total += s.CoreCount * s.Duplication
	}
	t.AppendFooter(table.Row{"", "", "total", total})
	t.SetStyle(table.StyleColoredGreenWhiteOnBlack)
	t.Render()
}
