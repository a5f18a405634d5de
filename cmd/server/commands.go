package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/warp/period-rewards/generic"
	"github.com/warp/period-rewards/rewards"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// =============================================================================
// periods generate
// =============================================================================

func (c *cli) periodsCmd() *cobra.Command {
	periods := &cobra.Command{
		Use:   "periods",
		Short: "Available period maintenance",
	}
	periods.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Insert missing available periods around now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			result, err := a.generator.Generate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, pt := range generic.PeriodTypes {
				fmt.Fprintf(out, "%-8s %d inserted\n", pt, result.Inserted[pt])
			}
			fmt.Fprintf(out, "%s %d\n", bold("total"), result.Total())
			return nil
		},
	})
	return periods
}

// =============================================================================
// preview / distribute
// =============================================================================

// periodFlags binds --type and --id and parses them into a key.
type periodFlags struct {
	periodType string
	identifier string
}

func (f *periodFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.periodType, "type", "", "period type: weekly, monthly or yearly")
	cmd.Flags().StringVar(&f.identifier, "id", "", "period identifier, e.g. 2026-W04, 2026-01 or 2026")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("id")
}

func (f *periodFlags) key() (generic.PeriodKey, error) {
	pt, err := generic.ParsePeriodType(f.periodType)
	if err != nil {
		return generic.PeriodKey{}, err
	}
	if _, err := generic.ParseIdentifier(pt, f.identifier); err != nil {
		return generic.PeriodKey{}, err
	}
	return generic.PeriodKey{Type: pt, Identifier: f.identifier}, nil
}

func (c *cli) previewCmd() *cobra.Command {
	var flags periodFlags
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show who would be rewarded for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := flags.key()
			if err != nil {
				return err
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			preview, err := a.engine.Preview(cmd.Context(), key)
			if err != nil {
				return err
			}
			return printPreview(cmd.OutOrStdout(), preview)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (c *cli) distributeCmd() *cobra.Command {
	var (
		flags   periodFlags
		force   bool
		adminID string
	)
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Pay out a period's rewards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := flags.key()
			if err != nil {
				return err
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			result, err := a.engine.Distribute(cmd.Context(), rewards.DistributeRequest{
				Period:  key,
				Force:   force,
				AdminID: adminID,
			})
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), red("distribution rejected: ")+err.Error())
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s: %d credited", green("distributed"), key, result.DistributedCount)
			if result.Forced {
				fmt.Fprintf(out, ", %d pruned (forced)", result.PrunedCount)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "re-distribute an already distributed period")
	cmd.Flags().StringVar(&adminID, "admin", "cli", "admin id recorded on the distribution")
	return cmd
}

func printPreview(out io.Writer, p rewards.PreviewResult) error {
	status := string(p.Status)
	switch p.Status {
	case generic.StatusDistributed:
		status = yellow(status)
	case generic.StatusFailed, generic.StatusCancelled:
		status = red(status)
	}
	ladder := "default"
	if p.CustomLadder {
		ladder = "custom"
	}
	fmt.Fprintf(out, "%s  status=%s  ladder=%s  ranked=%d  excluded=%d  cashback=%s\n\n",
		bold(p.Period.String()), status, ladder, p.RankedCount, p.ExcludedCount, p.TotalCashback.StringFixed(2))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCUSTOMER\tXP\tTIER\tCOUPON\tBADGE\tCASHBACK")
	for _, line := range p.Recipients {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			line.Rank, line.CustomerID, line.XP, line.TierName,
			orDash(line.Reward.CouponTemplateID), orDash(line.Reward.BadgeTypeID),
			line.Reward.Cashback.StringFixed(2))
	}
	return tw.Flush()
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
