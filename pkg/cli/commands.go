package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/config"
)

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProgressBillingCommand(open Opener, out io.Writer) *Command {
	cmd := &Command{
		Name:        "progress-billing",
		Description: "Start cycles, collect usage, charge and reconcile every subscription",
		Flags:       flag.NewFlagSet("progress-billing", flag.ContinueOnError),
	}
	asJSON := cmd.Flags.Bool("json", false, "Print the run report as JSON")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withRuntime(ctx, open, func(rt *Runtime) error {
			report, err := rt.Orchestrator.Run(ctx)
			if err != nil {
				return err
			}
			if *asJSON {
				return printJSON(out, report)
			}

			fmt.Fprintf(out, "Subscriptions:    %d\n", report.Subscriptions)
			fmt.Fprintf(out, "Cycles started:   %d\n", report.CyclesStarted)
			fmt.Fprintf(out, "Charges:          %d\n", report.Charges)
			fmt.Fprintf(out, "Synced:           %d\n", report.Synced)
			fmt.Fprintf(out, "Skipped:          %d\n", report.Skipped)
			fmt.Fprintf(out, "Products expired: %d\n", report.ProductsExpired)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "FAILED subscription %d (org %d): %v\n", f.SubscriptionID, f.OrgID, f.Err)
			}
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d subscriptions failed", len(report.Failures))
			}
			return nil
		})
	}
	return cmd
}

func newExpireProductsCommand(open Opener, out io.Writer) *Command {
	cmd := &Command{
		Name:        "expire-products",
		Description: "Remove expired organization products and grant replacements",
		Flags:       flag.NewFlagSet("expire-products", flag.ContinueOnError),
	}

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withRuntime(ctx, open, func(rt *Runtime) error {
			n, err := rt.Billing.ExpireProducts(ctx)
			fmt.Fprintf(out, "Expired %d products\n", n)
			return err
		})
	}
	return cmd
}

func newCycleCommand(open Opener, out io.Writer) *Command {
	cmd := &Command{
		Name:        "cycle",
		Description: "Show the lines and price of a subscription cycle",
		Flags:       flag.NewFlagSet("cycle", flag.ContinueOnError),
	}
	id := cmd.Flags.Int64("id", 0, "Subscription cycle ID")
	asJSON := cmd.Flags.Bool("json", false, "Print the lines as JSON")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *id <= 0 {
			return fmt.Errorf("--id is required")
		}
		return withRuntime(ctx, open, func(rt *Runtime) error {
			lines, err := rt.Billing.CycleLines(ctx, *id)
			if err != nil {
				return err
			}
			if *asJSON {
				return printJSON(out, lines)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRODUCT\tUSAGE\tPRICE")
			for _, l := range lines {
				fmt.Fprintf(w, "%s\t%g\t%s\n", l.Description(), l.Usage, l.Price)
			}
			fmt.Fprintf(w, "TOTAL\t\t%s\n", billing.Total(lines))
			return w.Flush()
		})
	}
	return cmd
}

func newRecomputeCommand(open Opener, out io.Writer) *Command {
	cmd := &Command{
		Name:        "recompute-permissions",
		Description: "Rebuild managed permission grants for one or all organizations",
		Flags:       flag.NewFlagSet("recompute-permissions", flag.ContinueOnError),
	}
	orgID := cmd.Flags.Int64("org", 0, "Organization ID (default: all organizations)")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withRuntime(ctx, open, func(rt *Runtime) error {
			if *orgID > 0 {
				if err := rt.Resolver.RecomputeOrg(ctx, *orgID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Recomputed permissions for organization %d\n", *orgID)
				return nil
			}
			if err := rt.Resolver.RecomputeAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Recomputed permissions for all organizations")
			return nil
		})
	}
	return cmd
}

func newSeedCommand(open Opener, out io.Writer) *Command {
	cmd := &Command{
		Name:        "seed",
		Description: "Apply a YAML seed of roles, managed permissions and products",
		Flags:       flag.NewFlagSet("seed", flag.ContinueOnError),
	}
	file := cmd.Flags.String("file", "", "Seed file (default: AAACTL_SEED_FILE)")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withRuntime(ctx, open, func(rt *Runtime) error {
			path := *file
			if path == "" {
				path = rt.Config.Seed.File
			}
			if path == "" {
				return fmt.Errorf("no seed file given")
			}
			seed, err := config.LoadSeed(path)
			if err != nil {
				return err
			}
			res, err := rt.Seeder.Apply(ctx, seed)
			if err != nil {
				return err
			}
			// grants are recomputed by queued tasks
			if err := rt.Queue.Drain(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Roles: %d created, %d updated\n", res.RolesCreated, res.RolesUpdated)
			fmt.Fprintf(out, "Managed permissions: %d created, %d updated\n", res.PermissionsCreated, res.PermissionsUpdated)
			fmt.Fprintf(out, "Role auto grants: %d set\n", res.AutoGrantsSet)
			fmt.Fprintf(out, "Products: %d created\n", res.ProductsCreated)
			return nil
		})
	}
	return cmd
}
