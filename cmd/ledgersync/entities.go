package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ledgersync/internal/core"
)

const dateLayout = "2006-01-02"

// kindCommand describes the CLI surface of one entity kind.
type kindCommand struct {
	kind    core.Kind
	use     string
	aliases []string
	short   string
	flags   func(cmd *cobra.Command)
	fields  func(cmd *cobra.Command) (core.Fields, error)
	patch   func(cmd *cobra.Command) (core.Patch, error)
	columns []string
	row     func(f core.Fields) []string
}

func kindCommands() []kindCommand {
	return []kindCommand{
		{
			kind:    core.KindTransaction,
			use:     "tx",
			aliases: []string{"transaction", "transactions"},
			short:   "Manage transactions",
			flags: func(cmd *cobra.Command) {
				cmd.Flags().String("amount", "", "amount, e.g. 12.50 or 12,50")
				cmd.Flags().String("category", "", "category")
				cmd.Flags().String("type", string(core.Expense), "income or expense")
				cmd.Flags().String("date", "", "date as YYYY-MM-DD (default: today)")
				cmd.Flags().String("description", "", "free-form note")
			},
			fields:  transactionFields,
			patch:   transactionPatch,
			columns: []string{"DATE", "TYPE", "AMOUNT", "CATEGORY", "DESCRIPTION"},
			row: func(f core.Fields) []string {
				t := f.(core.Transaction)
				return []string{t.Date.Format(dateLayout), string(t.Type), core.FormatAmount(t.Amount), t.Category, t.Description}
			},
		},
		{
			kind:    core.KindBudget,
			use:     "budget",
			aliases: []string{"budgets"},
			short:   "Manage budgets",
			flags: func(cmd *cobra.Command) {
				cmd.Flags().String("category", "", "category")
				cmd.Flags().String("allocated", "", "allocated amount")
				cmd.Flags().String("spent", "0", "amount spent so far")
				cmd.Flags().String("period", string(core.Monthly), "weekly, monthly or yearly")
			},
			fields:  budgetFields,
			patch:   budgetPatch,
			columns: []string{"CATEGORY", "PERIOD", "ALLOCATED", "SPENT", "REMAINING"},
			row: func(f core.Fields) []string {
				b := f.(core.Budget)
				return []string{b.Category, string(b.Period), core.FormatAmount(b.Allocated), core.FormatAmount(b.Spent), core.FormatAmount(b.Remaining())}
			},
		},
		{
			kind:    core.KindSavingsGoal,
			use:     "goal",
			aliases: []string{"goals", "savings-goal"},
			short:   "Manage savings goals",
			flags: func(cmd *cobra.Command) {
				cmd.Flags().String("name", "", "goal name")
				cmd.Flags().String("target", "", "target amount")
				cmd.Flags().String("current", "0", "amount saved so far")
				cmd.Flags().String("deadline", "", "deadline as YYYY-MM-DD")
			},
			fields:  goalFields,
			patch:   goalPatch,
			columns: []string{"NAME", "TARGET", "CURRENT", "PROGRESS", "DEADLINE"},
			row: func(f core.Fields) []string {
				g := f.(core.SavingsGoal)
				return []string{g.Name, core.FormatAmount(g.TargetAmount), core.FormatAmount(g.CurrentAmount),
					g.Progress().Mul(decimal.NewFromInt(100)).StringFixed(0) + "%", g.Deadline.Format(dateLayout)}
			},
		},
	}
}

func entityCmd(k kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     k.use,
		Aliases: k.aliases,
		Short:   k.short,
	}
	cmd.AddCommand(entityListCmd(k))
	cmd.AddCommand(entityAddCmd(k))
	cmd.AddCommand(entityUpdateCmd(k))
	cmd.AddCommand(entityDeleteCmd(k))
	return cmd
}

func entityListCmd(k kindCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local " + k.kind.String() + " entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			items, err := a.Entities.List(cmd.Context(), owner, k.kind)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Nothing here yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			header := append([]string{"ID"}, k.columns...)
			fmt.Fprintln(w, strings.Join(append(header, "SYNC"), "\t"))
			for _, e := range items {
				state := e.SyncState.String()
				if e.SyncError != "" {
					state += " (error)"
				}
				cols := append([]string{e.ID}, k.row(e.Fields)...)
				fmt.Fprintln(w, strings.Join(append(cols, state), "\t"))
			}
			return w.Flush()
		},
	}
}

func entityAddCmd(k kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a " + k.kind.String() + " locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			fields, err := k.fields(cmd)
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			e, err := a.Entities.Create(cmd.Context(), owner, fields)
			if err != nil {
				return err
			}
			fmt.Println(e.ID)
			return nil
		},
	}
	k.flags(cmd)
	return cmd
}

func entityUpdateCmd(k kindCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a " + k.kind.String(),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			patch, err := k.patch(cmd)
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			e, err := a.Entities.Update(cmd.Context(), owner, args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", e.ID, e.SyncState)
			return nil
		},
	}
	k.flags(cmd)
	return cmd
}

func entityDeleteCmd(k kindCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a " + k.kind.String(),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			e, err := a.Entities.Get(cmd.Context(), owner, args[0])
			if err != nil {
				return err
			}
			if e.Kind() != k.kind {
				return fmt.Errorf("%s is a %s, not a %s", e.ID, e.Kind(), k.kind)
			}
			return a.Entities.Delete(cmd.Context(), owner, args[0])
		},
	}
}

func flag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(v)
}

func changed(cmd *cobra.Command, name string) bool {
	return cmd.Flags().Changed(name)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func transactionFields(cmd *cobra.Command) (core.Fields, error) {
	amount, err := core.ParseAmount(flag(cmd, "amount"))
	if err != nil {
		return nil, fmt.Errorf("--amount: %w", err)
	}
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if v := flag(cmd, "date"); v != "" {
		if date, err = parseDate(v); err != nil {
			return nil, err
		}
	}
	return core.Transaction{
		Amount:      amount,
		Category:    flag(cmd, "category"),
		Type:        core.TransactionType(flag(cmd, "type")),
		Date:        date,
		Description: flag(cmd, "description"),
	}, nil
}

func transactionPatch(cmd *cobra.Command) (core.Patch, error) {
	var p core.TransactionPatch
	if changed(cmd, "amount") {
		a, err := core.ParseAmount(flag(cmd, "amount"))
		if err != nil {
			return nil, fmt.Errorf("--amount: %w", err)
		}
		p.Amount = &a
	}
	if changed(cmd, "category") {
		c := flag(cmd, "category")
		p.Category = &c
	}
	if changed(cmd, "type") {
		t := core.TransactionType(flag(cmd, "type"))
		p.Type = &t
	}
	if changed(cmd, "date") {
		d, err := parseDate(flag(cmd, "date"))
		if err != nil {
			return nil, err
		}
		p.Date = &d
	}
	if changed(cmd, "description") {
		d := flag(cmd, "description")
		p.Description = &d
	}
	return p, nil
}

func budgetFields(cmd *cobra.Command) (core.Fields, error) {
	allocated, err := core.ParseAmount(flag(cmd, "allocated"))
	if err != nil {
		return nil, fmt.Errorf("--allocated: %w", err)
	}
	spent, err := core.ParseBalance(flag(cmd, "spent"))
	if err != nil {
		return nil, fmt.Errorf("--spent: %w", err)
	}
	return core.Budget{
		Category:  flag(cmd, "category"),
		Allocated: allocated,
		Spent:     spent,
		Period:    core.BudgetPeriod(flag(cmd, "period")),
	}, nil
}

func budgetPatch(cmd *cobra.Command) (core.Patch, error) {
	var p core.BudgetPatch
	if changed(cmd, "category") {
		c := flag(cmd, "category")
		p.Category = &c
	}
	if changed(cmd, "allocated") {
		a, err := core.ParseAmount(flag(cmd, "allocated"))
		if err != nil {
			return nil, fmt.Errorf("--allocated: %w", err)
		}
		p.Allocated = &a
	}
	if changed(cmd, "spent") {
		s, err := core.ParseBalance(flag(cmd, "spent"))
		if err != nil {
			return nil, fmt.Errorf("--spent: %w", err)
		}
		p.Spent = &s
	}
	if changed(cmd, "period") {
		period := core.BudgetPeriod(flag(cmd, "period"))
		p.Period = &period
	}
	return p, nil
}

func goalFields(cmd *cobra.Command) (core.Fields, error) {
	target, err := core.ParseAmount(flag(cmd, "target"))
	if err != nil {
		return nil, fmt.Errorf("--target: %w", err)
	}
	current, err := core.ParseBalance(flag(cmd, "current"))
	if err != nil {
		return nil, fmt.Errorf("--current: %w", err)
	}
	deadline, err := parseDate(flag(cmd, "deadline"))
	if err != nil {
		return nil, fmt.Errorf("--deadline: %w", err)
	}
	return core.SavingsGoal{
		Name:          flag(cmd, "name"),
		TargetAmount:  target,
		CurrentAmount: current,
		Deadline:      deadline,
	}, nil
}

func goalPatch(cmd *cobra.Command) (core.Patch, error) {
	var p core.SavingsGoalPatch
	if changed(cmd, "name") {
		n := flag(cmd, "name")
		p.Name = &n
	}
	if changed(cmd, "target") {
		t, err := core.ParseAmount(flag(cmd, "target"))
		if err != nil {
			return nil, fmt.Errorf("--target: %w", err)
		}
		p.TargetAmount = &t
	}
	if changed(cmd, "current") {
		c, err := core.ParseBalance(flag(cmd, "current"))
		if err != nil {
			return nil, fmt.Errorf("--current: %w", err)
		}
		p.CurrentAmount = &c
	}
	if changed(cmd, "deadline") {
		d, err := parseDate(flag(cmd, "deadline"))
		if err != nil {
			return nil, fmt.Errorf("--deadline: %w", err)
		}
		p.Deadline = &d
	}
	return p, nil
}
