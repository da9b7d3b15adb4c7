package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/flow"
	"github.com/abjerry97/duespay/internal/processors"
	"github.com/abjerry97/duespay/internal/tools"
	"github.com/abjerry97/duespay/internal/validation"
)

func associationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "association <short_name>",
		Short: "Show an association's profile and payment items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := newClient(cmd).GetAssociation(cmd.Context(), strings.ToLower(args[0]))
			if err != nil {
				return describe(err)
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), profile)
			}
			printAssociation(cmd.OutOrStdout(), profile)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <reference>",
		Short: "Follow the confirmation of a payment until it settles",
		Long: `Polls the payment status of a reference and prints every check.

By default the callback-page schedule is used (every 2.5s, 60 attempts, stop
when the reference is unknown). --wizard switches to the wizard schedule
(every 5s, 30 attempts, keep polling while unknown). Ctrl-C stops polling.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := processors.CallbackPolling
			if wizard, _ := cmd.Flags().GetBool("wizard"); wizard {
				cfg = processors.WizardPolling
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			poller := processors.NewStatusPoller(newClient(cmd), args[0], cfg)
			state, err := poller.Run(ctx, func(update api.StatusUpdate) {
				if asJSON {
					_ = json.NewEncoder(out).Encode(update)
					return
				}
				printUpdate(out, update)
			})
			if err != nil {
				if ctx.Err() != nil {
					fmt.Fprintln(out, "stopped")
					return nil
				}
				return err
			}
			if !asJSON {
				fmt.Fprintf(out, "final state: %s\n", state)
			}
			return nil
		},
	}
	cmd.Flags().Bool("wizard", false, "Use the wizard polling schedule")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <host> [path]",
		Short: "Show which association a URL belongs to",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 2 {
				path = args[1]
			}
			shortName, ok := flow.ResolveShortName(args[0], path, tools.LoadConfig().BaseDomain)
			if !ok {
				return fmt.Errorf("no association short name in %s%s", args[0], path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), shortName)
			return nil
		},
	}
}

func printAssociation(w io.Writer, profile *api.AssociationProfile) {
	fmt.Fprintf(w, "%s (%s)\n", profile.Name, profile.ShortName)
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "  Type:     %s\n", profile.Type)
	if required := validation.RequiredFields(profile.Type); len(required) > 0 {
		fmt.Fprintf(w, "  Requires: %s\n", strings.Join(required, ", "))
	}
	if profile.BankAccount.AccountNumber != "" {
		fmt.Fprintf(w, "  Bank:     %s %s (%s)\n", profile.BankAccount.BankName, profile.BankAccount.AccountNumber, profile.BankAccount.AccountName)
	}

	f := flow.New("", *profile, time.Now())
	fmt.Fprintln(w, "\nPayment items:")
	for _, item := range profile.PaymentItems {
		marker := " "
		if f.IsSelected(item.ID) {
			marker = "*"
		}
		note := string(item.Status)
		if !item.IsActive {
			note += ", inactive"
		}
		fmt.Fprintf(w, "  %s %-4d %-30s %12s  (%s)\n", marker, item.ID, item.Title, item.Amount.StringFixed(2), note)
	}
	fmt.Fprintf(w, "\n  Compulsory total: %s\n", f.CompulsoryTotal().StringFixed(2))
}

func printUpdate(w io.Writer, update api.StatusUpdate) {
	line := fmt.Sprintf("[%d/%d] %s", update.Attempt, update.MaxAttempts, update.State)
	if update.Status != nil && update.Status.ReceiptID != "" {
		line += " receipt=" + update.Status.ReceiptID
	}
	if update.Error != "" {
		line += " (" + update.Error + ")"
	}
	fmt.Fprintln(w, line)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe turns an API failure into the one-line message a terminal user
// should see.
func describe(err error) error {
	apiErr := api.AsError(err)
	if apiErr.Kind == api.ErrUnknown && apiErr.Err != nil {
		return err
	}
	return fmt.Errorf("%s: %s", apiErr.Title, apiErr.Message)
}
