package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abjerry97/duespay/internal/client"
	"github.com/abjerry97/duespay/internal/tools"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "duesctl",
		Short:         "Inspect associations and follow payment confirmations",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config := tools.LoadConfig()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				config.LogLevel = "debug"
			}
			config.SetupLogging()
		},
	}

	root.PersistentFlags().String("base-url", "", "Dues API base URL (default $API_BASE_URL)")
	root.PersistentFlags().BoolP("json", "j", false, "Output as JSON")
	root.PersistentFlags().BoolP("verbose", "v", false, "Log every request")

	root.AddCommand(associationCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(resolveCmd())
	return root
}

// newClient builds an API client from the environment, honoring --base-url.
func newClient(cmd *cobra.Command) *client.Client {
	config := tools.LoadConfig()
	baseURL := config.APIBaseURL
	if flag, _ := cmd.Flags().GetString("base-url"); flag != "" {
		baseURL = flag
	}

	refresher := client.New(baseURL)
	store := client.NewMemoryTokenStore(client.Tokens{Access: config.APIAccessToken, Refresh: config.APIRefreshToken})
	return client.New(baseURL, client.WithTokenSource(client.NewRefreshingTokenSource(store, refresher.RefreshToken)))
}
