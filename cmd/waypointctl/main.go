package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL, token string

	root := &cobra.Command{
		Use:   "waypointctl",
		Short: "Administer waypoint bookmark repos",
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("WAYPOINT_API", "http://localhost:8990"), "waypoint API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("WAYPOINT_TOKEN"), "bearer token")

	client := &apiClient{url: &apiURL, token: &token}
	root.AddCommand(
		newListCmd(client),
		newMoveCmd(client),
		newDeleteCmd(client),
		newLogCmd(client),
		newLockCmd(client),
		newUnlockCmd(client),
		newSearchCmd(client),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
