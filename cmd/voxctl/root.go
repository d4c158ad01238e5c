package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/domain"
)

var (
	flagServer   string
	flagIdentity string
	flagUsername string
)

var rootCmd = &cobra.Command{
	Use:   "voxctl",
	Short: "Voxhall live-room terminal client",
	Long:  `Joins live audio rooms against a voxhall server and tails room state. Commands: room, join.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "voxhall server base URL")
	rootCmd.PersistentFlags().StringVar(&flagIdentity, "identity", "", "existing user id to act as")
	rootCmd.PersistentFlags().StringVar(&flagUsername, "username", "guest", "display name registered when --identity is not set")

	rootCmd.AddCommand(roomCmd)
	rootCmd.AddCommand(joinCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

// resolveIdentity returns the id from --identity, or registers a fresh user
// under --username and uses that.
func resolveIdentity(cmd *cobra.Command, client *api.Client) (domain.UserID, error) {
	if flagIdentity != "" {
		return domain.UserID(flagIdentity), nil
	}
	user, err := client.CreateUser(cmd.Context(), flagUsername)
	if err != nil {
		return "", fmt.Errorf("register user: %w", err)
	}
	fmt.Printf("registered %s as %s\n", user.Username, user.ID)
	return user.ID, nil
}
