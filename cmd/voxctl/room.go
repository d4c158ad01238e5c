package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxhall/voxhall/internal/api"
)

var roomCmd = &cobra.Command{
	Use:   "room [name]",
	Short: "Create and start a live room, print its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoom,
}

func runRoom(cmd *cobra.Command, args []string) error {
	client := api.NewClient(flagServer, "")
	identity, err := resolveIdentity(cmd, client)
	if err != nil {
		return err
	}

	room, err := client.CreateRoom(cmd.Context(), args[0], identity)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if err := client.StartRoom(cmd.Context(), room.ID); err != nil {
		return fmt.Errorf("start room: %w", err)
	}

	fmt.Printf("room %s is live (host %s)\n", room.ID, identity)
	return nil
}
