package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/audio"
	"github.com/voxhall/voxhall/internal/audio/rtc"
	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/transport"
)

var joinCmd = &cobra.Command{
	Use:   "join [room-id]",
	Short: "Join a live room and tail its state until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	roomID := domain.RoomID(args[0])
	client := api.NewClient(flagServer, "")
	identity, err := resolveIdentity(cmd, client)
	if err != nil {
		return err
	}

	wsURL := strings.Replace(flagServer, "http", "ws", 1) + "/api/ws/rooms"
	ch := transport.NewChannel(transport.Options{URL: wsURL})
	defer ch.Disconnect()

	sess := session.New(ch, roomID, identity)
	defer sess.Close()

	tokens := &identityTokens{client: client, identity: identity}
	mgr := audio.NewManager(roomID, rtc.NewRoom(rtc.DefaultWebRTCConfig(), nil), tokens, nil, nil)
	defer mgr.Stop()

	unsub := sess.OnChange(func(st session.State) {
		fmt.Printf("connected=%v role=%s muted=%v participants=%d requests=%d live=%v ended=%v\n",
			st.IsConnected, st.MyRole, st.IsMuted, len(st.Participants), len(st.SpeakerRequests), st.IsLive, st.IsRoomEnded)
	})
	defer unsub()
	defer mgr.ObserveSession(cmd.Context(), sess)()

	connUnsub := ch.OnConnectionChange(func(connected bool) {
		if connected {
			sess.Join()
		}
	})
	defer connUnsub()
	ch.Connect(identity, "")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}
	fmt.Println("leaving room")
	return nil
}

// identityTokens requests audio-session credentials for the fixed identity.
type identityTokens struct {
	client   *api.Client
	identity domain.UserID
}

func (t *identityTokens) RoomToken(ctx context.Context, roomID domain.RoomID) (audio.Credentials, error) {
	return t.client.RoomTokenFor(ctx, roomID, t.identity)
}
