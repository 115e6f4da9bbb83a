package main

import (
	"net"
	"testing"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/discovery"
)

func TestRoomFromConfig_UsesBoundPortWhenUnset(t *testing.T) {
	cfg := config.Config{
		RoomName:     "ops",
		RoomAddress:  "192.168.1.5",
		PeerID:       "alice",
		RoomMetadata: map[string]string{"band": "a"},
	}
	room := roomFromConfig(cfg, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41234})
	if room.Port != 41234 || room.CreatorID != "alice" || room.Address != "192.168.1.5" {
		t.Fatalf("room=%+v", room)
	}

	cfg.RoomPort = 9000
	if room := roomFromConfig(cfg, &net.TCPAddr{Port: 41234}); room.Port != 9000 {
		t.Fatalf("explicit port ignored: %+v", room)
	}
}

func TestAdvertisedRoom(t *testing.T) {
	room := roomFromConfig(config.Config{RoomName: "ops", PeerID: "alice", RoomPort: 9000}, nil)
	adv := advertisedRoom(room)
	if adv.InstanceName() != "ops_alice" || adv.Path != discovery.DefaultPath || adv.Port != 9000 {
		t.Fatalf("advertised=%+v", adv)
	}
}
