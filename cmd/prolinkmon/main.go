// prolinkmon joins a ProDJ Link network and prints what the players are
// doing: devices appearing and leaving, media mounts, loaded tracks with
// resolved metadata.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/codegangsta/cli"
	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/prolink"
	"github.com/prodjlink/prolink/internal/registry"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	app := cli.NewApp()
	app.Name = "prolinkmon"
	app.Usage = "watch players on a ProDJ Link network"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "player-number, n",
			Usage: "player number announced by the virtual player",
			Value: 5,
		},
		cli.BoolFlag{
			Name:  "passive",
			Usage: "do not announce ourselves (disables metadata lookups)",
		},
		cli.StringFlag{
			Name:  "cache-dir",
			Usage: "directory for downloaded rekordbox exports",
		},
		cli.StringFlag{
			Name:  "history",
			Usage: "path of the played-track log database (empty disables)",
		},
	}
	app.Action = monitor
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

func monitor(c *cli.Context) error {
	s, err := prolink.New(prolink.Config{
		PlayerNumber: uint8(c.Int("player-number")),
		Announce:     !c.Bool("passive"),
		CacheDir:     c.String("cache-dir"),
		HistoryPath:  c.String("history"),
	})
	if err != nil {
		return err
	}
	events := s.Subscribe()
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigs:
			fmt.Println("shutting down...")
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(s, e)
		}
	}
}

func printEvent(s *prolink.Session, e registry.Event) {
	switch e.Kind {
	case registry.PlayerSeen:
		if p, ok := s.Registry.Player(e.PlayerNumber); ok {
			fmt.Printf("player %d: %s (%v)\n", p.PlayerNumber, p.Model, p.IPAddr)
		}
	case registry.PlayerGone:
		fmt.Printf("player %d: gone\n", e.PlayerNumber)
	case registry.MediaChanged:
		printMedia(s, e)
	case registry.TrackChanged:
		printTrack(s, e)
	}
}

func printMedia(s *prolink.Session, e registry.Event) {
	p, ok := s.Registry.Player(e.PlayerNumber)
	if !ok {
		return
	}
	var info *registry.MediaInfo
	switch e.Slot {
	case core.SlotUSB:
		info = p.USBInfo
	case core.SlotSD:
		info = p.SDInfo
	}
	if info == nil {
		fmt.Printf("player %d: media changed in %s\n", e.PlayerNumber, e.Slot)
		return
	}
	fmt.Printf("player %d: %s %q, %d tracks, %d playlists\n",
		e.PlayerNumber, e.Slot, info.Name, info.TrackCount, info.PlaylistCount)
}

func printTrack(s *prolink.Session, e registry.Event) {
	if e.TrackID == 0 {
		fmt.Printf("player %d: track unloaded\n", e.PlayerNumber)
		return
	}
	reply := <-s.Data.Metadata(e.LoadedPlayerNumber, e.LoadedSlot, e.TrackID)
	if reply.Err != nil {
		fmt.Printf("player %d: track %d from player %d %s (no metadata: %s)\n",
			e.PlayerNumber, e.TrackID, e.LoadedPlayerNumber, e.LoadedSlot, reply.Err)
		return
	}
	md := reply.Metadata
	fmt.Printf("player %d: %s - %s (%s) %d:%02d %.2f BPM\n",
		e.PlayerNumber, md.Artist, md.Title, md.Album,
		md.Duration/60, md.Duration%60, md.BPM)
}
