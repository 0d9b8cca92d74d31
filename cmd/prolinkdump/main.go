// prolinkdump pretty-prints ProDJ Link packets, either sniffed live off
// the network or read from raw packet files captured earlier.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/codegangsta/cli"
	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/prolink"
	"github.com/prodjlink/prolink/internal/protocol"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	app := cli.NewApp()
	app.Name = "prolinkdump"
	app.Usage = "decode and print ProDJ Link packets"
	app.ArgsUsage = "[file ...]"
	app.Description = `Without arguments, binds the three link ports and prints every packet
seen until interrupted. With arguments, each file is read as one raw
packet; the family is chosen with --kind.`
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "kind, k",
			Usage: "packet family of file arguments: keepalive, beat or status",
			Value: "status",
		},
		cli.BoolFlag{
			Name:  "hex",
			Usage: "also print the raw bytes of every packet",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() > 0 {
		return dumpFiles(c)
	}
	return dumpLive(c)
}

func dumpFiles(c *cli.Context) error {
	kind := c.String("kind")
	for _, path := range c.Args() {
		buf, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d bytes):\n", path, len(buf))
		if c.Bool("hex") {
			fmt.Printf("%x\n", buf)
		}
		printPacket(kind, buf)
	}
	return nil
}

func dumpLive(c *cli.Context) error {
	s, err := prolink.New(prolink.Config{CacheDir: os.TempDir()})
	if err != nil {
		return err
	}
	showHex := c.Bool("hex")
	s.SetRawPacketFunc(func(sock string, buf []byte, addr *net.UDPAddr) {
		fmt.Printf("%s from %v (%d bytes):\n", sock, addr, len(buf))
		if showHex {
			fmt.Printf("%x\n", buf)
		}
		printPacket(sock, buf)
	})
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	return nil
}

func printPacket(kind string, buf []byte) {
	switch kind {
	case "keepalive":
		p, err := protocol.DecodeKeepalive(buf)
		if err != nil {
			fmt.Printf("  undecodable keepalive: %s\n", err)
			return
		}
		printKeepalive(p)
	case "beat":
		p, err := protocol.DecodeBeat(buf)
		if err != nil {
			fmt.Printf("  undecodable beat: %s\n", err)
			return
		}
		printBeat(p)
	case "status":
		p, err := protocol.DecodeStatus(buf)
		if err != nil {
			fmt.Printf("  undecodable status: %s\n", err)
			return
		}
		printStatus(p)
	default:
		fmt.Printf("  unknown packet family %q\n", kind)
	}
}

func printKeepalive(p *protocol.Keepalive) {
	switch p.Kind {
	case protocol.KeepaliveHello:
		fmt.Printf("  hello model %q (%s) u2 %d\n", p.Model, p.DeviceType, p.Hello.U2)
	case protocol.KeepaliveNumber:
		fmt.Printf("  number model %q proposed %d iteration %d\n",
			p.Model, p.Number.ProposedPlayerNumber, p.Number.Iteration)
	case protocol.KeepaliveMac:
		fmt.Printf("  mac model %q mac %v iteration %d\n", p.Model, p.Mac.MacAddr, p.Mac.Iteration)
	case protocol.KeepaliveIP:
		b := p.IP
		fmt.Printf("  ip model %q player %d ip %v mac %v iteration %d assignment %d\n",
			p.Model, b.PlayerNumber, b.IPAddr, b.MacAddr, b.Iteration, b.Assignment)
	case protocol.KeepaliveStatus:
		b := p.Status
		fmt.Printf("  status model %q (%s) player %d ip %v mac %v devcnt %d\n",
			p.Model, p.DeviceType, b.PlayerNumber, b.IPAddr, b.MacAddr, b.DeviceCount)
	case protocol.KeepaliveChange:
		fmt.Printf("  change model %q old player %d ip %v\n", p.Model, p.Change.OldPlayerNumber, p.Change.IPAddr)
	}
}

func printBeat(p *protocol.Beat) {
	switch p.Kind {
	case protocol.BeatBeat:
		b := p.Info
		fmt.Printf("  beat model %q player %d pitch %.3f bpm %.2f beat %d distances %d/%d/%d/%d/%d/%d\n",
			p.Model, p.PlayerNumber, b.Pitch, b.BPM, b.Beat,
			b.NextBeat, b.SecondBeat, b.NextBar, b.FourthBeat, b.SecondBar, b.EighthBeat)
	case protocol.BeatAbsolutePosition:
		b := p.Position
		fmt.Printf("  position model %q player %d playhead %dms of %ds\n",
			p.Model, p.PlayerNumber, b.Playhead, b.TrackLen)
	case protocol.BeatMixer:
		fmt.Printf("  mixer model %q player %d on-air %v\n", p.Model, p.PlayerNumber, p.Mixer.ChannelsOnAir)
	case protocol.BeatMixerHello:
		fmt.Printf("  mixer hello model %q player %d\n", p.Model, p.PlayerNumber)
	case protocol.BeatFaderStart:
		fmt.Printf("  fader start model %q player %d commands %v\n",
			p.Model, p.PlayerNumber, p.FaderStart.Commands)
	}
}

func printStatus(p *protocol.Status) {
	switch p.Kind {
	case protocol.StatusCDJ:
		b := p.CDJ
		fmt.Printf("  cdj model %q player %d state %s pitch %.2f bpm %.2f beat %d/%d\n",
			p.Model, p.PlayerNumber, b.PlayState, b.PhysicalPitch, b.BPM, b.BeatCount, b.Beat)
		fmt.Printf("      track %d from player %d %s, usb %s sd %s fw %s\n",
			b.TrackID, b.LoadedPlayerNumber, b.LoadedSlot, b.USBState, b.SDState, b.Firmware)
	case protocol.StatusDJM:
		b := p.DJM
		fmt.Printf("  djm model %q player %d pitch %.2f bpm %.2f beat %d\n",
			p.Model, p.PlayerNumber, b.PhysicalPitch, b.BPM, b.Beat)
	case protocol.StatusLinkQuery:
		b := p.LinkQuery
		fmt.Printf("  link query model %q from %v for player %d %s\n",
			p.Model, b.SourceIP, b.RemotePlayerNumber, b.Slot)
	case protocol.StatusLinkReply:
		b := p.LinkReply
		fmt.Printf("  link reply model %q player %d %s name %q tracks %d playlists %d\n",
			p.Model, b.SourcePlayerNumber, b.Slot, b.Name, b.TrackCount, b.PlaylistCount)
	case protocol.StatusLoadCmd:
		b := p.LoadCmd
		fmt.Printf("  load cmd model %q load track %d from player %d %s\n",
			p.Model, b.LoadTrackID, b.LoadPlayerNumber, b.LoadSlot)
	case protocol.StatusLoadCmdReply:
		fmt.Printf("  load cmd reply model %q player %d\n", p.Model, p.PlayerNumber)
	default:
		fmt.Printf("  status kind %#x model %q player %d\n", uint8(p.Kind), p.Model, p.PlayerNumber)
	}
}
