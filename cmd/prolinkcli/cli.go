// prolinkcli is an interactive browser for ProDJ Link networks: it joins
// the network as a virtual player, then lets the user query track
// metadata and menus, download files over NFS, command players and read
// the played-track history, either one command at a time or in a shell.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/data"
	"github.com/prodjlink/prolink/internal/dbserver"
	"github.com/prodjlink/prolink/internal/prolink"
)

// How long a single browse command may take. The data layer retries on
// its own; this only caps the total wait.
const requestTimeout = 30 * time.Second

var usage = `
	prolinkcli interacts with Pioneer players on a ProDJ Link network. It
	announces itself as a virtual player, which makes real players answer
	database queries and NFS downloads.

	Issue one command directly:

		prolinkcli [flags] metadata -p 2 -s usb -t 42

	or start an interactive shell:

		prolinkcli [flags] shell

	Most commands address a player (-p) and a slot (-s usb|sd). Players
	take a few seconds to appear after startup; the players command shows
	what has been found so far.
	`

type prolinkCli struct {
	// the session joining the link network, created on first use.
	session *prolink.Session
	// the command line framework we'll use to launch commands.
	app *cli.App
	// True if we are running a shell.
	inShell bool
}

func newProlinkCli() *prolinkCli {
	b := &prolinkCli{}
	app := cli.NewApp()
	app.Name = "prolinkcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "player-number, n",
			Usage: "player number announced by the virtual player",
			Value: 5,
		},
		cli.BoolFlag{
			Name:  "passive",
			Usage: "do not announce ourselves (most queries will fail)",
		},
		cli.StringFlag{
			Name:  "cache-dir",
			Usage: "directory for downloaded rekordbox exports",
		},
		cli.StringFlag{
			Name:  "history",
			Usage: "path of the played-track log database",
		},
	}

	playerflag := cli.IntFlag{
		Name:  "player, p",
		Usage: "player number to query",
		Value: 2,
	}
	slotflag := cli.StringFlag{
		Name:  "slot, s",
		Usage: "media slot: usb or sd",
		Value: "usb",
	}
	trackflag := cli.IntFlag{
		Name:  "track, t",
		Usage: "track id",
	}
	sortflag := cli.StringFlag{
		Name:  "sort",
		Usage: "sort mode: default, title, artist, album, bpm, rating, genre, label, original_artist, remixer, play_count, key",
		Value: "default",
	}
	fileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "output file",
	}

	app.Commands = []cli.Command{
		{
			Name:    "players",
			Aliases: []string{"p"},
			Usage:   "Lists the players seen on the network.",
			Action:  b.cmdPlayers,
		},
		{
			Name:   "media",
			Usage:  "Shows the mounted media of every player.",
			Action: b.cmdMedia,
		},
		{
			Name:    "metadata",
			Aliases: []string{"md"},
			Usage:   "Shows the metadata of one track.",
			Flags:   []cli.Flag{playerflag, slotflag, trackflag},
			Action:  b.cmdMetadata,
		},
		{
			Name:   "root",
			Usage:  "Shows the media browse root menu.",
			Flags:  []cli.Flag{playerflag, slotflag},
			Action: b.cmdRootMenu,
		},
		{
			Name:  "titles",
			Usage: "Lists tracks, optionally filtered by album, artist and genre.",
			Flags: []cli.Flag{
				playerflag, slotflag, sortflag,
				cli.IntFlag{Name: "album", Usage: "filter by album id"},
				cli.IntFlag{Name: "artist", Usage: "filter by artist id (requires --album)"},
				cli.IntFlag{Name: "genre", Usage: "filter by genre id (requires --artist and --album)"},
			},
			Action: b.cmdTitles,
		},
		{
			Name:  "artists",
			Usage: "Lists artists, optionally within a genre.",
			Flags: []cli.Flag{
				playerflag, slotflag,
				cli.IntFlag{Name: "genre", Usage: "filter by genre id"},
			},
			Action: b.cmdArtists,
		},
		{
			Name:  "albums",
			Usage: "Lists albums, optionally by artist within a genre.",
			Flags: []cli.Flag{
				playerflag, slotflag,
				cli.IntFlag{Name: "artist", Usage: "filter by artist id"},
				cli.IntFlag{Name: "genre", Usage: "filter by genre id (requires --artist)"},
			},
			Action: b.cmdAlbums,
		},
		{
			Name:   "genres",
			Usage:  "Lists genres.",
			Flags:  []cli.Flag{playerflag, slotflag},
			Action: b.cmdGenres,
		},
		{
			Name:  "playlists",
			Usage: "Lists a playlist folder.",
			Flags: []cli.Flag{
				playerflag, slotflag,
				cli.IntFlag{Name: "folder", Usage: "folder id, 0 is the root"},
			},
			Action: b.cmdPlaylists,
		},
		{
			Name:  "playlist",
			Usage: "Lists the tracks of a playlist.",
			Flags: []cli.Flag{
				playerflag, slotflag, sortflag,
				cli.IntFlag{Name: "playlist", Usage: "playlist id"},
			},
			Action: b.cmdPlaylist,
		},
		{
			Name:  "artwork",
			Usage: "Downloads the artwork of a track to a file.",
			Flags: []cli.Flag{
				playerflag, slotflag, fileflag,
				cli.IntFlag{Name: "artwork", Usage: "artwork id (from metadata)"},
			},
			Action: b.cmdArtwork,
		},
		{
			Name:   "beatgrid",
			Usage:  "Shows the beatgrid of a track.",
			Flags:  []cli.Flag{playerflag, slotflag, trackflag},
			Action: b.cmdBeatgrid,
		},
		{
			Name:    "download",
			Aliases: []string{"dl"},
			Usage:   "Downloads a file from a player's media over NFS.",
			Flags: []cli.Flag{
				playerflag, slotflag, fileflag,
				cli.StringFlag{Name: "path", Usage: "source path on the media"},
			},
			Action: b.cmdDownload,
		},
		{
			Name:  "load",
			Usage: "Commands a player to load a track.",
			Flags: []cli.Flag{
				playerflag, slotflag, trackflag,
				cli.IntFlag{Name: "from", Usage: "player whose media holds the track (default: --player)"},
			},
			Action: b.cmdLoad,
		},
		{
			Name:  "fader",
			Usage: "Starts or stops a player as a fader would.",
			Flags: []cli.Flag{
				playerflag,
				cli.BoolFlag{Name: "stop", Usage: "stop instead of start"},
			},
			Action: b.cmdFader,
		},
		{
			Name:    "history",
			Aliases: []string{"h"},
			Usage:   "Lists the played-track log (requires --history).",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "limit, l", Usage: "number of records (0 means all)", Value: 25},
			},
			Action: b.cmdHistory,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
	}
	b.app = app

	// By default 'HelpName' will be the parent command name('prolinkcli'
	// in our case) + command name. Overwrite 'HelpName' to be command
	// name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *prolinkCli) run(args []string) error {
	return b.app.Run(args)
}

// stop detaches from the network.
func (b *prolinkCli) stop() {
	if b.session != nil {
		b.session.Stop()
		b.session = nil
	}
}

// getSession joins the network on first use and reuses the session
// afterwards, so a shell keeps one attachment across commands.
func (b *prolinkCli) getSession(c *cli.Context) *prolink.Session {
	if b.session != nil {
		return b.session
	}
	s, err := prolink.New(prolink.Config{
		PlayerNumber: uint8(c.GlobalInt("player-number")),
		Announce:     !c.GlobalBool("passive"),
		CacheDir:     c.GlobalString("cache-dir"),
		HistoryPath:  c.GlobalString("history"),
	})
	if err != nil {
		log.Errorf("Failed to create session: %s", err)
		os.Exit(1)
	}
	if err := s.Start(); err != nil {
		log.Errorf("Failed to join the network: %s", err)
		os.Exit(1)
	}
	b.session = s
	return s
}

func parseSlot(c *cli.Context) (core.PlayerSlot, bool) {
	switch c.String("slot") {
	case "usb":
		return core.SlotUSB, true
	case "sd":
		return core.SlotSD, true
	}
	log.Errorf("Unknown slot %q, use usb or sd", c.String("slot"))
	return core.SlotEmpty, false
}

func await(ch <-chan data.Reply) data.Reply {
	select {
	case r := <-ch:
		return r
	case <-time.After(requestTimeout):
		return data.Reply{Err: core.ErrTimeout}
	}
}

func printMenu(entries []dbserver.MenuEntry) {
	for _, e := range entries {
		line := fmt.Sprintf("  %s: %q", e.Label, e.Name)
		if e.ID != 0 {
			line += fmt.Sprintf(" id %d", e.ID)
		}
		if e.BPM != 0 {
			line += fmt.Sprintf(" %.2f", e.BPM)
		} else if e.Number != 0 {
			line += fmt.Sprintf(" %d", e.Number)
		}
		if e.Second != nil {
			line += fmt.Sprintf(" / %s: %q", e.Second.Label, e.Second.Name)
		}
		fmt.Println(line)
	}
}

func (b *prolinkCli) cmdPlayers(c *cli.Context) {
	s := b.getSession(c)
	players := s.Registry.Players()
	if len(players) == 0 {
		fmt.Println("no players seen yet")
		return
	}
	for _, p := range players {
		pos := ""
		if sec, ok := p.Position(); ok {
			pos = fmt.Sprintf(" pos %.1fs", sec)
		}
		fmt.Printf("player %d: %s (%v) %s %.2f BPM pitch %+.2f%% beat %d%s\n",
			p.PlayerNumber, p.Model, p.IPAddr, p.PlayState,
			p.BPM, (p.Pitch-1)*100, p.Beat, pos)
	}
}

func (b *prolinkCli) cmdMedia(c *cli.Context) {
	s := b.getSession(c)
	for _, p := range s.Registry.Players() {
		if p.USBInfo != nil {
			fmt.Printf("player %d usb: %q, %d tracks, %d playlists\n",
				p.PlayerNumber, p.USBInfo.Name, p.USBInfo.TrackCount, p.USBInfo.PlaylistCount)
		}
		if p.SDInfo != nil {
			fmt.Printf("player %d sd: %q, %d tracks, %d playlists\n",
				p.PlayerNumber, p.SDInfo.Name, p.SDInfo.TrackCount, p.SDInfo.PlaylistCount)
		}
	}
}

func (b *prolinkCli) cmdMetadata(c *cli.Context) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	reply := await(s.Data.Metadata(uint8(c.Int("player")), slot, uint32(c.Int("track"))))
	if reply.Err != nil {
		log.Errorf("metadata query failed: %s", reply.Err)
		return
	}
	md := reply.Metadata
	fmt.Printf("%s - %s (%s)\n", md.Artist, md.Title, md.Album)
	fmt.Printf("  genre %q key %q label %q rating %d\n", md.Genre, md.Key, md.Label, md.Rating)
	fmt.Printf("  %d:%02d %.2f BPM %d kbit/s artwork %d comment %q\n",
		md.Duration/60, md.Duration%60, md.BPM, md.Bitrate, md.ArtworkID, md.Comment)
}

func (b *prolinkCli) cmdRootMenu(c *cli.Context) {
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.RootMenu(player, slot)
	})
}

func (b *prolinkCli) cmdTitles(c *cli.Context) {
	var ids []uint32
	if c.Int("genre") != 0 {
		ids = []uint32{uint32(c.Int("genre")), uint32(c.Int("artist")), uint32(c.Int("album"))}
	} else if c.Int("artist") != 0 {
		ids = []uint32{uint32(c.Int("artist")), uint32(c.Int("album"))}
	} else if c.Int("album") != 0 {
		ids = []uint32{uint32(c.Int("album"))}
	}
	sort := dbserver.SortMode(c.String("sort"))
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.Titles(player, slot, sort, ids...)
	})
}

func (b *prolinkCli) cmdArtists(c *cli.Context) {
	var ids []uint32
	if c.Int("genre") != 0 {
		ids = []uint32{uint32(c.Int("genre"))}
	}
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.Artists(player, slot, ids...)
	})
}

func (b *prolinkCli) cmdAlbums(c *cli.Context) {
	var ids []uint32
	if c.Int("genre") != 0 {
		ids = []uint32{uint32(c.Int("genre")), uint32(c.Int("artist"))}
	} else if c.Int("artist") != 0 {
		ids = []uint32{uint32(c.Int("artist"))}
	}
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.Albums(player, slot, ids...)
	})
}

func (b *prolinkCli) cmdGenres(c *cli.Context) {
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.Genres(player, slot)
	})
}

func (b *prolinkCli) cmdPlaylists(c *cli.Context) {
	folder := uint32(c.Int("folder"))
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.PlaylistFolder(player, slot, folder)
	})
}

func (b *prolinkCli) cmdPlaylist(c *cli.Context) {
	playlist := uint32(c.Int("playlist"))
	sort := dbserver.SortMode(c.String("sort"))
	b.menuQuery(c, func(s *prolink.Session, player uint8, slot core.PlayerSlot) <-chan data.Reply {
		return s.Data.Playlist(player, slot, sort, playlist)
	})
}

func (b *prolinkCli) menuQuery(c *cli.Context, q func(*prolink.Session, uint8, core.PlayerSlot) <-chan data.Reply) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	reply := await(q(s, uint8(c.Int("player")), slot))
	if reply.Err != nil {
		log.Errorf("query failed: %s", reply.Err)
		return
	}
	printMenu(reply.Menu)
}

func (b *prolinkCli) cmdArtwork(c *cli.Context) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	file := c.String("file")
	if file == "" {
		log.Errorf("missing --file")
		return
	}
	reply := await(s.Data.Artwork(uint8(c.Int("player")), slot, uint32(c.Int("artwork"))))
	if reply.Err != nil {
		log.Errorf("artwork query failed: %s", reply.Err)
		return
	}
	if err := os.WriteFile(file, reply.Blob, 0644); err != nil {
		log.Errorf("writing %q: %s", file, err)
		return
	}
	fmt.Printf("wrote %d bytes to %s\n", len(reply.Blob), file)
}

func (b *prolinkCli) cmdBeatgrid(c *cli.Context) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	reply := await(s.Data.Beatgrid(uint8(c.Int("player")), slot, uint32(c.Int("track"))))
	if reply.Err != nil {
		log.Errorf("beatgrid query failed: %s", reply.Err)
		return
	}
	grid := reply.Beatgrid
	fmt.Printf("%d beats\n", len(grid))
	for i, beat := range grid {
		if i == 8 {
			fmt.Println("  ...")
			break
		}
		fmt.Printf("  beat %d/%d at %dms, %.2f BPM\n",
			i+1, beat.Number, beat.Time, float64(beat.BPM100)/100)
	}
}

func (b *prolinkCli) cmdDownload(c *cli.Context) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	src := c.String("path")
	if src == "" {
		log.Errorf("missing --path")
		return
	}
	dst := c.String("file")
	if dst == "" {
		dst = src[strings.LastIndex(src, "/")+1:]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := s.Download(ctx, uint8(c.Int("player")), slot, src, dst); err != nil {
		log.Errorf("download failed: %s", err)
		return
	}
	fmt.Printf("downloaded %s\n", dst)
}

func (b *prolinkCli) cmdLoad(c *cli.Context) {
	s := b.getSession(c)
	slot, ok := parseSlot(c)
	if !ok {
		return
	}
	player := uint8(c.Int("player"))
	from := uint8(c.Int("from"))
	if from == 0 {
		from = player
	}
	if err := s.VCDJ.LoadTrack(player, from, slot, uint32(c.Int("track"))); err != nil {
		log.Errorf("load command failed: %s", err)
	}
}

func (b *prolinkCli) cmdFader(c *cli.Context) {
	s := b.getSession(c)
	if err := s.VCDJ.FaderStartSingle(uint8(c.Int("player")), !c.Bool("stop")); err != nil {
		log.Errorf("fader command failed: %s", err)
	}
}

func (b *prolinkCli) cmdHistory(c *cli.Context) {
	s := b.getSession(c)
	if s.History == nil {
		log.Errorf("history logging is disabled, start with --history <path>")
		return
	}
	records, err := s.History.List(c.Int("limit"))
	if err != nil {
		log.Errorf("reading history: %s", err)
		return
	}
	for _, rec := range records {
		fmt.Printf("%s  player %d: %s - %s (%s)\n",
			rec.PlayedAt.Format("2006-01-02 15:04:05"), rec.Player, rec.Artist, rec.Title, rec.Album)
	}
}

// cmdShell implements "shell" subcommand.
func (b *prolinkCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Join now so players have been discovered by the first query.
	b.getSession(c)

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Add commands auto completion.
	liner.SetCompleter(func(line string) (cands []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				cands = append(cands, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(prolink) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// shlex splits the line into tokens using shell-style quoting
		// rules.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if args[0] == "shell" {
			continue
		}

		if b.app.Run(append([]string{b.app.Name}, args...)) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}
