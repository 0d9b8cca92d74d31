package data

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prodjlink/prolink/internal/anlz"
	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/dbserver"
	"github.com/prodjlink/prolink/internal/metric"
	"github.com/prodjlink/prolink/internal/protocol"
	"github.com/prodjlink/prolink/internal/registry"
)

const (
	// requestRetries is how often a failed request is retried before
	// giving up.
	requestRetries = 3

	// retryDelay paces retries; players tend to answer again after a
	// short breather.
	retryDelay = time.Second

	requestQueueSize = 32
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prolink_data_requests_total",
		Help: "Data requests by kind and answering source.",
	}, []string{"kind", "source"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prolink_data_failures_total",
		Help: "Data requests that failed after all retries.",
	}, []string{"kind"})
	metricOps = metric.NewOpMetric("prolink_data_ops", "kind")
)

type requestKind int

const (
	reqMetadata requestKind = iota
	reqRootMenu
	reqTitles
	reqArtists
	reqAlbums
	reqGenres
	reqPlaylistFolder
	reqPlaylist
	reqArtwork
	reqWaveform
	reqPreviewWaveform
	reqColorWaveform
	reqColorPreviewWaveform
	reqBeatgrid
	reqMountInfo
	reqTrackInfo
)

var requestNames = map[requestKind]string{
	reqMetadata:             "metadata",
	reqRootMenu:             "root_menu",
	reqTitles:               "titles",
	reqArtists:              "artists",
	reqAlbums:               "albums",
	reqGenres:               "genres",
	reqPlaylistFolder:       "playlist_folder",
	reqPlaylist:             "playlist",
	reqArtwork:              "artwork",
	reqWaveform:             "waveform",
	reqPreviewWaveform:      "preview_waveform",
	reqColorWaveform:        "color_waveform",
	reqColorPreviewWaveform: "color_preview_waveform",
	reqBeatgrid:             "beatgrid",
	reqMountInfo:            "mount_info",
	reqTrackInfo:            "track_info",
}

func (k requestKind) String() string {
	return requestNames[k]
}

// Reply is the completed result of one data request. Exactly one of the
// payload fields is set depending on the request kind.
type Reply struct {
	Metadata *core.TrackMetadata
	Menu     []dbserver.MenuEntry
	Blob     []byte
	Color    *anlz.ColorWaveform
	Beatgrid core.Beatgrid
	Err      error
}

type request struct {
	kind    requestKind
	player  uint8
	slot    core.PlayerSlot
	id      uint32 // track, artwork, playlist or folder id
	ids     []uint32
	sort    dbserver.SortMode
	store   *Store
	out     chan Reply
	retries int
}

// Provider answers data requests from a chain of sources: an in-memory
// cache, parsed rekordbox exports, and finally the remote database
// server. One worker goroutine serializes all requests.
type Provider struct {
	registry *registry.Registry
	pdb      *PDBProvider
	dbc      *dbserver.Client

	// PDBEnabled and DBCEnabled select which backends may answer.
	// Configure before Start.
	PDBEnabled bool
	DBCEnabled bool

	metadata        *Store
	artwork         *Store
	waveform        *Store
	previewWaveform *Store
	colorWaveform   *Store
	colorPreview    *Store
	beatgrid        *Store

	reqs   chan *request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProvider(reg *registry.Registry, pdbProvider *PDBProvider, dbc *dbserver.Client) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		registry:        reg,
		pdb:             pdbProvider,
		dbc:             dbc,
		PDBEnabled:      pdbProvider != nil,
		DBCEnabled:      dbc != nil,
		metadata:        NewStore(defaultStoreSize),
		artwork:         NewStore(defaultStoreSize),
		waveform:        NewStore(defaultStoreSize),
		previewWaveform: NewStore(defaultStoreSize),
		colorWaveform:   NewStore(defaultStoreSize),
		colorPreview:    NewStore(defaultStoreSize),
		beatgrid:        NewStore(defaultStoreSize),
		reqs:            make(chan *request, requestQueueSize),
		ctx:             ctx,
		cancel:          cancel,
	}
}

func (p *Provider) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Provider) Stop() {
	p.cancel()
	p.wg.Wait()
}

// RemoveByPlayerSlot drops everything cached from a medium after a
// media change event.
func (p *Provider) RemoveByPlayerSlot(player uint8, slot core.PlayerSlot) {
	for _, s := range []*Store{
		p.metadata, p.artwork, p.waveform, p.previewWaveform,
		p.colorWaveform, p.colorPreview, p.beatgrid,
	} {
		s.RemoveByPlayerSlot(player, slot)
	}
	if p.pdb != nil {
		p.pdb.RemoveByPlayerSlot(player, slot)
	}
}

func (p *Provider) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.dbc != nil {
				p.dbc.GC()
			}
		case req := <-p.reqs:
			p.handle(req)
		}
	}
}

func (p *Provider) enqueue(req *request) <-chan Reply {
	req.out = make(chan Reply, 1)
	req.retries = requestRetries
	if req.player == 0 || req.player > 4 {
		log.Warningf("data: invalid %s request for player %d", req.kind, req.player)
		req.out <- Reply{Err: core.ErrInvalidRequest}
		return req.out
	}
	select {
	case p.reqs <- req:
	case <-p.ctx.Done():
		req.out <- Reply{Err: core.ErrCanceled}
	}
	return req.out
}

func (p *Provider) handle(req *request) {
	op := metricOps.Start(req.kind.String())
	key := Key{Player: req.player, Slot: req.slot, ID: req.id}
	if req.store != nil {
		if v, ok := req.store.Get(key); ok {
			metricRequests.WithLabelValues(req.kind.String(), "store").Inc()
			op.End()
			req.out <- v.(Reply)
			return
		}
	}

	var reply Reply
	source := ""
	if p.PDBEnabled {
		reply = p.fromPDB(req)
		if reply.Err == nil {
			source = "pdb"
		} else {
			log.Warningf("data: pdb cannot answer %s for player %d: %s", req.kind, req.player, reply.Err)
		}
	}
	if source == "" && p.DBCEnabled {
		reply = p.fromDBServer(req)
		if reply.Err == nil {
			source = "dbserver"
		}
	}
	if source == "" && reply.Err == nil {
		reply.Err = core.ErrUnavailable
	}

	if reply.Err != nil {
		op.EndWithError(reply.Err)
		p.retry(req, reply.Err)
		return
	}

	metricRequests.WithLabelValues(req.kind.String(), source).Inc()
	op.End()
	if req.kind == reqMetadata && reply.Metadata != nil {
		p.registry.StoreTrackMetadata(req.player, req.slot, req.id, reply.Metadata)
	}
	if req.store != nil {
		req.store.Put(key, reply)
	}
	req.out <- reply
}

// retry requeues a retriably failed request after a pause. Color
// waveform requests degrade to their monochrome variant, older players
// do not serve color data.
func (p *Provider) retry(req *request, err error) {
	if !core.IsRetriableError(err) || req.retries <= 0 {
		log.Errorf("data: %s request for player %d failed: %s", req.kind, req.player, err)
		metricFailures.WithLabelValues(req.kind.String()).Inc()
		req.out <- Reply{Err: err}
		return
	}
	req.retries--
	switch req.kind {
	case reqColorWaveform:
		log.Infof("data: color waveform failed, degrading to waveform")
		req.kind = reqWaveform
	case reqColorPreviewWaveform:
		log.Infof("data: color preview waveform failed, degrading to preview waveform")
		req.kind = reqPreviewWaveform
	default:
		log.Infof("data: retrying %s request (%d left)", req.kind, req.retries)
	}
	select {
	case <-time.After(retryDelay):
	case <-p.ctx.Done():
		req.out <- Reply{Err: core.ErrCanceled}
		return
	}
	select {
	case p.reqs <- req:
	default:
		// Queue full; answer the failure rather than blocking the
		// worker on its own queue.
		req.out <- Reply{Err: err}
	}
}

func (p *Provider) fromPDB(req *request) Reply {
	ctx := p.ctx
	switch req.kind {
	case reqMetadata:
		md, err := p.pdb.Metadata(ctx, req.player, req.slot, req.id)
		return Reply{Metadata: md, Err: err}
	case reqMountInfo:
		md, err := p.pdb.MountInfo(ctx, req.player, req.slot, req.id)
		return Reply{Metadata: md, Err: err}
	case reqTrackInfo:
		// Track info needs the live session state only the database
		// server has.
		return Reply{Err: core.ErrInvalidRequest}
	case reqRootMenu:
		return Reply{Menu: p.pdb.RootMenu()}
	case reqTitles:
		m, err := p.pdb.Titles(ctx, req.player, req.slot, req.sort, req.ids)
		return Reply{Menu: m, Err: err}
	case reqArtists:
		m, err := p.pdb.Artists(ctx, req.player, req.slot, req.ids)
		return Reply{Menu: m, Err: err}
	case reqAlbums:
		m, err := p.pdb.Albums(ctx, req.player, req.slot, req.ids)
		return Reply{Menu: m, Err: err}
	case reqGenres:
		m, err := p.pdb.Genres(ctx, req.player, req.slot)
		return Reply{Menu: m, Err: err}
	case reqPlaylistFolder:
		m, err := p.pdb.PlaylistFolder(ctx, req.player, req.slot, req.id)
		return Reply{Menu: m, Err: err}
	case reqPlaylist:
		m, err := p.pdb.Playlist(ctx, req.player, req.slot, req.sort, req.id)
		return Reply{Menu: m, Err: err}
	case reqArtwork:
		b, err := p.pdb.Artwork(ctx, req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqWaveform:
		b, err := p.pdb.Waveform(ctx, req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqPreviewWaveform:
		b, err := p.pdb.PreviewWaveform(ctx, req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqColorWaveform:
		c, err := p.pdb.ColorWaveform(ctx, req.player, req.slot, req.id)
		return Reply{Color: c, Err: err}
	case reqColorPreviewWaveform:
		c, err := p.pdb.ColorPreviewWaveform(ctx, req.player, req.slot, req.id)
		return Reply{Color: c, Err: err}
	case reqBeatgrid:
		g, err := p.pdb.Beatgrid(ctx, req.player, req.slot, req.id)
		return Reply{Beatgrid: g, Err: err}
	}
	return Reply{Err: core.ErrInvalidRequest}
}

func (p *Provider) fromDBServer(req *request) Reply {
	switch req.kind {
	case reqMetadata:
		md, err := p.dbc.Metadata(req.player, req.slot, req.id)
		return Reply{Metadata: md, Err: err}
	case reqMountInfo:
		md, err := p.dbc.MountInfo(req.player, req.slot, req.id)
		return Reply{Metadata: md, Err: err}
	case reqTrackInfo:
		md, err := p.dbc.TrackInfo(req.player, req.slot, req.id)
		return Reply{Metadata: md, Err: err}
	case reqRootMenu:
		m, err := p.dbc.RootMenu(req.player, req.slot)
		return Reply{Menu: m, Err: err}
	case reqTitles:
		m, err := p.dbc.List(req.player, req.slot, titleRequestKind(len(req.ids)), req.sort, req.ids)
		return Reply{Menu: m, Err: err}
	case reqArtists:
		kind := protocol.MsgArtistRequest
		if len(req.ids) == 1 {
			kind = protocol.MsgArtistByGenreRequest
		}
		m, err := p.dbc.List(req.player, req.slot, kind, "default", req.ids)
		return Reply{Menu: m, Err: err}
	case reqAlbums:
		kind := protocol.MsgAlbumRequest
		switch len(req.ids) {
		case 1:
			kind = protocol.MsgAlbumByArtistRequest
		case 2:
			kind = protocol.MsgAlbumByGenreArtistRequest
		}
		m, err := p.dbc.List(req.player, req.slot, kind, "default", req.ids)
		return Reply{Menu: m, Err: err}
	case reqGenres:
		m, err := p.dbc.List(req.player, req.slot, protocol.MsgGenreRequest, "default", nil)
		return Reply{Menu: m, Err: err}
	case reqPlaylistFolder:
		m, err := p.dbc.PlaylistFolder(req.player, req.slot, req.id)
		return Reply{Menu: m, Err: err}
	case reqPlaylist:
		m, err := p.dbc.Playlist(req.player, req.slot, req.sort, req.id)
		return Reply{Menu: m, Err: err}
	case reqArtwork:
		b, err := p.dbc.Artwork(req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqWaveform:
		b, err := p.dbc.Waveform(req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqPreviewWaveform:
		b, err := p.dbc.PreviewWaveform(req.player, req.slot, req.id)
		return Reply{Blob: b, Err: err}
	case reqColorWaveform:
		c, err := p.dbc.ColorWaveform(req.player, req.slot, req.id)
		return Reply{Color: c, Err: err}
	case reqColorPreviewWaveform:
		c, err := p.dbc.ColorPreviewWaveform(req.player, req.slot, req.id)
		return Reply{Color: c, Err: err}
	case reqBeatgrid:
		g, err := p.dbc.Beatgrid(req.player, req.slot, req.id)
		return Reply{Beatgrid: g, Err: err}
	}
	return Reply{Err: core.ErrInvalidRequest}
}

func titleRequestKind(filters int) protocol.MessageKind {
	switch filters {
	case 1:
		return protocol.MsgTitleByAlbumRequest
	case 2:
		return protocol.MsgTitleByArtistAlbumRequest
	case 3:
		return protocol.MsgTitleByGenreArtistAlbumRequest
	}
	return protocol.MsgTitleRequest
}

// Metadata resolves the loaded track's metadata. The result is also
// written through to the registry's player snapshots.
func (p *Provider) Metadata(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqMetadata, player: player, slot: slot, id: trackID, store: p.metadata})
}

func (p *Provider) MountInfo(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqMountInfo, player: player, slot: slot, id: trackID})
}

func (p *Provider) TrackInfo(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqTrackInfo, player: player, slot: slot, id: trackID})
}

func (p *Provider) RootMenu(player uint8, slot core.PlayerSlot) <-chan Reply {
	return p.enqueue(&request{kind: reqRootMenu, player: player, slot: slot})
}

// Titles lists tracks. ids optionally narrows by album, artist+album or
// genre+artist+album, zero ids matching anything.
func (p *Provider) Titles(player uint8, slot core.PlayerSlot, sort dbserver.SortMode, ids ...uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqTitles, player: player, slot: slot, sort: sort, ids: ids})
}

func (p *Provider) Artists(player uint8, slot core.PlayerSlot, ids ...uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqArtists, player: player, slot: slot, ids: ids})
}

func (p *Provider) Albums(player uint8, slot core.PlayerSlot, ids ...uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqAlbums, player: player, slot: slot, ids: ids})
}

func (p *Provider) Genres(player uint8, slot core.PlayerSlot) <-chan Reply {
	return p.enqueue(&request{kind: reqGenres, player: player, slot: slot})
}

func (p *Provider) PlaylistFolder(player uint8, slot core.PlayerSlot, folderID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqPlaylistFolder, player: player, slot: slot, id: folderID})
}

func (p *Provider) Playlist(player uint8, slot core.PlayerSlot, sort dbserver.SortMode, playlistID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqPlaylist, player: player, slot: slot, sort: sort, id: playlistID})
}

func (p *Provider) Artwork(player uint8, slot core.PlayerSlot, artworkID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqArtwork, player: player, slot: slot, id: artworkID, store: p.artwork})
}

func (p *Provider) Waveform(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqWaveform, player: player, slot: slot, id: trackID, store: p.waveform})
}

func (p *Provider) PreviewWaveform(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqPreviewWaveform, player: player, slot: slot, id: trackID, store: p.previewWaveform})
}

func (p *Provider) ColorWaveform(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqColorWaveform, player: player, slot: slot, id: trackID, store: p.colorWaveform})
}

func (p *Provider) ColorPreviewWaveform(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqColorPreviewWaveform, player: player, slot: slot, id: trackID, store: p.colorPreview})
}

func (p *Provider) Beatgrid(player uint8, slot core.PlayerSlot, trackID uint32) <-chan Reply {
	return p.enqueue(&request{kind: reqBeatgrid, player: player, slot: slot, id: trackID, store: p.beatgrid})
}

// BeatgridLookup adapts the provider's caches into the registry's
// synchronous lookup. Only already-cached grids are returned, the
// registry must not block on downloads.
func (p *Provider) BeatgridLookup() registry.BeatgridLookup {
	return func(player uint8, slot core.PlayerSlot, trackID uint32) (core.Beatgrid, bool) {
		v, ok := p.beatgrid.Get(Key{Player: player, Slot: slot, ID: trackID})
		if !ok {
			return nil, false
		}
		r := v.(Reply)
		return r.Beatgrid, r.Err == nil
	}
}
