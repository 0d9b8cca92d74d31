package nfs

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/metric"
)

const (
	// chunkSize is the read size per NFS request. Replies must fit in a
	// single UDP datagram, so this stays well under the usual MTU.
	chunkSize = 1350

	// maxInFlight caps how many read requests ride the network at once.
	maxInFlight = 5

	// readRetries is the per-chunk retry budget before the whole
	// download is failed.
	readRetries = 3

	// progressStep is the fraction of the file between progress log
	// lines.
	progressStep = 0.03
)

var (
	metricDownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prolink_nfs_download_bytes_total",
		Help: "Bytes downloaded from players over NFS.",
	})
	metricDownloads = metric.NewOpMetric("prolink_nfs_downloads")
)

// DownloadToBuffer fetches srcPath from the given slot of the player at
// ip and returns its contents.
func (c *Client) DownloadToBuffer(ctx context.Context, ip net.IP, slot core.PlayerSlot, srcPath string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.download(ctx, ip, slot, srcPath, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadToFile fetches srcPath into dstPath, creating parent
// directories as needed. An existing destination file is an error, the
// caller decides whether stale copies may be replaced.
func (c *Client) DownloadToFile(ctx context.Context, ip net.IP, slot core.PlayerSlot, srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		log.Errorf("nfs: cannot create directory for %s: %s", dstPath, err)
		return core.ErrDownloadFailed
	}
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return core.ErrAlreadyExists
		}
		log.Errorf("nfs: cannot create %s: %s", dstPath, err)
		return core.ErrDownloadFailed
	}
	if err := c.download(ctx, ip, slot, srcPath, f); err != nil {
		f.Close()
		os.Remove(dstPath)
		return err
	}
	if err := f.Close(); err != nil {
		log.Errorf("nfs: close %s: %s", dstPath, err)
		os.Remove(dstPath)
		return core.ErrDownloadFailed
	}
	return nil
}

// download resolves the file and streams it through the read pipeline
// into w.
func (c *Client) download(ctx context.Context, ip net.IP, slot core.PlayerSlot, srcPath string, w io.Writer) (err error) {
	op := metricDownloads.Start()
	defer func() { op.EndWithError(err) }()

	export, ok := ExportForSlot(slot)
	if !ok {
		log.Errorf("nfs: slot %s has no export", slot)
		return core.ErrUnavailable
	}

	mountPort, err := c.PortmapGetPort(ctx, ip, ProgMount, MountVersion)
	if err != nil {
		return err
	}
	nfsPort, err := c.PortmapGetPort(ctx, ip, ProgNFS, NFSVersion)
	if err != nil {
		return err
	}
	root, err := c.MountMnt(ctx, ip, mountPort, export)
	if err != nil {
		return err
	}
	fhandle, attrs, err := c.LookupPath(ctx, ip, nfsPort, root, srcPath)
	if err != nil {
		return err
	}

	log.Infof("nfs: downloading %s from %s (%d bytes)", srcPath, ip, attrs.Size)
	return c.readPipeline(ctx, ip, nfsPort, fhandle, attrs.Size, srcPath, w)
}

type chunk struct {
	offset uint32
	data   []byte
	err    error
}

// readPipeline keeps up to maxInFlight read requests outstanding,
// reassembles out-of-order replies and writes them to w strictly in
// offset order.
func (c *Client) readPipeline(ctx context.Context, ip net.IP, port int, fhandle []byte, size uint32, name string, w io.Writer) error {
	if size == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan chunk, maxInFlight)
	read := func(offset uint32) {
		count := uint32(chunkSize)
		if size-offset < count {
			count = size - offset
		}
		var data []byte
		var err error
		for attempt := 0; attempt < readRetries; attempt++ {
			data, err = c.Read(ctx, ip, port, fhandle, offset, count)
			if err == nil && uint32(len(data)) != count {
				// A short read would stall the pipeline, retry it.
				err = core.ErrTruncated
			}
			if err == nil || err == core.ErrCanceled {
				break
			}
			log.Warningf("nfs: read at %d of %s failed (attempt %d): %s",
				offset, name, attempt+1, err)
		}
		results <- chunk{offset: offset, data: data, err: err}
	}

	var (
		sendOffset  uint32 // next request to launch
		writeOffset uint32 // next byte owed to w
		inFlight    int
		blocks      = make(map[uint32][]byte)
	)
	started := time.Now()
	nextProgress := progressStep

	for writeOffset < size {
		for inFlight < maxInFlight && sendOffset < size {
			go read(sendOffset)
			inFlight++
			sendOffset += chunkSize
			if sendOffset > size {
				sendOffset = size
			}
		}

		ch := <-results
		inFlight--
		if ch.err != nil {
			cancel()
			for inFlight > 0 {
				<-results
				inFlight--
			}
			if ch.err == core.ErrCanceled {
				return ch.err
			}
			return core.ErrDownloadFailed
		}
		blocks[ch.offset] = ch.data

		for {
			data, ok := blocks[writeOffset]
			if !ok {
				break
			}
			delete(blocks, writeOffset)
			if _, err := w.Write(data); err != nil {
				cancel()
				for inFlight > 0 {
					<-results
					inFlight--
				}
				log.Errorf("nfs: write of %s failed: %s", name, err)
				return core.ErrDownloadFailed
			}
			writeOffset += uint32(len(data))
			metricDownloadBytes.Add(float64(len(data)))
		}

		if frac := float64(writeOffset) / float64(size); frac >= nextProgress {
			elapsed := time.Since(started).Seconds()
			speed := float64(writeOffset) / (1 << 20) / elapsed
			log.Infof("nfs: %s %3.0f%% (%.2f MiB/s)", name, frac*100, speed)
			for nextProgress <= frac {
				nextProgress += progressStep
			}
		}
	}

	if len(blocks) != 0 {
		log.Errorf("nfs: %d unflushed blocks after download of %s", len(blocks), name)
		return core.ErrDownloadFailed
	}
	return nil
}
