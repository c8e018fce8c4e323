// Package relay ties the media plumbing together: it accepts live stream
// publishes over HTTP, maintains one live buffer per stream name, and
// serves each buffer to any number of readers as progressive FLV or as
// raw container records.
package relay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valurhrafn/mistlib/internal/config"
	"github.com/valurhrafn/mistlib/internal/dtsc"
	"github.com/valurhrafn/mistlib/internal/flv"
	"github.com/valurhrafn/mistlib/internal/httpparse"
	"github.com/valurhrafn/mistlib/internal/logger"
	"github.com/valurhrafn/mistlib/internal/metrics"
	"github.com/valurhrafn/mistlib/internal/server"
	"github.com/valurhrafn/mistlib/internal/socket"
)

// pollWait is how long reader loops sleep when a ring has caught up.
const pollWait = 5 * time.Millisecond

// Relay owns the live streams and the listeners feeding and draining
// them.
type Relay struct {
	cfg *config.Config
	log logger.Logger

	mu      sync.RWMutex
	streams map[string]*dtsc.Stream
}

// New creates an empty relay.
func New(cfg *config.Config, log logger.Logger) *Relay {
	return &Relay{
		cfg:     cfg,
		log:     log.WithField("component", "relay"),
		streams: make(map[string]*dtsc.Stream),
	}
}

// Streams implements the ops API stats source.
func (r *Relay) Streams() []server.StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]server.StreamInfo, 0, len(r.streams))
	for name, s := range r.streams {
		info := server.StreamInfo{
			Name:     name,
			Buffered: s.BufferDepth(),
			Ended:    s.Ended(),
		}
		if m := s.Meta(); m != nil {
			info.Tracks = len(m.Tracks)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// stream returns the live buffer for a name, creating it on first use.
func (r *Relay) stream(name string) *dtsc.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[name]; ok {
		return s
	}
	s := dtsc.NewStream(name, r.cfg.Stream.BufferCount, r.cfg.Stream.BufferTime, r.log)
	r.streams[name] = s
	return s
}

// lookup returns an existing live buffer or nil.
func (r *Relay) lookup(name string) *dtsc.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[name]
}

// streamName extracts the stream name from a request path, stripping the
// leading slash and any container extension.
func streamName(path string) (string, string) {
	name := strings.TrimPrefix(path, "/")
	for _, ext := range []string{".flv", ".dtsc"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext), ext[1:]
		}
	}
	return name, ""
}

// RunIngest accepts publishers until the context is cancelled. A publish
// is an HTTP POST whose body is a raw container stream.
func (r *Relay) RunIngest(ctx context.Context) error {
	srv, err := socket.NewServer(r.cfg.Ingest.Port, r.cfg.Ingest.ListenAddr, false)
	if err != nil {
		return err
	}
	defer srv.Close()
	r.log.WithField("port", r.cfg.Ingest.Port).Info("ingest listening")

	var unixSrv *socket.Server
	if r.cfg.Ingest.UnixSocket != "" {
		unixSrv, err = socket.NewUnixServer(r.cfg.Ingest.UnixSocket, false)
		if err != nil {
			return err
		}
		defer unixSrv.Close()
	}

	for ctx.Err() == nil {
		conn := srv.Accept()
		if conn == nil && unixSrv != nil {
			conn = unixSrv.Accept()
		}
		if conn == nil {
			time.Sleep(pollWait)
			continue
		}
		go r.handlePublish(ctx, conn)
	}
	return ctx.Err()
}

// handlePublish reads one publish request and feeds its body into the
// named stream until the publisher disconnects.
func (r *Relay) handlePublish(ctx context.Context, conn *socket.Conn) {
	defer conn.Close()
	req := httpparse.NewParser()
	req.HeaderOnly = true
	for !req.Read(conn) {
		if !conn.Connected() || ctx.Err() != nil {
			return
		}
		if !conn.Spool() {
			time.Sleep(pollWait)
		}
	}
	name, _ := streamName(req.GetURL())
	if name == "" {
		resp := httpparse.NewParser()
		resp.SendResponse("404", "Not Found", conn)
		return
	}
	// body bytes that arrived with the headers belong to the stream
	conn.Received().Prepend(req.LeftOver())
	log := r.log.WithField("stream", name)
	log.WithField("remote", conn.RemoteHost()).Info("publish started")

	s := r.stream(name)
	for conn.Connected() && ctx.Err() == nil {
		progressed := conn.Spool()
		for s.ParsePacket(conn.Received()) {
			progressed = true
		}
		if !progressed {
			time.Sleep(pollWait)
		}
	}
	s.EndStream()
	log.Info("publish ended")
}

// RunServe accepts readers until the context is cancelled.
func (r *Relay) RunServe(ctx context.Context) error {
	srv, err := socket.NewServer(r.cfg.Server.Port, r.cfg.Server.ListenAddr, false)
	if err != nil {
		return err
	}
	defer srv.Close()
	r.log.WithField("port", r.cfg.Server.Port).Info("media server listening")

	for ctx.Err() == nil {
		conn := srv.Accept()
		if conn == nil {
			time.Sleep(pollWait)
			continue
		}
		go r.handleRead(ctx, conn)
	}
	return ctx.Err()
}

// handleRead parses one request and streams the requested container
// format until the reader disconnects or the stream ends.
func (r *Relay) handleRead(ctx context.Context, conn *socket.Conn) {
	defer conn.Close()
	req := httpparse.NewParser()
	for !req.Read(conn) {
		if !conn.Connected() || ctx.Err() != nil {
			return
		}
		if !conn.Spool() {
			time.Sleep(pollWait)
		}
	}
	name, format := streamName(req.GetURL())
	s := r.lookup(name)
	if s == nil {
		resp := httpparse.NewParser()
		resp.Protocol = req.Protocol
		resp.SendResponse("404", "Not Found", conn)
		return
	}
	switch format {
	case "flv":
		r.serveFLV(ctx, conn, req, s)
	case "dtsc", "":
		r.serveDTSC(ctx, conn, s)
	default:
		resp := httpparse.NewParser()
		resp.Protocol = req.Protocol
		resp.SendResponse("404", "Not Found", conn)
	}
}

// serveFLV re-serialises the live stream as progressive FLV: container
// header, metadata and init tags first, then every buffered packet the
// ring delivers.
func (r *Relay) serveFLV(ctx context.Context, conn *socket.Conn, req *httpparse.Parser, s *dtsc.Stream) {
	metrics.IncHTTPSession("flv")
	defer metrics.DecHTTPSession("flv")

	meta := s.Meta()
	if meta == nil {
		resp := httpparse.NewParser()
		resp.Protocol = req.Protocol
		resp.SendResponse("503", "Stream Not Ready", conn)
		return
	}

	resp := httpparse.NewParser()
	resp.SetHeader("Content-Type", "video/x-flv")
	resp.StartResponseOK(req, conn)
	resp.Chunkify(flv.Header[:], conn)

	tag := flv.NewTag()
	var video, audio *dtsc.Track
	for _, t := range meta.Tracks {
		switch t.Type {
		case "video":
			video = t
		case "audio":
			audio = t
		}
	}
	if tag.DTSCMetaInit(meta, video, audio) {
		resp.Chunkify(tag.Data(), conn)
	}
	if video != nil && len(video.Init) > 0 && tag.DTSCVideoInit(video) {
		resp.Chunkify(tag.Data(), conn)
	}
	if audio != nil && len(audio.Init) > 0 && tag.DTSCAudioInit(audio) {
		resp.Chunkify(tag.Data(), conn)
	}

	ring := s.GetRing()
	defer s.DropRing(ring)
	for conn.Connected() && ctx.Err() == nil {
		p := ring.Next()
		if p == nil {
			if ring.Starved {
				break
			}
			time.Sleep(pollWait)
			continue
		}
		track := meta.Track(p.TrackID)
		if tag.FromPacket(p, track) {
			resp.Chunkify(tag.Data(), conn)
		}
	}
	resp.Chunkify(nil, conn)
}

// serveDTSC relays the stream in its native container format.
func (r *Relay) serveDTSC(ctx context.Context, conn *socket.Conn, s *dtsc.Stream) {
	metrics.IncHTTPSession("dtsc")
	defer metrics.DecHTTPSession("dtsc")

	if header := s.OutHeader(); header != nil {
		conn.SendNow(header)
	}
	ring := s.GetRing()
	defer s.DropRing(ring)
	for conn.Connected() && ctx.Err() == nil {
		p := ring.Next()
		if p == nil {
			if ring.Starved {
				break
			}
			time.Sleep(pollWait)
			continue
		}
		conn.SendNow(p.Packed())
	}
}
