// Package remote exposes a running test over HTTP and WebSocket.
//
// A Bridge is both the session's display and one of its input sources. The
// page it serves draws the stimuli pushed on /stream and sends "seen" or
// "abort" back on the same socket, so a phone or a second screen can act as
// the test surface.
package remote

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"image/png"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
	"smarthvf/pkg/session"
	"smarthvf/pkg/timeout"
	"smarthvf/pkg/visualization"
)

// Event types sent on /stream.
const (
	EventShow    = "show"
	EventHide    = "hide"
	EventRetract = "retract"
	EventMap     = "map"
)

// Inbound messages. "press" and "release" report a touch contact; a contact
// starts by acknowledging the stimulus and aborts the test once held for
// longer than Options.AbortHold.
const (
	MessageSeen    = "seen"
	MessageAbort   = "abort"
	MessagePress   = "press"
	MessageRelease = "release"
)

// DefaultAbortHold is the contact duration that aborts a test.
const DefaultAbortHold = 3 * time.Second

// Options tunes a Bridge.
type Options struct {
	// AbortHold defaults to DefaultAbortHold
	AbortHold time.Duration

	// Clock times touch contacts; nil uses the system clock
	Clock session.Clock
}

// Event is one display command as sent to clients.
type Event struct {
	Seq        int64   `json:"seq"`
	Type       string  `json:"type"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	Brightness float64 `json:"brightness,omitempty"`
	Size       string  `json:"size,omitempty"`
}

// Bridge implements session.Display and session.InputSource.
type Bridge struct {
	cond    *sync.Cond
	events  [256]Event // ring of the most recent events
	lastSeq int64      // sequence number of the most recent event
	clients int
	closed  bool

	latch session.Latch
	clock session.Clock

	touchMu   sync.Mutex
	hold      session.HoldDetector
	touching  bool
	pressed   bool // a press arrived since the last Poll
	released  bool // a release arrived since the last Poll
	pressedAt time.Time

	mapMu  sync.Mutex
	mapPNG []byte

	bounds models.Bounds
}

var (
	_ session.Display     = (*Bridge)(nil)
	_ session.InputSource = (*Bridge)(nil)
)

// NewBridge returns a bridge for a field covering bounds. The bounds only
// scale the drawing on the client.
func NewBridge(bounds models.Bounds, opts Options) *Bridge {
	if opts.AbortHold <= 0 {
		opts.AbortHold = DefaultAbortHold
	}
	if opts.Clock == nil {
		opts.Clock = timeout.SystemClock{}
	}
	return &Bridge{
		cond:   sync.NewCond(&sync.Mutex{}),
		bounds: bounds,
		clock:  opts.Clock,
		hold:   session.HoldDetector{AbortHold: opts.AbortHold},
	}
}

// SetBounds updates the field extent announced to new clients.
func (b *Bridge) SetBounds(bounds models.Bounds) {
	b.cond.L.Lock()
	b.bounds = bounds
	b.cond.L.Unlock()
}

func (b *Bridge) publish(e Event) {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	b.lastSeq++
	e.Seq = b.lastSeq
	b.events[b.lastSeq%int64(len(b.events))] = e
	b.cond.Broadcast()
}

// Show broadcasts the stimulus.
func (b *Bridge) Show(p models.FieldPoint) {
	b.publish(Event{Type: EventShow, X: p.Position.X, Y: p.Position.Y, Brightness: p.Brightness, Size: p.Size.String()})
}

// Hide broadcasts the end of the presentation.
func (b *Bridge) Hide(p models.FieldPoint) {
	b.publish(Event{Type: EventHide, X: p.Position.X, Y: p.Position.Y})
}

// RetractAll clears every client.
func (b *Bridge) RetractAll() {
	b.publish(Event{Type: EventRetract})
}

// Poll returns the answers received since the previous call. A contact that
// is still held is checked against the abort hold on every call.
func (b *Bridge) Poll() session.Input {
	in := b.latch.Poll()
	now := b.clock.Now()

	b.touchMu.Lock()
	defer b.touchMu.Unlock()
	merge := func(got session.Input) {
		in.Acknowledged = in.Acknowledged || got.Acknowledged
		in.Abort = in.Abort || got.Abort
	}
	// a press needs the previous contact released first
	if b.released && b.pressed {
		merge(b.hold.Update(b.pressedAt, false))
	}
	if b.pressed {
		merge(b.hold.Update(b.pressedAt, true))
	}
	merge(b.hold.Update(now, b.touching))
	b.pressed, b.released = false, false
	return in
}

func (b *Bridge) touch(down bool) {
	now := b.clock.Now()
	logging.Logger().Debug("touch", "down", down)
	b.touchMu.Lock()
	defer b.touchMu.Unlock()
	if down {
		b.pressed = true
		b.pressedAt = now
	} else {
		b.released = true
	}
	b.touching = down
}

// SetMap publishes the eye map of a finished test on /map.png.
func (b *Bridge) SetMap(r *models.Raster) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, visualization.RasterImage(r)); err != nil {
		return err
	}
	b.mapMu.Lock()
	b.mapPNG = buf.Bytes()
	b.mapMu.Unlock()
	b.publish(Event{Type: EventMap})
	return nil
}

// Clients returns the number of connected sockets.
func (b *Bridge) Clients() int {
	b.cond.L.Lock()
	defer b.cond.L.Unlock()
	return b.clients
}

// Close disconnects every client.
func (b *Bridge) Close() error {
	b.cond.L.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.cond.L.Unlock()
	return nil
}

// Handler returns the HTTP handler of the bridge.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.root)
	mux.HandleFunc("/map.png", b.serveMap)
	mux.Handle("/stream", websocket.Handler(b.stream))
	return withRequestLog(mux)
}

// ListenAndServe serves the bridge on addr until ctx is done.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return b.Serve(ctx, ln)
}

// Serve serves the bridge on ln until ctx is done.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
	logging.Logger().Info("remote display listening", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		b.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *Bridge) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	b.cond.L.Lock()
	bounds := b.bounds
	b.cond.L.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, bounds); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (b *Bridge) serveMap(w http.ResponseWriter, r *http.Request) {
	b.mapMu.Lock()
	data := b.mapPNG
	b.mapMu.Unlock()
	if data == nil {
		http.Error(w, "no eye map yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// stream sends events to one client and latches its answers.
func (b *Bridge) stream(ws *websocket.Conn) {
	logging.Logger().Debug("websocket connected", "remote", ws.Request().RemoteAddr)
	defer ws.Close()

	b.cond.L.Lock()
	b.clients++
	next := b.lastSeq + 1
	b.cond.L.Unlock()

	gone := false
	go func() {
		b.receive(ws)
		b.cond.L.Lock()
		gone = true
		b.cond.Broadcast()
		b.cond.L.Unlock()
	}()

	b.cond.L.Lock()
	defer func() {
		b.clients--
		b.cond.L.Unlock()
	}()
	for {
		for !b.closed && !gone && next > b.lastSeq {
			b.cond.Wait()
		}
		if b.closed || gone {
			return
		}
		// a slow client skips what fell out of the ring
		if oldest := b.lastSeq - int64(len(b.events)) + 1; next < oldest {
			next = oldest
		}
		e := b.events[next%int64(len(b.events))]
		next++

		// Do the actual I/O without the lock.
		b.cond.L.Unlock()
		err := websocket.JSON.Send(ws, &e)
		b.cond.L.Lock()
		// To break out of the loop, the lock must be held.
		if err != nil {
			logging.Logger().Debug("websocket send failed", "err", err)
			return
		}
	}
}

func (b *Bridge) receive(ws *websocket.Conn) {
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(msg)) {
		case MessageSeen:
			b.latch.Acknowledge()
		case MessageAbort:
			b.latch.RequestAbort()
		case MessagePress:
			b.touch(true)
		case MessageRelease:
			b.touch(false)
		default:
			logging.Logger().Debug("ignored websocket message", "msg", msg)
		}
	}
}

var page = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>smarthvf</title>
<style>
body { margin: 0; background: #000; overflow: hidden; }
canvas { display: block; width: 100vw; height: 100vh; }
</style>
</head>
<body>
<canvas id="c"></canvas>
<script>
const bounds = {minX: {{.Min.X}}, minY: {{.Min.Y}}, maxX: {{.Max.X}}, maxY: {{.Max.Y}}};
const sizes = {I: 1, II: 2, III: 4, IV: 8, V: 16};
const c = document.getElementById("c");
const ctx = c.getContext("2d");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/stream");

function clear() {
  c.width = c.clientWidth;
  c.height = c.clientHeight;
  ctx.fillStyle = "#000";
  ctx.fillRect(0, 0, c.width, c.height);
  ctx.fillStyle = "#800";
  ctx.fillRect(c.width / 2 - 2, c.height / 2 - 2, 4, 4);
}

ws.onmessage = function(m) {
  const e = JSON.parse(m.data);
  clear();
  if (e.type === "show") {
    const sx = c.width / (bounds.maxX - bounds.minX);
    const sy = c.height / (bounds.maxY - bounds.minY);
    const v = Math.round(255 * e.brightness);
    ctx.fillStyle = "rgb(" + v + "," + v + "," + v + ")";
    ctx.beginPath();
    ctx.arc((e.x - bounds.minX) * sx, (bounds.maxY - e.y) * sy, 2 * (sizes[e.size] || 4), 0, 2 * Math.PI);
    ctx.fill();
  } else if (e.type === "map") {
    const img = new Image();
    img.onload = function() { ctx.drawImage(img, 0, 0, c.width, c.height); };
    img.src = "/map.png?" + e.seq;
  }
};

c.addEventListener("pointerdown", function() { ws.send("press"); });
c.addEventListener("pointerup", function() { ws.send("release"); });
c.addEventListener("pointercancel", function() { ws.send("release"); });
document.addEventListener("keydown", function(e) {
  if (e.key === " ") { ws.send("seen"); }
  if (e.key === "Escape") { ws.send("abort"); }
});
window.onresize = clear;
clear();
</script>
</body>
</html>
`))
