// Command flowmuxws runs the engine over a real websocket. With -listen it
// serves as a sink that accepts every stream offered to it, consumes the
// data on arrival and grants the freed quota back. Without -listen it
// connects to such a server, pushes data over a number of streams and
// reports throughput once every stream has closed cleanly.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linkdata/flowmux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	listenAddr = flag.String("listen", "", "serve on this address instead of connecting")
	numStreams = flag.Int("streams", 8, "streams to open when connecting")
	bytesPer   = flag.Int64("bytes", 1<<20, "bytes to send per stream when connecting")
	verbose    = flag.Bool("v", false, "log engine diagnostics")
)

func newTrace() *flowmux.Trace {
	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return flowmux.NewTrace(logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
}

func closedByPeer(err error) bool {
	return websocket.IsCloseError(errors.Cause(err),
		websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// serve sinks one connection until the peer hangs up.
func serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade:", err)
		return
	}
	defer ws.Close()
	log.Println("accepted", ws.RemoteAddr())

	wt := flowmux.NewWSTransport(ws)
	mux, err := flowmux.NewMuxerSettings(wt, wt.Grant, flowmux.DefaultSettings(), newTrace())
	if err != nil {
		log.Println(err)
		return
	}
	mux.OnFatal = func(err error) { log.Println("engine failure:", err) }

	open := make(map[flowmux.StreamID]bool)
	mux.OnStreamPending = func(ps *flowmux.PendingStream) {
		s, err := mux.AcceptStream(ps.ID, flowmux.DefaultRank, false)
		if err != nil {
			log.Println("accept:", err)
			return
		}
		// The sink sends no payload, so its half of the stream ends at
		// offset zero and can be announced right away.
		if err := s.QueueFin(); err != nil {
			log.Println("fin:", err)
			return
		}
		wt.SendFin(ps.ID, 0)
		open[ps.ID] = true
	}

	var sunk int64
	for !mux.Failed() {
		if err := wt.ReadAndDispatch(mux); err != nil {
			if !closedByPeer(err) {
				log.Println("read:", err)
			}
			break
		}
		for id := range open {
			s := mux.GetStream(id)
			if s == nil {
				delete(open, id)
				continue
			}
			if n := s.RecvWindow().Buffered(); n > 0 {
				if err := mux.OnDataConsumed(id, n); err != nil {
					log.Println("consume:", err)
					return
				}
				sunk += n
			}
		}
		if mux.WillingAndAbleToWrite() {
			mux.OnWritable()
		}
		if err := wt.Flush(); err != nil {
			log.Println("write:", err)
			return
		}
	}
	log.Println("closed", ws.RemoteAddr(), "after", sunk, "bytes")
}

// connect pushes bytesPer over numStreams streams and waits for all of
// them to settle.
func connect(url string) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalln("dial:", err)
	}
	defer ws.Close()

	wt := flowmux.NewWSTransport(ws)
	mux, err := flowmux.NewMuxerSettings(wt, wt.Grant, flowmux.DefaultSettings(), newTrace())
	if err != nil {
		log.Fatalln(err)
	}
	mux.OnFatal = func(err error) { log.Fatalln("engine failure:", err) }

	streams := make(map[flowmux.StreamID]*flowmux.Stream)
	for i := 0; i < *numStreams; i++ {
		id := flowmux.StreamID(i + 1)
		s, err := mux.CreateStream(id, flowmux.Rank(i%int(flowmux.MaxRank+1)), false)
		if err != nil {
			log.Fatalln("create stream:", err)
		}
		if err := s.QueueData(*bytesPer); err != nil {
			log.Fatalln("queue:", err)
		}
		if err := s.QueueFin(); err != nil {
			log.Fatalln("queue fin:", err)
		}
		streams[id] = s
	}

	started := time.Now()
	announced := make(map[flowmux.StreamID]bool)
	for mux.NumActiveStreams() > 0 || mux.NumZombieStreams() > 0 {
		if mux.WillingAndAbleToWrite() {
			mux.OnWritable()
		}
		for id, s := range streams {
			if !announced[id] && s.FinSent() {
				announced[id] = true
				wt.SendFin(id, s.BytesSent())
			}
		}
		if err := wt.Flush(); err != nil {
			log.Fatalln("write:", err)
		}
		if err := wt.ReadAndDispatch(mux); err != nil {
			log.Fatalln("read:", err)
		}
	}

	elapsed := time.Since(started)
	total := int64(*numStreams) * *bytesPer
	fmt.Printf("%d streams, %d bytes in %v (%.1f MB/s)\n",
		*numStreams, total, elapsed.Round(time.Millisecond),
		float64(total)/(1<<20)/elapsed.Seconds())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
}

func main() {
	flag.Parse()
	if *listenAddr != "" {
		http.HandleFunc("/", serve)
		log.Println("listening on", *listenAddr)
		log.Fatalln(http.ListenAndServe(*listenAddr, nil))
	}
	if flag.NArg() != 1 {
		log.Fatalln("usage: flowmuxws -listen addr | flowmuxws [flags] ws://host/")
	}
	connect(flag.Arg(0))
}
