// Command flowmuxbench soaks the scheduling engine: it moves a configurable
// amount of data across many streams of mixed ranks, groups and static
// entries over an in-memory transport, with a simulated peer acknowledging,
// losing and crediting ranges, and reports throughput when every stream has
// closed cleanly.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/linkdata/flowmux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	numStreams  = flag.Int("streams", 64, "number of streams")
	numStatic   = flag.Int("static", 2, "number of those streams that are static")
	numGroups   = flag.Int("groups", 4, "number of scheduling groups (0 disables grouping)")
	bytesPer    = flag.Int64("bytes", 1<<20, "bytes to move per stream")
	chunkSize   = flag.Int64("chunk", 4<<10, "bytes queued per stream per round")
	capacity    = flag.Int64("capacity", 64<<10, "transport bytes accepted per pass")
	lossMod     = flag.Int("lossmod", 0, "lose every Nth written range once (0 disables)")
	maxRounds   = flag.Int("maxrounds", 1<<22, "abort after this many rounds")
	settingsTom = flag.String("settings", "", "TOML settings file")
	metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
	verbose     = flag.Bool("v", false, "log engine diagnostics")
)

type lossKey struct {
	id    flowmux.StreamID
	start int64
}

// bench drives one muxer and plays the peer for it.
type bench struct {
	cfg     flowmux.Settings
	mux     *flowmux.Muxer
	pt      *flowmux.PipeTransport
	streams map[flowmux.StreamID]*flowmux.Stream

	seen     int // records already reconciled
	queued   map[flowmux.StreamID]int64
	acked    map[flowmux.StreamID]int64
	ackedAll int64
	lost     map[lossKey]bool
	finDone  map[flowmux.StreamID]bool
}

func (b *bench) openStreams() {
	for i := 0; i < *numStreams; i++ {
		id := flowmux.StreamID(i + 1)
		rank := flowmux.Rank(i % int(flowmux.MaxRank+1))
		var s *flowmux.Stream
		var err error
		switch {
		case i < *numStatic:
			s, err = b.mux.CreateStream(id, rank, true)
		case *numGroups > 0 && i%2 == 0:
			group := flowmux.GroupID(i%*numGroups + 1)
			s, err = b.mux.CreateStreamInGroup(id, rank, group, flowmux.Rank(int(group)%4))
		default:
			s, err = b.mux.CreateStream(id, rank, false)
		}
		if err != nil {
			log.Fatalln("create stream:", err)
		}
		b.streams[id] = s
	}
}

// queueMore tops up every stream that has not yet queued its share, and
// queues the fin once it has.
func (b *bench) queueMore() {
	for id, s := range b.streams {
		if left := *bytesPer - b.queued[id]; left > 0 {
			n := *chunkSize
			if n > left {
				n = left
			}
			if err := s.QueueData(n); err != nil {
				log.Fatalf("queue stream %v: %v", id, err)
			}
			b.queued[id] += n
			if b.queued[id] == *bytesPer {
				if err := s.QueueFin(); err != nil {
					log.Fatalf("queue fin %v: %v", id, err)
				}
			}
		}
	}
}

// reconcile plays the peer for every record written since the last round:
// most ranges are acknowledged and credited back, every lossMod-th is lost
// once. When a stream has sent its fin and drained, the peer answers with a
// bare fin so the stream can close.
func (b *bench) reconcile() {
	records := b.pt.Records()
	for ; b.seen < len(records); b.seen++ {
		r := records[b.seen]
		key := lossKey{r.ID, r.Offset}
		if *lossMod > 0 && b.seen%*lossMod == (*lossMod-1) && !b.lost[key] {
			b.lost[key] = true
			if err := b.mux.OnRangeLost(r.ID, r.Offset, r.Offset+r.Length); err != nil {
				log.Fatalln("lost:", err)
			}
			continue
		}
		if err := b.mux.OnRangeAcked(r.ID, r.Offset, r.Offset+r.Length); err != nil {
			log.Fatalln("ack:", err)
		}
		b.acked[r.ID] += r.Length
		b.ackedAll += r.Length
		if err := b.mux.OnCreditUpdate(r.ID, b.cfg.StreamSendQuota+b.acked[r.ID]); err != nil {
			log.Fatalln("credit:", err)
		}
		if err := b.mux.OnCreditUpdate(flowmux.ConnectionID, b.cfg.ConnSendQuota+b.ackedAll); err != nil {
			log.Fatalln("conn credit:", err)
		}
	}
	for id, s := range b.streams {
		if !b.finDone[id] && s.FinSent() && s.BytesOutstanding() == 0 {
			b.finDone[id] = true
			if err := b.mux.OnDataReceived(id, 0, 0, true); err != nil {
				log.Fatalf("peer fin %v: %v", id, err)
			}
		}
	}
}

func main() {
	flag.Parse()
	if *bytesPer <= 0 || *chunkSize <= 0 || *capacity <= 0 {
		log.Fatalln("-bytes, -chunk and -capacity must be positive")
	}

	cfg := flowmux.DefaultSettings()
	if *settingsTom != "" {
		var err error
		if cfg, err = flowmux.LoadSettings(*settingsTom); err != nil {
			log.Fatalln(err)
		}
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	b := &bench{
		cfg:     cfg,
		pt:      flowmux.NewPipeTransport(*capacity),
		streams: make(map[flowmux.StreamID]*flowmux.Stream),
		queued:  make(map[flowmux.StreamID]int64),
		acked:   make(map[flowmux.StreamID]int64),
		lost:    make(map[lossKey]bool),
		finDone: make(map[flowmux.StreamID]bool),
	}
	mux, err := flowmux.NewMuxerSettings(b.pt, nil, cfg, flowmux.NewTrace(logger))
	if err != nil {
		log.Fatalln(err)
	}
	mux.OnFatal = func(err error) { log.Fatalln("engine failure:", err) }
	b.mux = mux

	if *metricsAddr != "" {
		mux.Metrics = flowmux.NewMetrics(prometheus.DefaultRegisterer)
		go func() {
			log.Println(http.ListenAndServe(*metricsAddr, promhttp.Handler()))
		}()
	}

	b.openStreams()
	started := time.Now()

	rounds := 0
	for mux.NumActiveStreams() > 0 || mux.NumZombieStreams() > 0 {
		if rounds++; rounds > *maxRounds {
			log.Fatalf("no convergence after %d rounds: %d active %d zombie",
				rounds, mux.NumActiveStreams(), mux.NumZombieStreams())
		}
		b.queueMore()
		if mux.WillingAndAbleToWrite() {
			mux.OnWritable()
		}
		b.reconcile()
		b.pt.ResetPass()
	}

	elapsed := time.Since(started)
	written := b.pt.Written()
	fmt.Printf("%d streams, %d bytes written in %d rounds over %v (%.1f MB/s)\n",
		*numStreams, written, rounds, elapsed.Round(time.Millisecond),
		float64(written)/(1<<20)/elapsed.Seconds())
}
