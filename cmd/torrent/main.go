// Downloads a torrent from a list of peers, serving it to any peer that connects meanwhile.
//
// Example run:
// $ go run ./cmd/torrent download --peer 10.0.0.2:42069 --out ubuntu.iso ubuntu.torrent
// 1.000921612s: downloading "ubuntu.iso": 0/4636 pieces, 1 peers, 0 B/s down, 0 B/s up
// 2.001380221s: downloading "ubuntu.iso": 37/4636 pieces, 1 peers, 9.7 MB/s down, 0 B/s up
// ...
package main

import (
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/war1025/torrent"
	"github.com/war1025/torrent/metainfo"
	"github.com/war1025/torrent/storage"
)

var flags struct {
	Debug bool `help:"log debug messages"`

	*DownloadCmd     `arg:"subcommand:download"`
	*CreateCmd       `arg:"subcommand:create"`
	*SpewMetainfoCmd `arg:"subcommand:spew-metainfo"`
}

type DownloadCmd struct {
	Peer         []string `arg:"--peer,separate" help:"address of a peer to download from"`
	Listen       string   `help:"network listen addr" default:":42069"`
	DataDir      string   `arg:"--data-dir" help:"directory holding downloaded pieces" default:"."`
	DownloadRate string   `arg:"--download-rate" help:"max bytes per second down from each peer, such as 1MB"`
	UploadRate   string   `arg:"--upload-rate" help:"max bytes per second up to each peer"`
	NoUpload     bool     `arg:"--no-upload" help:"refuse requests from peers"`
	NoFast       bool     `arg:"--no-fast" help:"don't offer the fast extension"`
	MetricsAddr  string   `arg:"--metrics-addr" help:"serve prometheus metrics on this addr"`
	Seed         bool     `help:"keep serving after the download completes"`
	Stats        bool     `help:"print expvar stats on exit"`
	Out          string   `help:"write the completed content to this file"`
	Torrent      string   `arg:"positional,required" help:"torrent file"`
}

type CreateCmd struct {
	PieceLength string `arg:"--piece-length" help:"piece length" default:"256KiB"`
	Announce    string `help:"tracker URL"`
	Out         string `help:"write the torrent file here instead of stdout"`
	File        string `arg:"positional,required" help:"content to describe"`
}

type SpewMetainfoCmd struct {
	Torrent string `arg:"positional,required" help:"torrent file"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	if !flags.Debug {
		log.Default = log.Default.FilterLevel(log.Info)
	}
	switch {
	case flags.DownloadCmd != nil:
		return downloadErr(flags.DownloadCmd)
	case flags.CreateCmd != nil:
		return createErr(flags.CreateCmd)
	case flags.SpewMetainfoCmd != nil:
		mi, err := metainfo.LoadFromFile(flags.SpewMetainfoCmd.Torrent)
		if err != nil {
			return err
		}
		ih, err := mi.HashInfoBytes()
		if err != nil {
			return err
		}
		mi.Info.Pieces = fmt.Sprintf("<%d hashes>", mi.Info.NumPieces())
		spew.Dump(mi)
		fmt.Printf("info hash: %v\n", ih)
		return nil
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func parseRate(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing rate %q", s)
	}
	return int64(n), nil
}

func exitSignalHandlers(notify *missinggo.SynchronizedEvent) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	for {
		log.Printf("close signal received: %+v", <-c)
		notify.Set()
	}
}

func downloadErr(flags *DownloadCmd) error {
	mi, err := metainfo.LoadFromFile(flags.Torrent)
	if err != nil {
		return errors.Wrapf(err, "loading torrent file %q", flags.Torrent)
	}
	ih, err := mi.HashInfoBytes()
	if err != nil {
		return err
	}
	cfg := torrent.NewDefaultConfig()
	cfg.NoUpload = flags.NoUpload
	cfg.DisableFastExtension = flags.NoFast
	if cfg.DownloadRateLimit, err = parseRate(flags.DownloadRate); err != nil {
		return err
	}
	if cfg.UploadRateLimit, err = parseRate(flags.UploadRate); err != nil {
		return err
	}

	impl, err := storage.NewBoltDB(flags.DataDir)
	if err != nil {
		return errors.Wrap(err, "opening storage")
	}
	defer impl.Close()
	store, err := storage.NewClient(impl, &mi.Info, ih)
	if err != nil {
		return errors.Wrap(err, "opening torrent storage")
	}
	defer store.Close()
	t, err := torrent.NewTorrent(&mi.Info, ih, store, cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	var stop missinggo.SynchronizedEvent
	go exitSignalHandlers(&stop)

	l, err := net.Listen("tcp", flags.Listen)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	acceptor := torrent.NewAcceptor(l, cfg)
	defer acceptor.Close()
	acceptor.AddTorrent(t)
	log.Printf("listening on %v", acceptor.Addr())

	seeker := torrent.NewConnectionSeeker(t, torrent.StaticPeers(flags.Peer))
	defer seeker.Close()

	if flags.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(t.Collector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("serving metrics: %v", http.ListenAndServe(flags.MetricsAddr, mux))
		}()
	}

	defer outputStats(flags)
	started := time.Now()
	go torrentBar(t, mi.Info.Name, started)
	select {
	case <-t.Complete():
		log.Printf("downloaded %q in %v", mi.Info.Name, time.Since(started))
	case <-stop.C():
		return errors.New("interrupted before completion")
	}
	if flags.Out != "" {
		if err := writeContent(store, &mi.Info, flags.Out); err != nil {
			return err
		}
	}
	if flags.Seed {
		<-stop.C()
	}
	return nil
}

func torrentBar(t *torrent.Torrent, name string, start time.Time) {
	numPieces := t.Info().NumPieces()
	var lastLine string
	for range time.Tick(time.Second) {
		line := fmt.Sprintf(
			"%v: downloading %q: %d/%d pieces, %d peers, %s/s down, %s/s up\n",
			time.Since(start),
			name,
			numPieces-t.PiecesLeft(),
			numPieces,
			t.NumPeers(),
			humanize.Bytes(uint64(t.DownloadSpeed())),
			humanize.Bytes(uint64(t.UploadSpeed())),
		)
		if line != lastLine {
			lastLine = line
			os.Stdout.WriteString(line)
		}
	}
}

// Concatenates the pieces into a single file.
func writeContent(store *storage.Client, info *metainfo.Info, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	for i := range info.NumPieces() {
		var b []byte
		b, err = store.GetPiece(i)
		if err != nil {
			return errors.Wrapf(err, "reading piece %d", i)
		}
		if _, err = f.Write(b); err != nil {
			return
		}
	}
	return
}

func createErr(flags *CreateCmd) error {
	pieceLength, err := humanize.ParseBytes(flags.PieceLength)
	if err != nil {
		return errors.Wrap(err, "parsing piece length")
	}
	data, err := os.ReadFile(flags.File)
	if err != nil {
		return err
	}
	fi, err := os.Stat(flags.File)
	if err != nil {
		return err
	}
	mi := metainfo.MetaInfo{
		Announce:     flags.Announce,
		CreatedBy:    "war1025/torrent",
		CreationDate: time.Now().Unix(),
		Info:         metainfo.InfoFromData(fi.Name(), int64(pieceLength), data),
	}
	var w io.Writer = os.Stdout
	if flags.Out != "" {
		f, err := os.Create(flags.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return mi.Write(w)
}

func outputStats(flags *DownloadCmd) {
	if !flags.Stats {
		return
	}
	expvar.Do(func(kv expvar.KeyValue) {
		fmt.Printf("%s: %s\n", kv.Key, kv.Value)
	})
}
