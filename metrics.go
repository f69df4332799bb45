package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
)

type torrentCollector struct {
	t          *Torrent
	peers      *prometheus.Desc
	download   *prometheus.Desc
	upload     *prometheus.Desc
	piecesLeft *prometheus.Desc
	pieces     *prometheus.Desc
}

// A prometheus.Collector reporting the torrent's gauges, labelled with its info hash.
func (t *Torrent) Collector() prometheus.Collector {
	labels := prometheus.Labels{"infohash": t.infoHash.HexString()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("torrent", "", name), help, nil, labels)
	}
	return &torrentCollector{
		t:          t,
		peers:      desc("peers", "Number of live peer sessions."),
		download:   desc("download_bytes_per_second", "Download rate averaged over recent seconds."),
		upload:     desc("upload_bytes_per_second", "Upload rate averaged over recent seconds."),
		piecesLeft: desc("pieces_left", "Pieces not yet downloaded and verified."),
		pieces:     desc("pieces", "Total pieces in the torrent."),
	}
}

func (me *torrentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- me.peers
	ch <- me.download
	ch <- me.upload
	ch <- me.piecesLeft
	ch <- me.pieces
}

func (me *torrentCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(me.peers, float64(me.t.NumPeers()))
	gauge(me.download, float64(me.t.DownloadSpeed()))
	gauge(me.upload, float64(me.t.UploadSpeed()))
	gauge(me.piecesLeft, float64(me.t.PiecesLeft()))
	gauge(me.pieces, float64(me.t.info.NumPieces()))
}
