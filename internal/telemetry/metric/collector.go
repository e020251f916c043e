package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/logicalsnap/internal/storage/snapfile"
)

// FileLister lists snapshot files. *snapfile.Store implements it.
type FileLister interface {
	List() []snapfile.Info
}

// StoreCollector reports the snapshot directory at scrape time.
type StoreCollector struct {
	store FileLister

	files  *prometheus.Desc
	bytes  *prometheus.Desc
	newest *prometheus.Desc
}

// NewStoreCollector creates a collector for store.
func NewStoreCollector(store FileLister) *StoreCollector {
	return &StoreCollector{
		store: store,
		files: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "files"),
			"Number of serialized snapshot files.", nil, nil),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "bytes"),
			"Total size of serialized snapshot files.", nil, nil),
		newest: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "newest_lsn"),
			"Log position of the newest snapshot file.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.files
	ch <- c.bytes
	ch <- c.newest
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	infos := c.store.List()

	var size int64
	var newest uint64
	for _, i := range infos {
		size += i.Size
		if uint64(i.LSN) > newest {
			newest = uint64(i.LSN)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.files, prometheus.GaugeValue, float64(len(infos)))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(size))
	ch <- prometheus.MustNewConstMetric(c.newest, prometheus.GaugeValue, float64(newest))
}
