// Package metrics 把缓存统计写入 InfluxDB，未配置地址时使用空实现。
package metrics

import (
	"context"
	"sort"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"brightlens/pkg/cache"
	"brightlens/pkg/logger"
	"brightlens/pkg/offline"
	"brightlens/pkg/timing"
)

const (
	MeasurementKVCache   = "kv_cache"
	MeasurementPartition = "sw_partition"
)

// Config InfluxDB 配置
type Config struct {
	URL    string `mapstructure:"url" json:"url"`
	Token  string `mapstructure:"token" json:"token"`
	Org    string `mapstructure:"org" json:"org"`
	Bucket string `mapstructure:"bucket" json:"bucket"`
	Host   string `mapstructure:"host" json:"host"` // 写入每个点的 host 标签
}

// Enabled 配置了地址才启用
func (c Config) Enabled() bool {
	return c.URL != ""
}

// PointWriter 与 api.WriteAPIBlocking 的写入方法一致
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Reporter 上报缓存统计
type Reporter interface {
	ReportCache(ctx context.Context, stats cache.Stats, counters cache.Counters) error
	ReportPartitions(ctx context.Context, stats map[string]offline.PartitionStats) error
	Close()
}

// New 根据配置创建上报器
func New(config Config) Reporter {
	if !config.Enabled() {
		return NopReporter{}
	}
	return NewInfluxReporter(config)
}

// InfluxReporter 以阻塞方式写入 InfluxDB
type InfluxReporter struct {
	client influxdb2.Client
	writer PointWriter
	host   string
	clock  timing.Clock
	log    *logrus.Entry
}

// NewInfluxReporter 创建 InfluxDB 客户端
func NewInfluxReporter(config Config) *InfluxReporter {
	client := influxdb2.NewClient(config.URL, config.Token)
	r := NewReporterWithWriter(client.WriteAPIBlocking(config.Org, config.Bucket), config.Host)
	r.client = client
	return r
}

// NewReporterWithWriter 使用给定的写入器，测试中使用
func NewReporterWithWriter(writer PointWriter, host string) *InfluxReporter {
	return &InfluxReporter{
		writer: writer,
		host:   host,
		clock:  timing.Default(),
		log:    logger.WithComponent("metrics"),
	}
}

// SetClock 替换时间源
func (r *InfluxReporter) SetClock(clock timing.Clock) {
	r.clock = clock
}

// ReportCache 写入一个 kv_cache 点
func (r *InfluxReporter) ReportCache(ctx context.Context, stats cache.Stats, counters cache.Counters) error {
	point := influxdb2.NewPointWithMeasurement(MeasurementKVCache).
		AddField("entries", stats.TotalEntries).
		AddField("bytes", stats.TotalSize).
		AddField("expired", stats.ExpiredEntries).
		AddField("hits", counters.Hits).
		AddField("misses", counters.Misses).
		AddField("evictions", counters.Evictions).
		AddField("write_failures", counters.WriteFailures).
		SetTime(r.clock.Now())
	r.tag(point)

	if err := r.writer.WritePoint(ctx, point); err != nil {
		r.log.WithError(err).Warn("写入缓存统计失败")
		return err
	}
	return nil
}

// ReportPartitions 每个分区写入一个 sw_partition 点
func (r *InfluxReporter) ReportPartitions(ctx context.Context, stats map[string]offline.PartitionStats) error {
	if len(stats) == 0 {
		return nil
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	now := r.clock.Now()
	points := make([]*write.Point, 0, len(names))
	for _, name := range names {
		s := stats[name]
		point := influxdb2.NewPointWithMeasurement(MeasurementPartition).
			AddTag("partition", name).
			AddField("entries", s.Entries).
			AddField("bytes", s.Bytes).
			SetTime(now)
		r.tag(point)
		points = append(points, point)
	}

	if err := r.writer.WritePoint(ctx, points...); err != nil {
		r.log.WithError(err).WithField("partitions", len(points)).Warn("写入分区统计失败")
		return err
	}
	return nil
}

// Close 关闭客户端
func (r *InfluxReporter) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

func (r *InfluxReporter) tag(point *write.Point) {
	if r.host != "" {
		point.AddTag("host", r.host)
	}
}

// NopReporter 不做任何事
type NopReporter struct{}

func (NopReporter) ReportCache(context.Context, cache.Stats, cache.Counters) error {
	return nil
}

func (NopReporter) ReportPartitions(context.Context, map[string]offline.PartitionStats) error {
	return nil
}

func (NopReporter) Close() {}

var (
	_ Reporter = (*InfluxReporter)(nil)
	_ Reporter = NopReporter{}
)
