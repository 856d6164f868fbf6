package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/nexus-proxy/pkg/types"
)

// DefaultCollectInterval is how often the collector refreshes gauges
const DefaultCollectInterval = 15 * time.Second

// Source exposes the configuration most recently applied to the proxy.
// Snapshot returns nil until the first successful apply.
type Source interface {
	Snapshot() *types.LoadBalancerConfig
}

// Collector refreshes configuration gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates the gauges once
func (c *Collector) Collect() {
	cfg := c.source.Snapshot()
	if cfg == nil {
		return
	}

	c.collectListenerMetrics(cfg)
	c.collectTargetGroupMetrics(cfg)
	c.collectCertBotMetrics(cfg)
}

func (c *Collector) collectListenerMetrics(cfg *types.LoadBalancerConfig) {
	byProtocol := make(map[string]int)
	ports := make(map[int]struct{})
	for _, l := range cfg.Listeners {
		byProtocol[l.Protocol]++
		ports[l.Port] = struct{}{}
	}

	ListenersTotal.Reset()
	for protocol, count := range byProtocol {
		ListenersTotal.WithLabelValues(protocol).Set(float64(count))
	}
	PortGroupsTotal.Set(float64(len(ports)))
}

func (c *Collector) collectTargetGroupMetrics(cfg *types.LoadBalancerConfig) {
	targets := 0
	for _, tg := range cfg.TargetGroups {
		targets += len(tg.Targets)
	}

	TargetGroupsTotal.Set(float64(len(cfg.TargetGroups)))
	TargetsTotal.Set(float64(targets))
}

func (c *Collector) collectCertBotMetrics(cfg *types.LoadBalancerConfig) {
	counts := map[bool]int{true: 0, false: 0}
	for _, bot := range cfg.ActiveCertBots() {
		counts[bot.Ready]++
	}

	for ready, count := range counts {
		CertBotsActive.WithLabelValues(strconv.FormatBool(ready)).Set(float64(count))
	}
}
