package metrics

import (
	"context"
	"time"

	"github.com/mazubot/mazuadm/pkg/store"
	"github.com/mazubot/mazuadm/pkg/types"
)

// Collector periodically refreshes gauge metrics from the store
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(st store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		SetComponent(ComponentStore, false, err.Error())
		return
	}
	SetComponent(ComponentStore, true, "")

	c.collectJobMetrics(ctx)
	c.collectFlagMetrics(ctx)
	c.collectContainerMetrics(ctx)
	c.collectRoundMetrics(ctx)
}

func (c *Collector) collectJobMetrics(ctx context.Context) {
	counts, err := c.store.CountJobsByStatus(ctx)
	if err != nil {
		return
	}

	// Zero every known status so finished states fall back to 0 instead of
	// holding their last sample.
	for _, status := range types.JobStatuses {
		JobsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectFlagMetrics(ctx context.Context) {
	n, err := c.store.CountFlags(ctx)
	if err != nil {
		return
	}

	FlagsTotal.Set(float64(n))
}

func (c *Collector) collectContainerMetrics(ctx context.Context) {
	containers, err := c.store.ListContainers(ctx)
	if err != nil {
		return
	}

	counts := make(map[types.ContainerStatus]int)
	for _, ct := range containers {
		counts[ct.Status]++
	}

	ContainersTotal.WithLabelValues(string(types.ContainerStatusRunning)).Set(float64(counts[types.ContainerStatusRunning]))
	ContainersTotal.WithLabelValues(string(types.ContainerStatusDead)).Set(float64(counts[types.ContainerStatusDead]))
}

func (c *Collector) collectRoundMetrics(ctx context.Context) {
	rounds, err := c.store.GetActiveRounds(ctx)
	if err != nil {
		return
	}

	RoundsActive.Set(float64(len(rounds)))
}
