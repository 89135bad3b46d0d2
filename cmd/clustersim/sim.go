package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/clustercron/internal/cluster"
	"github.com/djlord-it/clustercron/internal/config"
	"github.com/djlord-it/clustercron/internal/dispatcher"
	"github.com/djlord-it/clustercron/internal/domain"
	"github.com/djlord-it/clustercron/internal/jobs"
	"github.com/djlord-it/clustercron/internal/store"
	"github.com/djlord-it/clustercron/internal/store/memory"
)

var simStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type options struct {
	Nodes    int
	Triggers int
	Hours    int
	KillAt   int
	Logger   *zap.SugaredLogger
}

func defaultOptions() options {
	return options{Nodes: 3, Triggers: 10, Hours: 6, KillAt: 2}
}

type report struct {
	Nodes      int            `json:"nodes"`
	Triggers   int            `json:"triggers"`
	Hours      int            `json:"hours"`
	Killed     string         `json:"killed,omitempty"`
	Reclaimed  int            `json:"reclaimed"`
	Expected   int            `json:"expected"`
	Delivered  int            `json:"delivered"`
	Duplicates int            `json:"duplicates"`
	Missing    int            `json:"missing"`
	ByNode     map[string]int `json:"by_node"`
}

func (r report) ExactlyOnce() bool {
	return r.Duplicates == 0 && r.Missing == 0
}

// countingSender accepts every delivery and counts them per scheduled fire.
type countingSender struct {
	mu     sync.Mutex
	fires  map[string]int
	byNode map[string]int
}

func (s *countingSender) Send(ctx context.Context, req dispatcher.WebhookRequest) dispatcher.WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fires[req.Payload.Trigger+"@"+req.Payload.ScheduledAt]++
	s.byNode[req.Payload.Node]++
	return dispatcher.WebhookResult{StatusCode: http.StatusOK}
}

func simulate(ctx context.Context, m store.Map, opts options) (report, error) {
	if opts.Nodes < 2 && opts.KillAt >= 0 {
		return report{}, errors.New("crashing a node needs at least two nodes")
	}
	if opts.Triggers <= 0 || opts.Hours <= 0 {
		return report{}, errors.New("triggers and hours must be positive")
	}

	clock := clockwork.NewFakeClockAt(simStart)
	membership := memory.NewMembership(clock)
	sender := &countingSender{fires: make(map[string]int), byNode: make(map[string]int)}

	job := domain.Job{
		Key:         domain.NewJobKey("sim", "sim"),
		Concurrency: domain.ConcurrencyAllow,
		Delivery:    domain.DeliveryConfig{Type: domain.DeliveryTypeWebhook, WebhookURL: "http://sim.invalid/hook"},
	}
	catalog := jobs.NewCatalog(job)
	for i := 0; i < opts.Triggers; i++ {
		catalog.PutTrigger(domain.Trigger{
			Key:      domain.NewTriggerKey(fmt.Sprintf("t%03d", i), "sim"),
			JobKey:   job.Key,
			Schedule: domain.Schedule{Cron: "0 * * * *"},
			StartAt:  simStart,
		})
	}

	cfg := config.Defaults()
	cfg.AcquireBatchSize = opts.Triggers
	cfg.EventBusBufferSize = opts.Triggers

	nodes := make([]*cluster.Node, 0, opts.Nodes)
	for i := 0; i < opts.Nodes; i++ {
		n, err := cluster.NewNode(fmt.Sprintf("sim-%d", i), cfg, cluster.Deps{
			Map:        m,
			Membership: membership,
			Catalog:    catalog,
			Sender:     sender,
			Clock:      clock,
			Logger:     opts.Logger,
		})
		if err != nil {
			return report{}, err
		}
		if _, err := n.Join(ctx); err != nil {
			return report{}, err
		}
		nodes = append(nodes, n)
	}

	rep := report{Nodes: opts.Nodes, Triggers: opts.Triggers, Hours: opts.Hours}
	live := nodes
	for hour := 0; hour < opts.Hours; hour++ {
		if hour == opts.KillAt {
			victim := live[len(live)-1]
			live = live[:len(live)-1]
			// The victim claims the hour's fires and dies before delivering.
			if _, err := victim.Coordinator().RunOnce(ctx); err != nil {
				return report{}, fmt.Errorf("victim pass: %w", err)
			}
			membership.Kill(victim.ID())
			rep.Killed = victim.ID()

			reclaimed, err := live[0].Sweeper().RunOnce(ctx)
			if err != nil {
				return report{}, fmt.Errorf("sweep: %w", err)
			}
			rep.Reclaimed = reclaimed
		}

		var g errgroup.Group
		for _, n := range live {
			n := n
			g.Go(func() error {
				_, err := n.Step(ctx)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return report{}, fmt.Errorf("hour %d: %w", hour, err)
		}

		clock.Advance(time.Hour)
		for _, n := range live {
			if err := n.Keeper().Heartbeat(ctx); err != nil {
				return report{}, err
			}
		}
	}

	rep.Expected = opts.Triggers * opts.Hours
	rep.ByNode = sender.byNode
	for _, count := range sender.fires {
		rep.Delivered += count
	}
	for i := 0; i < opts.Triggers; i++ {
		for hour := 0; hour < opts.Hours; hour++ {
			at := simStart.Add(time.Duration(hour) * time.Hour).Format(time.RFC3339)
			switch got := sender.fires[fmt.Sprintf("sim:t%03d@%s", i, at)]; {
			case got == 0:
				rep.Missing++
			case got > 1:
				rep.Duplicates += got - 1
			}
		}
	}
	return rep, nil
}
