package datacollection

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/workerpool"
)

// maxTickSleep bounds the scheduler's sleep between ticks (§4.3: "the
// next sleep (bounded above by 60 s)").
const maxTickSleep = 60 * time.Second

// secondGranularity is the sleep floor once any live item carries a
// schedule with a seconds field (§4.3: "drops the tick granularity
// from 60 s to 1 s for that item").
const secondGranularity = 1 * time.Second

// cronParser accepts an optional leading seconds field, matching the
// "tokens include a seconds field" distinction the spec calls out.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler is the single scheduler task of §4.3.
type Scheduler struct {
	items    *ItemMap
	proxies  *ProxyMap
	sender   *Sender
	general  *workerpool.Pool
	snmpPool *workerpool.Pool

	local  Collector
	scalar Collector
	table  Collector

	log *zap.Logger

	stop chan struct{}
}

func NewScheduler(items *ItemMap, proxies *ProxyMap, sender *Sender, general, snmpPool *workerpool.Pool, local, scalar, table Collector) *Scheduler {
	return &Scheduler{
		items: items, proxies: proxies, sender: sender,
		general: general, snmpPool: snmpPool,
		local: local, scalar: scalar, table: table,
		log: agentlog.For("datacollection.scheduler"), stop: make(chan struct{}),
	}
}

// Run loops until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		sleep := s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Scheduler) Stop() { close(s.stop) }

// tick evaluates every live item once and returns the bounded sleep
// until the next tick (§4.3 scheduler algorithm).
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	items := s.items.Snapshot()
	now := nowMs()

	minWait := maxTickSleep
	granularity := maxTickSleep

	for _, item := range items {
		if item.Disabled || item.Busy {
			continue
		}
		if item.PollingIntervalSec <= 0 && len(item.CronSchedules) == 0 {
			// §8 boundary: interval 0 with no schedule -> manual/push-only, never auto-polled.
			continue
		}

		due, wait, gran := s.evaluate(item, now)
		if gran < granularity {
			granularity = gran
		}
		if due {
			s.submit(ctx, item)
			continue
		}
		if wait < minWait {
			minWait = wait
		}
	}

	if granularity < minWait {
		minWait = granularity
	}
	if minWait > maxTickSleep {
		minWait = maxTickSleep
	}
	if minWait <= 0 {
		minWait = secondGranularity
	}
	return minWait
}

// evaluate returns whether item is due now, how long until it will be
// if not, and the tick granularity it demands.
func (s *Scheduler) evaluate(item *store.DataCollectionItem, nowMsVal int64) (due bool, wait time.Duration, granularity time.Duration) {
	granularity = maxTickSleep

	if hasSecondsField(item.CronSchedules) {
		granularity = secondGranularity
	}

	if len(item.CronSchedules) > 0 {
		due := s.cronDue(item, nowMsVal)
		if due {
			return true, 0, granularity
		}
		return false, granularity, granularity
	}

	elapsed := time.Duration(nowMsVal-item.LastPollMs) * time.Millisecond
	interval := time.Duration(item.PollingIntervalSec) * time.Second
	if item.LastPollMs == 0 || elapsed >= interval {
		return true, 0, granularity
	}
	return false, interval - elapsed, granularity
}

func (s *Scheduler) cronDue(item *store.DataCollectionItem, nowMsVal int64) bool {
	last := time.UnixMilli(item.LastPollMs)
	now := time.UnixMilli(nowMsVal)
	for _, expr := range item.CronSchedules {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			s.log.Warn("invalid cron schedule", zap.String("dci", item.Key()), zap.Error(err))
			continue
		}
		if item.LastPollMs == 0 {
			return true
		}
		next := sched.Next(last)
		if !next.After(now) {
			return true
		}
	}
	return false
}

func hasSecondsField(schedules []string) bool {
	for _, expr := range schedules {
		if len(strings.Fields(expr)) >= 6 {
			return true
		}
	}
	return false
}

// shouldSchedule implements the backup-proxy skip rule (§4.3 "Else
// schedule only if the named proxy exists and is currently
// !connected").
func (s *Scheduler) shouldSchedule(item *store.DataCollectionItem) bool {
	if item.BackupProxyID == 0 {
		return true
	}
	exists, connected := s.proxies.IsConnected(item.ServerID, item.BackupProxyID)
	if !exists {
		return true
	}
	return !connected
}

func (s *Scheduler) submit(ctx context.Context, item *store.DataCollectionItem) {
	if !s.shouldSchedule(item) {
		return
	}

	s.items.SetBusy(item.ServerID, item.DCIID, true)
	run := func() {
		defer s.items.SetBusy(item.ServerID, item.DCIID, false)
		defer s.items.SetLastPoll(item.ServerID, item.DCIID, nowMs())

		collector, err := ForItem(item, s.local, s.scalar, s.table)
		if err != nil {
			s.log.Warn("no collector for item", zap.String("dci", item.Key()), zap.Error(err))
			return
		}
		element := collector.Collect(ctx, item)
		s.sender.Enqueue(element)
	}

	if item.Origin == store.OriginSNMP {
		s.snmpPool.SubmitKeyed(item.SNMPTargetGUID, run)
	} else {
		s.general.Submit(run)
	}
}
