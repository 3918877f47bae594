package queue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Tier names within a channel family. Every channel carries the same
// four tiers; only the delays, budgets, and concurrency differ.
const (
	TierPrimary = "primary"
	TierRetry1  = "retry-1"
	TierRetry2  = "retry-2"
	TierDLQ     = "dlq"
)

// Channel names. These match the delivery_channel values stored on
// tracking records.
const (
	ChannelEmail = "email"
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// Tier describes one escalation stage of a channel family.
type Tier struct {
	// Name is the tier suffix (primary, retry-1, retry-2, dlq).
	Name string
	// Delay defers jobs entering this tier before their first attempt.
	Delay time.Duration
	// MaxAttempts is the per-tier attempt budget.
	MaxAttempts int
	// Concurrency is how many jobs a consumer processes in parallel.
	Concurrency int
	// Backoff is the base for exponential in-tier retry delays.
	Backoff time.Duration
}

// Family is the ordered tier chain for one delivery channel.
type Family struct {
	Channel string
	Tiers   []Tier
}

// QueueName returns the substrate queue name for a tier of this family.
func (f Family) QueueName(tier string) string {
	return f.Channel + ":" + tier
}

// Queues returns all queue names of the family, primary first.
func (f Family) Queues() []string {
	out := make([]string, len(f.Tiers))
	for i, t := range f.Tiers {
		out[i] = f.QueueName(t.Name)
	}
	return out
}

// Tier returns the named tier.
func (f Family) Tier(name string) (Tier, bool) {
	for _, t := range f.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Next returns the tier after current, or false when current is terminal.
func (f Family) Next(current string) (Tier, bool) {
	for i, t := range f.Tiers {
		if t.Name == current && i+1 < len(f.Tiers) {
			return f.Tiers[i+1], true
		}
	}
	return Tier{}, false
}

// IsTerminal reports whether the tier is the family's dead letter queue.
func (f Family) IsTerminal(tier string) bool {
	return tier == TierDLQ
}

// Topology holds the full queue layout of the platform.
type Topology struct {
	families map[string]Family
}

// DefaultTopology returns the production queue layout. Per-tier values
// can be overridden through QUEUE_<CHANNEL>_<TIER>_{DELAY,ATTEMPTS,CONCURRENCY,BACKOFF}
// environment variables, e.g. QUEUE_EMAIL_RETRY_1_DELAY=10m.
func DefaultTopology() *Topology {
	t := &Topology{families: map[string]Family{
		ChannelEmail: {
			Channel: ChannelEmail,
			Tiers: []Tier{
				{Name: TierPrimary, Delay: 0, MaxAttempts: 4, Concurrency: 5, Backoff: 30 * time.Second},
				{Name: TierRetry1, Delay: 5 * time.Minute, MaxAttempts: 3, Concurrency: 2, Backoff: 30 * time.Second},
				{Name: TierRetry2, Delay: 30 * time.Minute, MaxAttempts: 2, Concurrency: 2, Backoff: time.Minute},
				{Name: TierDLQ, Delay: 0, MaxAttempts: 1, Concurrency: 1, Backoff: time.Minute},
			},
		},
		ChannelInApp: {
			Channel: ChannelInApp,
			Tiers: []Tier{
				{Name: TierPrimary, Delay: 0, MaxAttempts: 3, Concurrency: 10, Backoff: 15 * time.Second},
				{Name: TierRetry1, Delay: 2 * time.Minute, MaxAttempts: 3, Concurrency: 4, Backoff: 15 * time.Second},
				{Name: TierRetry2, Delay: 10 * time.Minute, MaxAttempts: 2, Concurrency: 4, Backoff: 30 * time.Second},
				{Name: TierDLQ, Delay: 0, MaxAttempts: 1, Concurrency: 1, Backoff: 30 * time.Second},
			},
		},
		ChannelPush: {
			Channel: ChannelPush,
			Tiers: []Tier{
				{Name: TierPrimary, Delay: 0, MaxAttempts: 3, Concurrency: 8, Backoff: 30 * time.Second},
				{Name: TierRetry1, Delay: 5 * time.Minute, MaxAttempts: 3, Concurrency: 3, Backoff: 30 * time.Second},
				{Name: TierRetry2, Delay: 30 * time.Minute, MaxAttempts: 2, Concurrency: 3, Backoff: time.Minute},
				{Name: TierDLQ, Delay: 0, MaxAttempts: 1, Concurrency: 1, Backoff: time.Minute},
			},
		},
	}}

	t.applyEnvOverrides()
	return t
}

// Family returns the tier chain for a channel.
func (t *Topology) Family(channel string) (Family, bool) {
	f, ok := t.families[channel]
	return f, ok
}

// Families returns all channel families.
func (t *Topology) Families() []Family {
	out := make([]Family, 0, len(t.families))
	for _, ch := range []string{ChannelEmail, ChannelInApp, ChannelPush} {
		out = append(out, t.families[ch])
	}
	return out
}

// AllQueues returns every queue name in the topology, grouped by family.
func (t *Topology) AllQueues() []string {
	var out []string
	for _, f := range t.Families() {
		out = append(out, f.Queues()...)
	}
	return out
}

// SplitQueueName splits a queue name into channel and tier.
func SplitQueueName(queue string) (channel, tier string, err error) {
	idx := strings.LastIndex(queue, ":")
	if idx <= 0 || idx == len(queue)-1 {
		return "", "", fmt.Errorf("malformed queue name %q", queue)
	}
	return queue[:idx], queue[idx+1:], nil
}

func (t *Topology) applyEnvOverrides() {
	for ch, f := range t.families {
		for i, tier := range f.Tiers {
			prefix := "QUEUE_" + envToken(ch) + "_" + envToken(tier.Name) + "_"
			if d, ok := envTierDuration(prefix + "DELAY"); ok {
				tier.Delay = d
			}
			if n, ok := envTierInt(prefix + "ATTEMPTS"); ok {
				tier.MaxAttempts = n
			}
			if n, ok := envTierInt(prefix + "CONCURRENCY"); ok {
				tier.Concurrency = n
			}
			if d, ok := envTierDuration(prefix + "BACKOFF"); ok {
				tier.Backoff = d
			}
			f.Tiers[i] = tier
		}
		t.families[ch] = f
	}
}

func envToken(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(s))
}

func envTierDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envTierInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
