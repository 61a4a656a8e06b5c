// Package synthetic generates labeled audit-event corpora for training and
// evaluation. Each attack class gets a scenario generator shaped after the
// corresponding real-world pattern; timestamps and entities are seeded so a
// corpus is reproducible.
package synthetic

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"cloudguard/pkg/classifier"
	"cloudguard/pkg/event"
)

// Config sizes the corpus. Normal dominates, as in real audit logs.
type Config struct {
	NormalEvents int
	AttackEvents int
	Entities     int
	Seed         int64
	Start        time.Time
}

func (c Config) withDefaults() Config {
	if c.NormalEvents <= 0 {
		c.NormalEvents = 2000
	}
	if c.AttackEvents <= 0 {
		c.AttackEvents = 150
	}
	if c.Entities <= 0 {
		c.Entities = 40
	}
	if c.Start.IsZero() {
		c.Start = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	}
	return c
}

// Dataset pairs events with their ground-truth labels, index-aligned.
type Dataset struct {
	Events []event.NormalizedEvent
	Labels []classifier.Class
}

type Generator struct {
	rng *rand.Rand
	cfg Config
}

func NewGenerator(cfg Config) *Generator {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed)), cfg: cfg}
}

var (
	normalActions = []string{"GetObject", "ListBuckets", "DescribeInstances", "PutObject", "GetAccountSummary"}
	normalSources = []string{"s3.amazonaws.com", "ec2.amazonaws.com", "iam.amazonaws.com"}
	internalIPs   = []string{"10.0.1.15", "10.0.2.33", "172.16.4.7", "10.0.1.15.aws.internal"}
	externalIPs   = []string{"203.0.113.44", "198.51.100.23", "185.220.101.54", "45.153.160.2"}

	privescActions = []string{"AttachUserPolicy", "PutUserPolicy", "AddUserToGroup", "CreateAccessKey", "AttachRolePolicy"}
	exfilActions   = []string{"GetObject", "CopyObject", "DownloadDBSnapshot", "CreateSnapshot"}
	reconActions   = []string{"DescribeInstances", "ListBuckets", "DescribeSecurityGroups", "GetAccountSummary"}
	credActions    = []string{"CreateAccessKey", "AssumeRole", "CreateUser"}
)

func (g *Generator) entity(i int) string {
	return fmt.Sprintf("user-%03d", i%g.cfg.Entities)
}

func (g *Generator) pick(s []string) string {
	return s[g.rng.Intn(len(s))]
}

// businessTime lands on a weekday between 09:00 and 17:00.
func (g *Generator) businessTime(day int) time.Time {
	d := g.cfg.Start.AddDate(0, 0, day)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Add(time.Duration(9+g.rng.Intn(8))*time.Hour + time.Duration(g.rng.Intn(60))*time.Minute)
}

// offHoursTime lands between 01:00 and 05:00.
func (g *Generator) offHoursTime(day int) time.Time {
	d := g.cfg.Start.AddDate(0, 0, day)
	return d.Add(time.Duration(1+g.rng.Intn(4))*time.Hour + time.Duration(g.rng.Intn(60))*time.Minute)
}

func (g *Generator) newEvent(entity string, ts time.Time) event.NormalizedEvent {
	return event.NormalizedEvent{
		EventID:   uuid.NewString(),
		EntityID:  entity,
		Timestamp: ts,
	}
}

func (g *Generator) normalEvent(i int) event.NormalizedEvent {
	ev := g.newEvent(g.entity(i), g.businessTime(i/g.cfg.Entities))
	ev.Action = g.pick(normalActions)
	ev.Source = g.pick(normalSources)
	ev.Origin = g.pick(internalIPs)
	ev.ReadOnly = ev.Action != "PutObject"
	ev.MFAUsed = true
	if g.rng.Float64() < 0.02 {
		ev.ErrorCode = "AccessDenied"
	}
	return ev
}

// privilegeEscalation: off-hours IAM mutations without MFA, often denied at
// first while the attacker probes what the stolen principal can do.
func (g *Generator) privilegeEscalationEvent(i int) event.NormalizedEvent {
	ev := g.newEvent(g.entity(i), g.offHoursTime(i))
	ev.Action = g.pick(privescActions)
	ev.Source = "iam.amazonaws.com"
	ev.Origin = g.pick(externalIPs)
	ev.ReadOnly = false
	ev.MFAUsed = false
	if g.rng.Float64() < 0.4 {
		ev.ErrorCode = "AccessDenied"
	}
	return ev
}

// dataExfiltration: rapid bulk reads of storage objects and snapshots from
// an external address.
func (g *Generator) dataExfiltrationEvent(i int) event.NormalizedEvent {
	ev := g.newEvent(g.entity(i), g.offHoursTime(i).Add(time.Duration(g.rng.Intn(90))*time.Second))
	ev.Action = g.pick(exfilActions)
	ev.Source = "s3.amazonaws.com"
	ev.Origin = g.pick(externalIPs)
	ev.ReadOnly = true
	ev.MFAUsed = false
	return ev
}

// reconnaissance: wide enumeration across services, mixed success.
func (g *Generator) reconnaissanceEvent(i int) event.NormalizedEvent {
	ev := g.newEvent(g.entity(i), g.offHoursTime(i))
	ev.Action = g.pick(reconActions)
	ev.Source = g.pick(normalSources)
	ev.Origin = g.pick(externalIPs)
	ev.ReadOnly = true
	ev.MFAUsed = false
	if g.rng.Float64() < 0.3 {
		ev.ErrorCode = "AccessDenied"
	}
	return ev
}

// credentialCompromise: key and session minting from unfamiliar addresses,
// heavy failure rate, no MFA.
func (g *Generator) credentialCompromiseEvent(i int) event.NormalizedEvent {
	ev := g.newEvent(g.entity(i), g.offHoursTime(i))
	ev.Action = g.pick(credActions)
	ev.Source = "iam.amazonaws.com"
	ev.Origin = g.pick(externalIPs)
	ev.ReadOnly = false
	ev.MFAUsed = false
	if g.rng.Float64() < 0.6 {
		ev.ErrorCode = "InvalidClientTokenId"
	}
	return ev
}

// Generate produces a labeled corpus sorted by timestamp, Normal-dominant
// with equal shares of each attack class.
func (g *Generator) Generate() *Dataset {
	ds := &Dataset{}
	add := func(ev event.NormalizedEvent, label classifier.Class) {
		ds.Events = append(ds.Events, ev)
		ds.Labels = append(ds.Labels, label)
	}

	for i := 0; i < g.cfg.NormalEvents; i++ {
		add(g.normalEvent(i), classifier.Normal)
	}
	for i := 0; i < g.cfg.AttackEvents; i++ {
		add(g.privilegeEscalationEvent(i), classifier.PrivilegeEscalation)
		add(g.dataExfiltrationEvent(i), classifier.DataExfiltration)
		add(g.reconnaissanceEvent(i), classifier.Reconnaissance)
		add(g.credentialCompromiseEvent(i), classifier.CredentialCompromise)
	}

	ds.sortByTime()
	return ds
}

// sortByTime keeps the corpus in the non-decreasing overall order the
// pipeline expects from ingestion.
func (ds *Dataset) sortByTime() {
	idx := make([]int, len(ds.Events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return ds.Events[idx[a]].Timestamp.Before(ds.Events[idx[b]].Timestamp)
	})

	events := make([]event.NormalizedEvent, len(ds.Events))
	labels := make([]classifier.Class, len(ds.Labels))
	for i, j := range idx {
		events[i] = ds.Events[j]
		labels[i] = ds.Labels[j]
	}
	ds.Events = events
	ds.Labels = labels
}
