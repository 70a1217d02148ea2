package bell

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bellbot/internal/config"
)

var ErrInvalidPlan = errors.New("invalid warning plan")

type ActionKind int

const (
	// Announce posts its text into the room.
	Announce ActionKind = iota
	// Expire marks the primary timeout. Every plan has exactly one.
	Expire
)

func (k ActionKind) String() string {
	switch k {
	case Announce:
		return "announce"
	case Expire:
		return "expire"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

type Action struct {
	Kind ActionKind
	Text string
}

// Entry is one step of a plan, due Offset after the last activity.
type Entry struct {
	Offset time.Duration
	Action Action
}

// Plan is an immutable, offset-sorted list of entries with a single Expire.
type Plan struct {
	entries []Entry
	primary time.Duration
}

// NewPlan builds a plan from the primary timeout and Announce entries.
// Ties keep config order, with Expire after every Announce at the same offset.
func NewPlan(primary time.Duration, warnings []Entry) (*Plan, error) {
	if primary <= 0 {
		return nil, fmt.Errorf("%w: primary timeout must be > 0", ErrInvalidPlan)
	}
	entries := make([]Entry, 0, len(warnings)+1)
	for i, w := range warnings {
		if w.Action.Kind != Announce {
			return nil, fmt.Errorf("%w: warning %d: only announce actions allowed", ErrInvalidPlan, i)
		}
		if w.Offset < 0 {
			return nil, fmt.Errorf("%w: warning %d: negative offset", ErrInvalidPlan, i)
		}
		if strings.TrimSpace(w.Action.Text) == "" {
			return nil, fmt.Errorf("%w: warning %d: empty text", ErrInvalidPlan, i)
		}
		entries = append(entries, w)
	}
	entries = append(entries, Entry{Offset: primary, Action: Action{Kind: Expire}})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return &Plan{entries: entries, primary: primary}, nil
}

// PlanFromConfig compiles a watch's timeout and warnings.
func PlanFromConfig(w config.WatchConfig) (*Plan, error) {
	path := "watches[" + w.Room + "]"
	primary, err := config.ParseSpanField(path+".timeout", w.Timeout)
	if err != nil {
		return nil, err
	}
	warnings := make([]Entry, 0, len(w.Warnings))
	for i, wc := range w.Warnings {
		off, err := config.ParseSpanField(fmt.Sprintf("%s.warnings[%d].after", path, i), wc.After)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, Entry{Offset: off, Action: Action{Kind: Announce, Text: wc.Text}})
	}
	p, err := NewPlan(primary, warnings)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Plan) Len() int               { return len(p.entries) }
func (p *Plan) At(i int) Entry         { return p.entries[i] }
func (p *Plan) Primary() time.Duration { return p.primary }

// Entries returns a copy of the plan.
func (p *Plan) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

// MaxOffset is the offset of the last entry; past it nothing else can fire.
func (p *Plan) MaxOffset() time.Duration {
	return p.entries[len(p.entries)-1].Offset
}

// Search returns the index of the first entry whose offset is >= d, or Len.
func (p *Plan) Search(d time.Duration) int {
	return sort.Search(len(p.entries), func(i int) bool { return p.entries[i].Offset >= d })
}
