// Package pipeline runs the monitoring cycle: fetch every configured
// source, parse items, diff against baselines, match changes to
// subscribers, and notify. Sources are isolated from each other; one
// broken page never blocks alerts from the rest.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"agendawatch/internal/config"
	"agendawatch/internal/diff"
	"agendawatch/internal/fetch"
	"agendawatch/internal/match"
	"agendawatch/internal/notify"
	"agendawatch/internal/parse"
	"agendawatch/internal/snapshot"
	"agendawatch/internal/store"
)

// Run statuses persisted to the run report.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// StepResult reports the outcome of one pipeline stage.
type StepResult struct {
	Name     string
	Detail   string
	Err      error
	Duration time.Duration
}

// Result is the outcome of one full run.
type Result struct {
	RunID          string
	Steps          []StepResult
	SourcesChecked int
	SourcesFailed  int
	ChangesFound   int
	Matched        int
	Sent           int
	Skipped        int
	SendFailed     int
}

// Status summarizes the run as ok, partial, or failed. A run is partial
// when some sources or some sends failed, and failed when every source
// failed.
func (r *Result) Status() string {
	if r.SourcesChecked > 0 && r.SourcesFailed == r.SourcesChecked {
		return StatusFailed
	}
	if r.SourcesFailed > 0 || r.SendFailed > 0 {
		return StatusPartial
	}
	return StatusOK
}

// ExitCode maps the run status to a process exit code: 0 ok, 2 partial,
// 1 failed.
func (r *Result) ExitCode() int {
	switch r.Status() {
	case StatusFailed:
		return 1
	case StatusPartial:
		return 2
	default:
		return 0
	}
}

// Pipeline wires the stages together over one store and config.
type Pipeline struct {
	cfg      *config.Config
	st       *store.Store
	fetcher  *fetch.Fetcher
	parser   *parse.Parser
	differ   *diff.Differ
	notifier *notify.Notifier
	snaps    *snapshot.Store
	lockPath string
	verbose  bool
}

// New builds a pipeline from config. The sender is injected so tests and
// dry runs can swap the mail backend.
func New(cfg *config.Config, st *store.Store, sender notify.Sender, verbose bool) *Pipeline {
	dataDir := cfg.GetDataDir()

	sourceNames := make(map[string]string, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sourceNames[src.ID] = src.Name
	}

	return &Pipeline{
		cfg:     cfg,
		st:      st,
		fetcher: fetch.New(time.Duration(cfg.Fetch.TimeoutSeconds)*time.Second, cfg.Fetch.MaxAttempts, time.Duration(cfg.Fetch.MinDomainDelaySeconds)*time.Second),
		parser:  parse.New(),
		differ:  diff.New(st, cfg.Diff.ModifiedPolicy),
		notifier: notify.New(st, sender, cfg.Email.From, cfg.Email.MaxAttempts,
			filepath.Join(dataDir, "outbox.jsonl"), sourceNames),
		snaps:    snapshot.NewStore(filepath.Join(dataDir, "snapshots")),
		lockPath: filepath.Join(dataDir, "run.lock"),
		verbose:  verbose,
	}
}

// Run executes one monitoring cycle. It refuses to start while another
// run holds the lock.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(p.cfg.GetDataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lock, err := acquireLock(p.lockPath)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	now := time.Now()
	res := &Result{RunID: snapshot.NewRunID(now)}

	// Load the roster before opening the run report so a config problem
	// fails fast instead of leaving a forever-in-progress run row.
	subscribers, err := p.cfg.LoadSubscribers()
	if err != nil {
		return nil, fmt.Errorf("loading subscribers: %w", err)
	}

	runID, err := p.st.StartRun()
	if err != nil {
		return nil, err
	}

	changes := p.collectChanges(ctx, now, res)

	matchStart := time.Now()
	pairs := match.Match(changes, subscribers, p.cfg.Match.Mode)
	res.Matched = len(pairs)
	res.Steps = append(res.Steps, StepResult{
		Name:     "match",
		Detail:   fmt.Sprintf("%d changes matched to %d deliveries", len(changes), len(pairs)),
		Duration: time.Since(matchStart),
	})

	// Replay messages deferred by earlier runs before delivering the new
	// pairs, then fold both into one notify step.
	notifyStart := time.Now()
	delivery, err := p.notifier.ReplayOutbox(ctx)
	replayedSent := delivery.Sent
	if err == nil {
		var fresh notify.Result
		fresh, err = p.notifier.Deliver(ctx, pairs)
		delivery.Sent += fresh.Sent
		delivery.Skipped += fresh.Skipped
		delivery.Failed += fresh.Failed
	}
	res.Sent = delivery.Sent
	res.Skipped = delivery.Skipped
	res.SendFailed = delivery.Failed
	res.Steps = append(res.Steps, StepResult{
		Name: "notify",
		Detail: fmt.Sprintf("%d sent (%d replayed), %d skipped, %d failed",
			delivery.Sent, replayedSent, delivery.Skipped, delivery.Failed),
		Err:      err,
		Duration: time.Since(notifyStart),
	})
	if err != nil {
		p.finish(runID, res)
		return res, fmt.Errorf("delivering notifications: %w", err)
	}

	if days := p.cfg.Fetch.SnapshotRetentionDays; days > 0 {
		pruned, err := p.snaps.Prune(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			log.Printf("pruning snapshots: %v", err)
		} else if pruned > 0 && p.verbose {
			log.Printf("pruned %d old snapshot runs", pruned)
		}
	}

	p.finish(runID, res)
	return res, nil
}

// collectChanges runs fetch, parse, and diff per source and appends the
// three step results. Failures are recorded in source health and the run
// manifest but do not abort the remaining sources.
func (p *Pipeline) collectChanges(ctx context.Context, now time.Time, res *Result) []store.Change {
	manifest := &snapshot.Manifest{
		RunID:     res.RunID,
		StartedAt: now.UTC().Format("2006-01-02T15:04:05Z"),
	}

	var (
		changes    []store.Change
		itemsTotal int
		fetchDur   time.Duration
		parseDur   time.Duration
		diffDur    time.Duration
	)

	for _, src := range p.cfg.Sources {
		res.SourcesChecked++
		entry := snapshot.Entry{
			SourceID:  src.ID,
			URL:       src.URL,
			FetchedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		}

		fetchStart := time.Now()
		fetched, err := p.fetcher.Fetch(ctx, src.URL)
		fetchDur += time.Since(fetchStart)
		if err != nil {
			p.recordFailure(src.ID, err, &entry)
			res.SourcesFailed++
			manifest.Entries = append(manifest.Entries, entry)
			continue
		}

		if _, healthErr := p.st.RecordSourceCheck(src.ID, true, ""); healthErr != nil {
			log.Printf("recording health for %s: %v", src.ID, healthErr)
		}

		entry.StatusCode = fetched.StatusCode
		entry.ContentType = fetched.ContentType
		relPath, sum, err := p.snaps.Write(res.RunID, src.ID, fetched.Content, fetched.ContentType)
		if err != nil {
			log.Printf("writing snapshot for %s: %v", src.ID, err)
		} else {
			entry.Path = relPath
			entry.SHA256 = sum
		}
		manifest.Entries = append(manifest.Entries, entry)

		parseStart := time.Now()
		parsed := p.parser.Parse(src, fetched.Content)
		parseDur += time.Since(parseStart)
		for _, warning := range parsed.Warnings {
			log.Printf("parsing %s: %s", src.ID, warning)
		}
		itemsTotal += len(parsed.Items)

		diffStart := time.Now()
		srcChanges, err := p.differ.DiffSource(src.ID, parsed.Items, now)
		diffDur += time.Since(diffStart)
		if err != nil {
			log.Printf("diffing %s: %v", src.ID, err)
			res.SourcesFailed++
			continue
		}
		changes = append(changes, srcChanges...)
		if p.verbose {
			log.Printf("source %s: %d items, %d changes", src.ID, len(parsed.Items), len(srcChanges))
		}
	}

	if err := p.snaps.WriteManifest(res.RunID, manifest); err != nil {
		log.Printf("writing run manifest: %v", err)
	}

	res.ChangesFound = len(changes)
	res.Steps = append(res.Steps,
		StepResult{
			Name:     "fetch",
			Detail:   fmt.Sprintf("%d/%d sources fetched", res.SourcesChecked-res.SourcesFailed, res.SourcesChecked),
			Duration: fetchDur,
		},
		StepResult{
			Name:     "parse",
			Detail:   fmt.Sprintf("%d items extracted", itemsTotal),
			Duration: parseDur,
		},
		StepResult{
			Name:     "diff",
			Detail:   fmt.Sprintf("%d changes detected", len(changes)),
			Duration: diffDur,
		},
	)
	return changes
}

func (p *Pipeline) recordFailure(sourceID string, fetchErr error, entry *snapshot.Entry) {
	entry.Error = fetchErr.Error()
	log.Printf("fetching %s: %v", sourceID, fetchErr)

	failures, err := p.st.RecordSourceCheck(sourceID, false, fetchErr.Error())
	if err != nil {
		log.Printf("recording health for %s: %v", sourceID, err)
		return
	}
	if failures >= 3 {
		log.Printf("source %s is down after %d consecutive failures", sourceID, failures)
	}
}

func (p *Pipeline) finish(runID int64, res *Result) {
	report := store.RunReport{
		SourcesChecked: res.SourcesChecked,
		SourcesFailed:  res.SourcesFailed,
		ChangesFound:   res.ChangesFound,
		Sent:           res.Sent,
		SendFailed:     res.SendFailed,
		Status:         res.Status(),
	}
	if err := p.st.FinishRun(runID, report); err != nil {
		log.Printf("finishing run report: %v", err)
	}
}
