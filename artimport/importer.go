package artimport

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence used by the importer. Every data-writing method
// commits the data together with the artefact bookkeeping in a single
// transaction, marking the artefact processed.
type Store interface {
	GetOrCreateCampaign(ctx context.Context, name string, date *time.Time) (int64, error)
	GetOrCreateTest(ctx context.Context, campaignID int64, name, path string) (int64, error)
	FindArtefact(ctx context.Context, path string) (*ArtefactRecord, error)

	ReplaceParams(ctx context.Context, testID int64, params ParamSet, a ArtefactUpdate) error
	UpdateStartTime(ctx context.Context, testID int64, status StatusInfo, a ArtefactUpdate) error
	ReplaceRows(ctx context.Context, testID int64, csv *CombinedCSV, a ArtefactUpdate) error
	SetAnalyzerPath(ctx context.Context, testID int64, path string, a ArtefactUpdate) error

	// MarkArtefactCurrent records an unchanged, already processed artefact.
	MarkArtefactCurrent(ctx context.Context, a ArtefactUpdate) error
	// RegisterArtefact records an artefact as seen but not processed.
	RegisterArtefact(ctx context.Context, a ArtefactUpdate) error

	LogProcessing(ctx context.Context, entry ProcessingEntry) error
	Summary(ctx context.Context, topFailures int) (*Summary, error)
}

const DefaultWorkers = 4

// Importer walks an output tree and imports its artefacts into a Store.
type Importer struct {
	store   Store
	scanner *Scanner
	logger  *zap.Logger
	workers int
	now     func() time.Time
}

type Option func(*Importer)

func WithLogger(logger *zap.Logger) Option {
	return func(im *Importer) {
		im.logger = logger
	}
}

// WithWorkers sets how many files are hashed concurrently.
func WithWorkers(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.workers = n
		}
	}
}

func WithScanner(s *Scanner) Option {
	return func(im *Importer) {
		im.scanner = s
	}
}

func NewImporter(store Store, opts ...Option) *Importer {
	im := &Importer{
		store:   store,
		logger:  zap.NewNop(),
		workers: DefaultWorkers,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(im)
	}

	if im.scanner == nil {
		im.scanner = NewScanner("", "", im.logger)
	}

	im.logger = im.logger.Named("importer")
	return im
}

type testGroup struct {
	name      string
	path      string
	artefacts []int
}

type campaignGroup struct {
	name      string
	loose     []int
	tests     []*testGroup
	testIndex map[string]*testGroup
}

// groupArtefacts groups artefact indexes by campaign and test, keeping
// discovery order at every level.
func groupArtefacts(artefacts []Artefact) []*campaignGroup {
	var campaigns []*campaignGroup
	byName := make(map[string]*campaignGroup)

	for i, a := range artefacts {
		c, ok := byName[a.CampaignName]
		if !ok {
			c = &campaignGroup{name: a.CampaignName, testIndex: make(map[string]*testGroup)}
			byName[a.CampaignName] = c
			campaigns = append(campaigns, c)
		}

		if !a.TestScoped() {
			c.loose = append(c.loose, i)
			continue
		}

		key := a.TestName + "\x00" + a.TestPath
		t, ok := c.testIndex[key]
		if !ok {
			t = &testGroup{name: a.TestName, path: a.TestPath}
			c.testIndex[key] = t
			c.tests = append(c.tests, t)
		}

		t.artefacts = append(t.artefacts, i)
	}

	return campaigns
}

type hashResult struct {
	digest Digest
	err    error
}

// hashAll fingerprints every artefact with a bounded pool of workers.
// Failures are kept per artefact.
func (im *Importer) hashAll(ctx context.Context, artefacts []Artefact) []hashResult {
	results := make([]hashResult, len(artefacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	for i := range artefacts {
		i := i
		g.Go(func() error {
			d, err := HashFile(gctx, artefacts[i].Path)
			results[i] = hashResult{digest: d, err: err}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// ImportDirectory imports every artefact under root. With incremental set,
// artefacts whose stored hash matches and which are already processed are
// skipped. Per-artefact failures are collected in the report; only a
// missing root, a failing scan or cancellation is returned as an error.
func (im *Importer) ImportDirectory(ctx context.Context, root string, incremental bool) (*RunReport, error) {
	report := &RunReport{
		RunID:       uuid.NewString(),
		Root:        root,
		Incremental: incremental,
		Started:     im.now(),
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
	}

	im.logger.Info("Starting import",
		zap.String("root", root),
		zap.Bool("incremental", incremental),
		zap.String("run_id", report.RunID))

	artefacts, err := im.scanner.Scan(root)
	if err != nil {
		return nil, err
	}

	report.Discovered = len(artefacts)
	if len(artefacts) == 0 {
		im.logger.Info("No artefacts found", zap.String("root", root))
		report.Finished = im.now()
		return report, nil
	}

	digests := im.hashAll(ctx, artefacts)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	campaigns := groupArtefacts(artefacts)
	for ci, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		im.logger.Info("Processing campaign",
			zap.String("campaign", c.name),
			zap.Int("index", ci+1),
			zap.Int("total", len(campaigns)))

		campaignID, err := im.store.GetOrCreateCampaign(ctx, c.name, ParseCampaignDate(c.name))
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			im.failGroup(ctx, report, artefacts, c, fmt.Errorf("Can't create campaign %s: %w", c.name, err))
			continue
		}
		report.Campaigns++

		for _, i := range c.loose {
			im.processArtefact(ctx, report, artefacts[i], digests[i], nil)
		}

		for _, t := range c.tests {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			if err := im.importTest(ctx, report, campaignID, t, artefacts, digests); err != nil {
				return report, err
			}
		}
	}

	report.Finished = im.now()
	im.logger.Info("Import complete",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration()))

	return report, ctx.Err()
}

// importTest processes one test's artefacts in kind order: params, status,
// combined CSV, analyzer HTML, then register-only files.
func (im *Importer) importTest(ctx context.Context, report *RunReport, campaignID int64, t *testGroup, artefacts []Artefact, digests []hashResult) error {
	testID, err := im.store.GetOrCreateTest(ctx, campaignID, t.name, t.path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, i := range t.artefacts {
			im.fail(ctx, report, artefacts[i], im.now(), fmt.Errorf("Can't create test %s: %w", t.name, err))
		}

		return nil
	}
	report.Tests++

	im.logger.Debug("Processing test", zap.String("test", t.name), zap.String("path", t.path))

	order := append([]int(nil), t.artefacts...)
	sort.SliceStable(order, func(x, y int) bool {
		return artefacts[order[x]].Kind < artefacts[order[y]].Kind
	})

	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		im.processArtefact(ctx, report, artefacts[i], digests[i], &testID)
	}

	return nil
}

func (im *Importer) processArtefact(ctx context.Context, report *RunReport, a Artefact, h hashResult, testID *int64) {
	started := im.now()

	if h.err != nil {
		im.fail(ctx, report, a, started, h.err)
		return
	}
	report.BytesHashed += h.digest.Size

	update := ArtefactUpdate{
		TestID: testID,
		Type:   a.Type(),
		Path:   a.Path,
		Hash:   h.digest.Sum,
		Size:   h.digest.Size,
	}

	outcome, err := im.apply(ctx, report, a, update)
	if err != nil {
		im.fail(ctx, report, a, started, err)

		// Leave the artefact registered but unprocessed so the next run retries it.
		if regErr := im.store.RegisterArtefact(ctx, update); regErr != nil {
			im.logger.Warn("Can't register failed artefact", zap.String("path", a.Path), zap.Error(regErr))
		}

		return
	}

	switch outcome {
	case OutcomeProcessed:
		report.Processed++
	case OutcomeSkipped:
		report.Skipped++
	case OutcomeRegistered:
		report.Registered++
	}

	im.audit(ctx, report, a.Path, outcome, "", started)
}

func (im *Importer) apply(ctx context.Context, report *RunReport, a Artefact, update ArtefactUpdate) (Outcome, error) {
	existing, err := im.store.FindArtefact(ctx, a.Path)
	if err != nil {
		return "", err
	}

	current := existing != nil && existing.Hash == update.Hash && sameTest(existing.TestID, update.TestID)

	if !a.Kind.Parsed() || update.TestID == nil {
		if report.Incremental && current && !existing.Processed {
			return OutcomeSkipped, nil
		}

		if err := im.store.RegisterArtefact(ctx, update); err != nil {
			return "", err
		}

		return OutcomeRegistered, nil
	}

	if report.Incremental && current && existing.Processed {
		im.logger.Debug("Skipping already processed artefact", zap.String("path", a.Path))
		if err := im.store.MarkArtefactCurrent(ctx, update); err != nil {
			return "", err
		}

		return OutcomeSkipped, nil
	}

	testID := *update.TestID
	log := im.logger.With(zap.String("path", a.Path), zap.String("kind", a.Kind.String()))

	switch a.Kind {
	case KindParams:
		data, err := readArtefact(a.Path)
		if err != nil {
			return "", err
		}

		params, warnings := ParseParams(data)
		im.warn(report, log, warnings)
		log.Info("Importing params", zap.Int("params", len(params.Params)))

		err = im.store.ReplaceParams(ctx, testID, params, update)
		return OutcomeProcessed, err

	case KindStatus:
		data, err := readArtefact(a.Path)
		if err != nil {
			return "", err
		}

		status, warnings := ParseStatus(data)
		im.warn(report, log, warnings)
		log.Info("Importing status")

		err = im.store.UpdateStartTime(ctx, testID, status, update)
		return OutcomeProcessed, err

	case KindCombinedCSV:
		f, err := os.Open(a.Path)
		if err != nil {
			return "", &IOError{Path: a.Path, Err: err}
		}
		defer f.Close()

		combined, err := ParseCombinedCSV(f)
		if err != nil {
			return "", err
		}
		im.warn(report, log, combined.Warnings)

		if err := im.store.ReplaceRows(ctx, testID, combined, update); err != nil {
			return "", err
		}

		log.Info("Imported CSV",
			zap.Int("rows", combined.Rows),
			zap.Int("results", len(combined.Results)),
			zap.Int("logs", len(combined.Logs)),
			zap.String("status", string(combined.Status)))

		return OutcomeProcessed, nil

	case KindAnalyzerHTML:
		log.Info("Recording analyzer page")
		err := im.store.SetAnalyzerPath(ctx, testID, a.Path, update)
		return OutcomeProcessed, err
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownArtefactType, a.Kind)
}

func sameTest(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func readArtefact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	return data, nil
}

func (im *Importer) warn(report *RunReport, log *zap.Logger, warnings []string) {
	for _, w := range warnings {
		log.Debug("Value dropped", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("Artefact imported with warnings", zap.Int("warnings", len(warnings)))
		report.Warnings += len(warnings)
	}
}

func (im *Importer) fail(ctx context.Context, report *RunReport, a Artefact, started time.Time, err error) {
	ae := &ArtefactError{Path: a.Path, Kind: a.Kind, Err: err}
	report.Failed++
	report.Errors = append(report.Errors, ae)

	im.logger.Error("Can't import artefact",
		zap.String("path", a.Path),
		zap.String("type", string(a.Type())),
		zap.String("campaign", a.CampaignName),
		zap.String("test", a.TestName),
		zap.Error(err))

	im.audit(ctx, report, a.Path, OutcomeFailed, err.Error(), started)
}

func (im *Importer) failGroup(ctx context.Context, report *RunReport, artefacts []Artefact, c *campaignGroup, err error) {
	started := im.now()
	for _, i := range c.loose {
		im.fail(ctx, report, artefacts[i], started, err)
	}

	for _, t := range c.tests {
		for _, i := range t.artefacts {
			im.fail(ctx, report, artefacts[i], started, err)
		}
	}
}

func (im *Importer) audit(ctx context.Context, report *RunReport, path string, outcome Outcome, msg string, started time.Time) {
	entry := ProcessingEntry{
		RunID:    report.RunID,
		Path:     path,
		Outcome:  outcome,
		Error:    msg,
		Started:  started,
		Finished: im.now(),
	}

	if err := im.store.LogProcessing(ctx, entry); err != nil {
		im.logger.Warn("Can't write processing log", zap.String("path", path), zap.Error(err))
	}
}
