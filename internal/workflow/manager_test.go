package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ripley/internal/drives"
	"ripley/internal/encoding"
	"ripley/internal/logging"
	"ripley/internal/media/ffprobe"
	"ripley/internal/organizer"
	"ripley/internal/queue"
	"ripley/internal/ripping"
	"ripley/internal/services"
	"ripley/internal/testsupport"
)

type stubExtractor struct {
	mu     sync.Mutex
	calls  int
	result *ripping.Result
	err    error
	block  bool
}

func (s *stubExtractor) Extract(ctx context.Context, req ripping.Request) (*ripping.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if req.Progress != nil {
		req.Progress(services.ProgressEvent{Percent: 25, Message: "Extracting title 1"})
		req.Progress(services.ProgressEvent{Percent: 100, Message: "Extraction finished"})
	}
	if s.err != nil {
		return nil, s.err
	}
	result := *s.result
	for i := range result.TitleFiles {
		if result.TitleFiles[i].Path != "" {
			result.TitleFiles[i].Path = filepath.Join(req.DestDir, result.TitleFiles[i].Path)
		}
	}
	return &result, nil
}

type stubTranscoder struct {
	mu      sync.Mutex
	sources []string
	outputs []string
	err     error
}

func (s *stubTranscoder) Transcode(ctx context.Context, req encoding.Request) (*encoding.Result, error) {
	s.mu.Lock()
	s.sources = append(s.sources, req.Source)
	s.outputs = append(s.outputs, req.Output)
	s.mu.Unlock()
	if req.Progress != nil {
		req.Progress(services.ProgressEvent{Percent: 50, Message: "Encoding"})
		req.Progress(services.ProgressEvent{Percent: 100, Message: "Encode finished"})
	}
	if s.err != nil {
		return nil, s.err
	}
	return &encoding.Result{Output: req.Output, Elapsed: 10, Speed: 2}, nil
}

type stubPlacer struct {
	mu       sync.Mutex
	requests []organizer.Request
}

func (s *stubPlacer) Place(ctx context.Context, req organizer.Request) (*organizer.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if req.Progress != nil {
		req.Progress(services.ProgressEvent{Percent: 100, Message: "Placement finished"})
	}
	result := &organizer.Result{}
	for _, artifact := range req.Artifacts {
		result.Placed = append(result.Placed, queue.OutputRecord{
			TitleID: artifact.TitleID,
			Path:    artifact.Path,
		})
	}
	return result, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    []string
}

func (n *recordingNotifier) NotifyDiscDetected(context.Context, string, string) error { return nil }

func (n *recordingNotifier) NotifyJobStarted(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
	return nil
}

func (n *recordingNotifier) NotifyJobCompleted(context.Context, string, int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed++
	return nil
}

func (n *recordingNotifier) NotifyJobFailed(_ context.Context, _ string, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, reason)
	return nil
}

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

type stubEjector struct {
	mu      sync.Mutex
	devices []string
}

func (s *stubEjector) Eject(_ context.Context, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, device)
	return nil
}

func stubInspector(duration float64) ffprobe.Inspector {
	return func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{Format: ffprobe.Format{Duration: fmt.Sprintf("%.1f", duration)}}, nil
	}
}

type managerFixture struct {
	manager    *Manager
	store      *queue.Store
	extractor  *stubExtractor
	transcoder *stubTranscoder
	placer     *stubPlacer
	notifier   *recordingNotifier
	ejector    *stubEjector
	drives     *drives.Manager
}

func newFixture(t *testing.T, extractor *stubExtractor) *managerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	transcoder := &stubTranscoder{}
	placer := &stubPlacer{}
	notifier := &recordingNotifier{}
	ejector := &stubEjector{}
	driveManager := drives.NewManager(cfg.LockDir())
	manager := NewManagerWithDependencies(cfg, store, logging.NewNop(), Dependencies{
		Extractor:  extractor,
		Transcoder: transcoder,
		Placer:     placer,
		Drives:     driveManager,
		Ejector:    ejector,
		Notifier:   notifier,
		Inspect:    stubInspector(3600),
	})
	return &managerFixture{
		manager:    manager,
		store:      store,
		extractor:  extractor,
		transcoder: transcoder,
		placer:     placer,
		notifier:   notifier,
		ejector:    ejector,
		drives:     driveManager,
	}
}

func twoTitleResult() *ripping.Result {
	return &ripping.Result{
		Success: true,
		TitleFiles: []ripping.TitleFile{
			{TitleID: 1, Category: queue.CategoryMain, Path: "title_t01.mkv"},
			{TitleID: 2, Category: queue.CategoryExtra, Path: "title_t02.mkv"},
		},
	}
}

func TestManagerRunsDiscJobToCompletion(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", []queue.TitleSelection{
		{ID: 1, Category: queue.CategoryMain},
		{ID: 2, Category: queue.CategoryExtra},
	})

	fx.manager.runJob(context.Background(), logging.NewNop(), job)

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want %s (%s)", final.Status, queue.StatusCompleted, final.ErrorMessage)
	}
	if final.ProgressPercent != 100 {
		t.Fatalf("final percent = %.1f, want 100", final.ProgressPercent)
	}
	records, err := queue.DecodeOutputs(final.OutputsJSON)
	if err != nil {
		t.Fatalf("DecodeOutputs: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("output records = %d, want 2", len(records))
	}
	if len(fx.transcoder.sources) != 2 {
		t.Fatalf("transcoded sources = %d, want 2", len(fx.transcoder.sources))
	}
	if fx.notifier.started != 1 || fx.notifier.completed != 1 {
		t.Fatalf("notifications started=%d completed=%d, want 1/1", fx.notifier.started, fx.notifier.completed)
	}
	if len(fx.ejector.devices) != 1 {
		t.Fatalf("eject calls = %d, want 1", len(fx.ejector.devices))
	}

	// The drive token must be free again.
	token, err := fx.drives.TryAcquire(job.DriveIndex)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if token == nil {
		t.Fatal("drive token still held after job completion")
	}
	token.Release()
}

func TestManagerOverallPercentMonotonicAcrossStages(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", []queue.TitleSelection{
		{ID: 1, Category: queue.CategoryMain},
		{ID: 2, Category: queue.CategoryExtra},
	})

	events, unsubscribe := fx.manager.Progress(job.ID)
	defer unsubscribe()

	var (
		percents []float64
		wg       sync.WaitGroup
	)
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		for {
			select {
			case event := <-events:
				percents = append(percents, event.Percent)
			case <-done:
				for {
					select {
					case event := <-events:
						percents = append(percents, event.Percent)
					default:
						return
					}
				}
			}
		}
	}()

	fx.manager.runJob(context.Background(), logging.NewNop(), job)
	close(done)
	wg.Wait()

	if len(percents) == 0 {
		t.Fatal("no progress events observed")
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("percent regressed at %d: %.2f -> %.2f", i, percents[i-1], percents[i])
		}
	}
	if final := percents[len(percents)-1]; final != 100 {
		t.Fatalf("final percent = %.2f, want 100", final)
	}
	// Extraction events stay inside its weight band.
	if percents[0] > 50 {
		t.Fatalf("first event %.2f already past extraction band", percents[0])
	}
}

func TestCancelPendingJobTwiceYieldsSameTerminalState(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", nil)

	first, err := fx.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := fx.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if first != queue.StatusCancelled || second != first {
		t.Fatalf("cancel statuses = %s/%s, want %s twice", first, second, queue.StatusCancelled)
	}

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want %s", final.Status, queue.StatusCancelled)
	}
}

func TestCancelRunningJobSettlesCancelled(t *testing.T) {
	extractor := &stubExtractor{block: true}
	fx := newFixture(t, extractor)
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", nil)

	ran := make(chan struct{})
	go func() {
		fx.manager.runJob(context.Background(), logging.NewNop(), job)
		close(ran)
	}()

	waitFor(t, func() bool {
		fx.manager.mu.RLock()
		defer fx.manager.mu.RUnlock()
		_, ok := fx.manager.active[job.ID]
		return ok
	})

	first, err := fx.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel running job: %v", err)
	}
	if first != queue.StatusCancelled {
		t.Fatalf("cancel status = %s, want %s", first, queue.StatusCancelled)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not unwind after cancellation")
	}

	second, err := fx.manager.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second != queue.StatusCancelled {
		t.Fatalf("second cancel status = %s, want %s", second, queue.StatusCancelled)
	}

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want %s", final.Status, queue.StatusCancelled)
	}

	token, err := fx.drives.TryAcquire(job.DriveIndex)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if token == nil {
		t.Fatal("drive token still held after cancellation")
	}
	token.Release()
}

func TestManagerPartialCoverageCompletesWithUnmappedRecord(t *testing.T) {
	result := &ripping.Result{
		Success: true,
		TitleFiles: []ripping.TitleFile{
			{TitleID: 1, Category: queue.CategoryMain, Path: "title_t01.mkv"},
			{TitleID: 2, Category: queue.CategoryExtra, Unmapped: true, Detail: "no artifact produced"},
			{TitleID: 3, Category: queue.CategoryExtra, Path: "title_t03.mkv"},
		},
	}
	fx := newFixture(t, &stubExtractor{result: result})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", []queue.TitleSelection{
		{ID: 1, Category: queue.CategoryMain},
		{ID: 2, Category: queue.CategoryExtra},
		{ID: 3, Category: queue.CategoryExtra},
	})

	fx.manager.runJob(context.Background(), logging.NewNop(), job)

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want %s (%s)", final.Status, queue.StatusCompleted, final.ErrorMessage)
	}
	records, err := queue.DecodeOutputs(final.OutputsJSON)
	if err != nil {
		t.Fatalf("DecodeOutputs: %v", err)
	}
	var placed, unmapped int
	for _, record := range records {
		if record.Unmapped {
			unmapped++
			if record.TitleID != 2 {
				t.Fatalf("unmapped title = %d, want 2", record.TitleID)
			}
		} else {
			placed++
		}
	}
	if placed != 2 || unmapped != 1 {
		t.Fatalf("placed=%d unmapped=%d, want 2/1", placed, unmapped)
	}
}

func TestManagerFailsJobWhenExtractionFails(t *testing.T) {
	wrapped := services.Wrap(services.ErrToolExit, "extraction", "makemkv", "no titles saved", errors.New("exit status 1"))
	fx := newFixture(t, &stubExtractor{err: wrapped})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", nil)

	fx.manager.runJob(context.Background(), logging.NewNop(), job)

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want %s", final.Status, queue.StatusFailed)
	}
	if !strings.Contains(final.ErrorMessage, "no titles saved") {
		t.Fatalf("error message %q missing failure detail", final.ErrorMessage)
	}
	if len(fx.notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(fx.notifier.failed))
	}

	token, err := fx.drives.TryAcquire(job.DriveIndex)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if token == nil {
		t.Fatal("drive token still held after failure")
	}
	token.Release()
}

func TestOutputHintNamesEncodedArtifact(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: &ripping.Result{
		Success:    true,
		TitleFiles: []ripping.TitleFile{{TitleID: 1, Category: queue.CategoryMain, Path: "title_t01.mkv"}},
	}})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", []queue.TitleSelection{
		{ID: 1, Category: queue.CategoryMain, OutputHint: "Feature Cut"},
	})

	fx.manager.runJob(context.Background(), logging.NewNop(), job)

	if len(fx.transcoder.outputs) != 1 {
		t.Fatalf("transcode outputs = %d, want 1", len(fx.transcoder.outputs))
	}
	if base := filepath.Base(fx.transcoder.outputs[0]); base != "Feature Cut.mov" {
		t.Fatalf("encoded output = %q, want hint-derived %q", base, "Feature Cut.mov")
	}
}

func TestTranscodeJobUsesDeviceFieldAsSource(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	source := filepath.Join(t.TempDir(), "movie.mkv")
	testsupport.WriteFile(t, source, 64)

	job, err := fx.manager.Submit(context.Background(), SubmitRequest{
		Kind:      queue.KindTranscode,
		DiscTitle: "Existing Rip",
		Device:    source,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fx.manager.runJob(context.Background(), logging.NewNop(), job)

	final, err := fx.store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want %s (%s)", final.Status, queue.StatusCompleted, final.ErrorMessage)
	}
	if len(fx.transcoder.sources) != 1 || fx.transcoder.sources[0] != source {
		t.Fatalf("transcoder sources = %v, want [%s]", fx.transcoder.sources, source)
	}
	if fx.extractor.calls != 0 {
		t.Fatalf("extractor invoked %d times for transcode job", fx.extractor.calls)
	}
}

func TestSubmitRequiresKind(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	if _, err := fx.manager.Submit(context.Background(), SubmitRequest{DiscTitle: "X"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Submit error = %v, want validation", err)
	}
}

func TestManagerStartPicksUpPendingJob(t *testing.T) {
	fx := newFixture(t, &stubExtractor{result: twoTitleResult()})
	job := testsupport.NewJob(t, fx.store, queue.KindExtract, "Some Disc", []queue.TitleSelection{
		{ID: 1, Category: queue.CategoryMain},
		{ID: 2, Category: queue.CategoryExtra},
	})

	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fx.manager.Stop()

	waitFor(t, func() bool {
		current, err := fx.store.GetByID(context.Background(), job.ID)
		return err == nil && current != nil && current.Status == queue.StatusCompleted
	})

	summary := fx.manager.Status(context.Background())
	if !summary.Running {
		t.Fatal("status reports not running")
	}
	if summary.Queue.Completed != 1 {
		t.Fatalf("queue completed = %d, want 1", summary.Queue.Completed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
