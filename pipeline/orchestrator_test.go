package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/c360/captureflow/analyzer"
	"github.com/c360/captureflow/artifact"
	"github.com/c360/captureflow/codec"
	"github.com/c360/captureflow/convert"
	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/extract"
	"github.com/c360/captureflow/ledger"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pkg/retry"
	"github.com/c360/captureflow/queue"
	"github.com/c360/captureflow/stage"
	"github.com/c360/captureflow/submit"
)

// knownCapture is the 12 bytes inside the srv1 scenario payload
var knownCapture = []byte("hello world!")

const threeRowTool = `out="$1/$(basename "$2" .pcap).csv"
printf 'src_port,dst_port,proto\n443,51000,tcp\n53,40000,udp\n80,41000,tcp\n' > "$out"
`

type memLedger struct {
	mu      sync.Mutex
	records []ledger.Record
}

func (l *memLedger) Record(_ context.Context, r ledger.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *memLedger) Recent(context.Context, int) ([]ledger.Record, error) { return nil, nil }
func (l *memLedger) Close() error                                          { return nil }

func (l *memLedger) all() []ledger.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Record(nil), l.records...)
}

type OrchestratorSuite struct {
	suite.Suite

	dir      string
	stage    *stage.Stage
	registry *metric.MetricsRegistry
	ledger   *memLedger

	status   atomic.Int32
	reply    atomic.Value
	hits     atomic.Int32
	uploaded chan []byte
	server   *httptest.Server

	toolBody     string
	waitDeadline time.Duration
	cfg          Config
	analyzer     *analyzer.Analyzer
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.dir = s.T().TempDir()
	st, err := stage.New(filepath.Join(s.dir, "stage"))
	s.Require().NoError(err)
	s.stage = st

	s.registry = metric.NewMetricsRegistry()
	s.ledger = &memLedger{}

	s.status.Store(http.StatusOK)
	s.reply.Store("ok")
	s.hits.Store(0)
	s.uploaded = make(chan []byte, 8)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		f, _, err := r.FormFile("file")
		if err == nil {
			data, _ := io.ReadAll(f)
			s.uploaded <- data
		}
		w.WriteHeader(int(s.status.Load()))
		_, _ = io.WriteString(w, s.reply.Load().(string))
	}))

	s.toolBody = threeRowTool
	s.waitDeadline = 2 * time.Second
	s.cfg = Config{
		SubmitRetry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
		MaxDeliveries:            5,
		HaltAfterStagingFailures: 3,
		SecondaryJoinTimeout:     time.Second,
	}
	s.analyzer = nil
}

func (s *OrchestratorSuite) TearDownTest() {
	s.server.Close()
}

func (s *OrchestratorSuite) writeScript(name, body string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func (s *OrchestratorSuite) orchestrator() *Orchestrator {
	extractor := extract.New(extract.Config{
		Binary:       s.writeScript("extract.sh", s.toolBody),
		Args:         []string{extract.OutputDirPlaceholder, extract.InputPlaceholder},
		OutputDir:    s.stage.Dir(stage.ExtractedTable),
		OutputSuffix: ".csv",
		Timeout:      10 * time.Second,
	})
	waiter, err := artifact.NewWaiter(artifact.Config{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		Deadline:     s.waitDeadline,
	}, nil)
	s.Require().NoError(err)
	submitter, err := submit.New(submit.Config{EndpointURL: s.server.URL})
	s.Require().NoError(err)

	o, err := New(Deps{
		Stage:     s.stage,
		Extractor: extractor,
		Waiter:    waiter,
		Converter: convert.New("src_port"),
		Submitter: submitter,
		Analyzer:  s.analyzer,
		Ledger:    s.ledger,
	}, s.cfg, WithMetrics(s.registry.CoreMetrics()))
	s.Require().NoError(err)
	return o
}

func (s *OrchestratorSuite) message(id string) queue.InboundMessage {
	payload, err := codec.Encode(knownCapture, codec.Gzip)
	s.Require().NoError(err)
	return queue.InboundMessage{
		ID:          id,
		Payload:     payload,
		Compression: codec.Gzip,
		ReceivedAt:  time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC),
	}
}

// assertMonotonic checks that no state repeats and exactly one terminal state ends the history
func (s *OrchestratorSuite) assertMonotonic(run *Run) {
	seen := map[State]bool{}
	terminals := 0
	for _, st := range run.History {
		s.False(seen[st], "state %s visited twice in %v", st, run.History)
		seen[st] = true
		if st.Terminal() {
			terminals++
		}
	}
	s.Equal(1, terminals)
	s.Equal(run.State, run.History[len(run.History)-1])
	s.Equal(StateReceived, run.History[0])
}

// assertAckDiscipline checks ack iff DONE and nack iff FAILED
func (s *OrchestratorSuite) assertAckDiscipline(run *Run) {
	if run.State == StateDone {
		s.Equal(queue.Ack, run.Disposition)
		s.Nil(run.Err)
		return
	}
	s.Equal(StateFailed, run.State)
	s.NotEqual(queue.Ack, run.Disposition)
	s.Require().NotNil(run.Err)
}

func (s *OrchestratorSuite) stagedFiles() []string {
	var files []string
	_ = filepath.Walk(s.stage.BaseDir(), func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func (s *OrchestratorSuite) TestDone_Srv1() {
	st, err := stage.New(filepath.Join(s.dir, "kept"), stage.WithRetention(stage.RetentionKeep))
	s.Require().NoError(err)
	s.stage = st

	run := s.orchestrator().Process(context.Background(), s.message("srv1"), 1)

	s.Equal(StateDone, run.State)
	s.Equal(queue.Ack, run.Disposition)
	s.Equal("ok", run.Response)
	s.Equal([]State{
		StateReceived, StateStaged, StateExtracting, StateAwaitingArtifact,
		StateConverted, StateSubmitted, StateDone,
	}, run.History)
	s.assertMonotonic(run)
	s.assertAckDiscipline(run)

	ts := s.message("srv1").ReceivedAt
	decompressed, err := os.ReadFile(s.stage.Path("srv1", ts, stage.DecompressedCapture))
	s.Require().NoError(err)
	s.Equal(knownCapture, decompressed)
	s.Len(decompressed, 12)

	uploaded := <-s.uploaded
	f, err := parquet.OpenFile(bytes.NewReader(uploaded), int64(len(uploaded)))
	s.Require().NoError(err)
	s.Equal(int64(3), f.NumRows())

	kinds := map[stage.Kind]bool{}
	for _, a := range run.Staged {
		kinds[a.Kind] = true
	}
	s.Equal(map[stage.Kind]bool{
		stage.RawCapture: true, stage.DecompressedCapture: true,
		stage.ExtractedTable: true, stage.ColumnarTable: true,
	}, kinds)

	records := s.ledger.all()
	s.Require().Len(records, 1)
	s.Equal("srv1", records[0].MessageID)
	s.Equal("DONE", records[0].State)
	s.Equal("ack", records[0].Disposition)
	s.Equal("ok", records[0].Response)
	s.Equal(string(analyzer.OutcomeDisabled), records[0].Secondary)

	m := s.registry.CoreMetrics()
	s.Equal(1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("DONE", "none")))
	s.Equal(1.0, testutil.ToFloat64(m.Dispositions.WithLabelValues("ack")))
	s.Equal(1.0, testutil.ToFloat64(m.SubmitAttempts.WithLabelValues("success")))
}

func (s *OrchestratorSuite) TestDone_ReleasesArtifacts() {
	run := s.orchestrator().Process(context.Background(), s.message("srv1"), 1)
	s.Require().Equal(StateDone, run.State)
	s.Empty(s.stagedFiles())
}

func (s *OrchestratorSuite) TestDone_RawPayload() {
	msg := queue.InboundMessage{ID: "raw-1", Payload: knownCapture, Compression: codec.Raw, ReceivedAt: time.Now()}
	run := s.orchestrator().Handle(context.Background(), msg, 1)
	s.Equal(queue.Ack, run)
	s.Equal(int32(1), s.hits.Load())
}

func (s *OrchestratorSuite) TestExtractionExit1_Drops() {
	s.toolBody = "echo 'cannot parse capture' >&2\nexit 1\n"

	run := s.orchestrator().Process(context.Background(), s.message("bad"), 1)

	s.Equal(StateFailed, run.State)
	s.Equal(errors.KindExtraction, run.Err.Kind)
	s.Equal(queue.NackDrop, run.Disposition)
	s.Equal([]State{StateReceived, StateStaged, StateExtracting, StateFailed}, run.History)
	s.assertMonotonic(run)
	s.assertAckDiscipline(run)
	s.Equal(int32(0), s.hits.Load())
	s.Empty(s.stagedFiles())
}

func (s *OrchestratorSuite) TestArtifactNeverAppears_TimesOut() {
	s.toolBody = "exit 0\n"
	s.waitDeadline = 2 * time.Second
	o := s.orchestrator()

	start := time.Now()
	run := o.Process(context.Background(), s.message("slow"), 1)
	elapsed := time.Since(start)

	s.Equal(StateFailed, run.State)
	s.Equal(errors.KindArtifactTimeout, run.Err.Kind)
	s.Equal(queue.NackRequeue, run.Disposition)
	s.LessOrEqual(elapsed, 2500*time.Millisecond)
	s.GreaterOrEqual(elapsed, 2*time.Second)
	s.assertMonotonic(run)
	s.assertAckDiscipline(run)
}

func (s *OrchestratorSuite) TestSubmission503_Requeues() {
	s.status.Store(http.StatusServiceUnavailable)
	s.reply.Store("model loading")

	run := s.orchestrator().Process(context.Background(), s.message("busy"), 1)

	s.Equal(StateFailed, run.State)
	s.Equal(errors.KindSubmission, run.Err.Kind)
	s.Equal(queue.NackRequeue, run.Disposition)
	s.Equal(int32(2), s.hits.Load(), "retried in process before failing")
	s.assertMonotonic(run)
	s.assertAckDiscipline(run)
	s.Equal(2.0, testutil.ToFloat64(s.registry.CoreMetrics().SubmitAttempts.WithLabelValues("retryable")))
}

func (s *OrchestratorSuite) TestSubmission503_ThenOK() {
	s.status.Store(http.StatusServiceUnavailable)
	o := s.orchestrator()

	go func() {
		for s.hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		s.status.Store(http.StatusOK)
	}()

	run := o.Process(context.Background(), s.message("flaky"), 1)
	s.Equal(StateDone, run.State)
	s.Equal(queue.Ack, run.Disposition)
}

func (s *OrchestratorSuite) TestSubmission400_Requeues() {
	s.status.Store(http.StatusBadRequest)
	o := s.orchestrator()

	run := o.Process(context.Background(), s.message("rejected"), 1)

	s.Equal(errors.KindSubmission, run.Err.Kind)
	s.True(errors.IsTransient(run.Err))
	s.Equal(queue.NackRequeue, run.Disposition)
	s.Equal(int32(2), s.hits.Load())
	s.assertAckDiscipline(run)

	// The delivery limit still bounds a permanently rejecting endpoint.
	s.Equal(queue.NackDrop, o.Process(context.Background(), s.message("rejected"), 5).Disposition)
}

func (s *OrchestratorSuite) TestMaxDeliveries_Drops() {
	s.status.Store(http.StatusServiceUnavailable)
	o := s.orchestrator()

	s.Equal(queue.NackRequeue, o.Process(context.Background(), s.message("again"), 4).Disposition)
	s.Equal(queue.NackDrop, o.Process(context.Background(), s.message("again"), 5).Disposition)
}

func (s *OrchestratorSuite) TestDecodeError_Drops() {
	msg := s.message("garbled")
	msg.Payload = []byte("!!! not base64 !!!")

	run := s.orchestrator().Process(context.Background(), msg, 1)

	s.Equal(errors.KindDecode, run.Err.Kind)
	s.Equal(queue.NackDrop, run.Disposition)
	s.Equal([]State{StateReceived, StateFailed}, run.History)
	s.Empty(s.stagedFiles())
}

func (s *OrchestratorSuite) TestReject_Drops() {
	disposition := s.orchestrator().Reject(context.Background(), "amqp-9", 1,
		errors.NewPipeline(errors.KindDecode, "queue.Envelope", io.ErrUnexpectedEOF))

	s.Equal(queue.NackDrop, disposition)
	records := s.ledger.all()
	s.Require().Len(records, 1)
	s.Equal("amqp-9", records[0].MessageID)
	s.Equal("DecodeError", records[0].Kind)
	s.Equal([]string{"RECEIVED", "FAILED"}, records[0].History)
}

func (s *OrchestratorSuite) TestStagingFailures_Halt() {
	o := s.orchestrator()
	rawDir := s.stage.Dir(stage.RawCapture)
	blockDir := func() {
		s.Require().NoError(os.RemoveAll(rawDir))
		s.Require().NoError(os.WriteFile(rawDir, []byte("not a directory"), 0o600))
	}
	blockDir()

	for i, want := range []queue.Disposition{queue.NackRequeue, queue.NackRequeue, queue.Halt} {
		run := o.Process(context.Background(), s.message("disk"), 1)
		s.Equal(errors.KindStaging, run.Err.Kind, "run %d", i)
		s.Equal(want, run.Disposition, "run %d", i)
		s.Equal([]State{StateReceived, StateFailed}, run.History)
	}

	// One success resets the streak.
	s.Require().NoError(os.Remove(rawDir))
	s.Require().NoError(os.MkdirAll(rawDir, 0o755))
	s.Equal(queue.Ack, o.Process(context.Background(), s.message("disk"), 1).Disposition)
	blockDir()
	s.Equal(queue.NackRequeue, o.Process(context.Background(), s.message("disk"), 1).Disposition)
}

func (s *OrchestratorSuite) TestMissingTool_Halts() {
	o := s.orchestrator()
	s.Require().NoError(os.Remove(filepath.Join(s.dir, "extract.sh")))

	run := o.Process(context.Background(), s.message("notool"), 1)
	s.Equal(errors.KindExtraction, run.Err.Kind)
	s.Equal(queue.Halt, run.Disposition)
}

func (s *OrchestratorSuite) TestCancelled_Requeues() {
	s.toolBody = "sleep 10\n"
	o := s.orchestrator()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	run := o.Process(ctx, s.message("shutdown"), 1)
	s.Less(time.Since(start), 5*time.Second)
	s.Equal(StateFailed, run.State)
	s.Equal(queue.NackRequeue, run.Disposition)
	s.Empty(s.stagedFiles())
}

func (s *OrchestratorSuite) TestSecondaryJoined() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := analyzer.New(ctx, analyzer.Config{
		Tool: extract.Config{
			Binary:    s.writeScript("secondary.sh", "sleep 10\n"),
			OutputDir: filepath.Join(s.stage.BaseDir(), "secondary"),
		},
		Workers:   1,
		QueueSize: 1,
		Grace:     time.Second,
	})
	s.Require().NoError(err)
	defer a.Close(5 * time.Second)
	s.analyzer = a
	s.cfg.SecondaryJoinTimeout = 100 * time.Millisecond

	run := s.orchestrator().Process(context.Background(), s.message("both"), 1)

	s.Equal(StateDone, run.State, "secondary failure never fails the run")
	s.Equal(analyzer.OutcomeTimeout, run.Secondary.Outcome)
}

func (s *OrchestratorSuite) TestNew_RequiresDeps() {
	_, err := New(Deps{}, DefaultConfig())
	s.True(errors.IsInvalid(err))
}

func TestRun_Transitions(t *testing.T) {
	run := newRun("r", queue.InboundMessage{ID: "m"}, 1)

	if err := run.advance(StateExtracting); err == nil {
		t.Fatal("skipping STAGED must fail")
	}
	for _, st := range []State{StateStaged, StateExtracting, StateAwaitingArtifact, StateConverted, StateSubmitted, StateDone} {
		if err := run.advance(st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	if err := run.advance(StateDone); err == nil {
		t.Fatal("DONE is terminal")
	}

	run.fail(errors.NewPipeline(errors.KindSubmission, "test", io.EOF))
	if run.State != StateDone || run.Err != nil {
		t.Fatal("fail after DONE must be a no-op")
	}
}
