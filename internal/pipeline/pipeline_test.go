package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
)

type stubDetector struct {
	calls  atomic.Int32
	detect func(img image.Image) ([]facetools.Face, error)
}

func (s *stubDetector) DetectFaces(ctx context.Context, img image.Image) ([]facetools.Face, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.detect(img)
}

// wholeImageFace reports the whole image as a single face.
func wholeImageFace(img image.Image) ([]facetools.Face, error) {
	return []facetools.Face{{Crop: img, Box: img.Bounds()}}, nil
}

// stubIdentity scores a crop by its width so tests can tell candidates apart.
type stubIdentity struct {
	calls atomic.Int32
	err   error
	fixed *facetools.IdentityScore
}

func (s *stubIdentity) ScoreIdentity(ctx context.Context, face image.Image) (facetools.IdentityScore, error) {
	s.calls.Add(1)
	if s.err != nil {
		return facetools.IdentityScore{}, s.err
	}
	if s.fixed != nil {
		return *s.fixed, nil
	}
	w := float64(face.Bounds().Dx())
	return facetools.IdentityScore{
		Min:   w / 200,
		Mean:  w / 100,
		Match: &facetools.GalleryMatch{Filename: "facebank/subject.png", Score: w / 100},
	}, nil
}

type stubLiveness struct {
	calls atomic.Int32
	score float64
}

func (s *stubLiveness) ScoreLiveness(ctx context.Context, face image.Image) (float64, error) {
	s.calls.Add(1)
	return s.score, nil
}

type harness struct {
	pipeline     *Pipeline
	detector     *stubDetector
	identity     *stubIdentity
	liveness     *stubLiveness
	workspaceDir string
}

func newHarness(t *testing.T, detect func(image.Image) ([]facetools.Face, error), opts ...document.Option) *harness {
	t.Helper()
	h := &harness{
		detector:     &stubDetector{detect: detect},
		identity:     &stubIdentity{},
		liveness:     &stubLiveness{score: 0.4},
		workspaceDir: t.TempDir(),
	}
	classifier, err := document.NewClassifier([]string{"pdf", "jpg", "jpeg", "png"})
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	policies := NewPolicies(Thresholds{Identity: math.Inf(-1), DocumentMatch: 0.5, LivenessCutoff: 0.6, LivenessSentinel: 0.95})
	p, err := New(
		facetools.Models{Detector: h.detector, Identity: h.identity, Liveness: h.liveness},
		classifier,
		document.NewUnpacker(zap.NewNop(), opts...),
		Config{WorkspaceDir: h.workspaceDir, Workers: 4, Policies: policies},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	h.pipeline = p
	return h
}

func (h *harness) assertWorkspaceClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workspaceDir)
	if err != nil {
		t.Fatalf("read workspace dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no artifacts after the request, found %d", len(entries))
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// pages builds a fake extractor; pageNrs are pdfcpu's 1-based numbers in storage order,
// and every image on page n is 10*n pixels wide.
func pages(t *testing.T, pageNrs ...int) document.Option {
	t.Helper()
	images := make([][]byte, len(pageNrs))
	for i, nr := range pageNrs {
		images[i] = pngBytes(t, 10*nr, 10)
	}
	return document.WithExtractor(func(rs io.ReadSeeker, digest func(model.Image) error) error {
		for i, nr := range pageNrs {
			if err := digest(model.Image{Reader: bytes.NewReader(images[i]), FileType: "png", PageNr: nr, ObjNr: 100 - i}); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestRunSingleImageWithOneFace(t *testing.T) {
	h := newHarness(t, wholeImageFace)

	report, err := h.pipeline.Run(context.Background(), RouteMain, "req-1", document.NewUpload("selfie.png", pngBytes(t, 40, 40)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != StatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	primary, ok := report.Primary()
	if !ok {
		t.Fatal("expected a primary match")
	}
	if primary.IdentityMin != 0.2 || primary.IdentityMean != 0.4 {
		t.Fatalf("unexpected identity scores %+v", primary)
	}
	if primary.SourcePage != nil {
		t.Fatalf("direct upload should have no page, got %d", *primary.SourcePage)
	}
	if primary.Liveness == nil || *primary.Liveness != 0.4 {
		t.Fatalf("expected verbatim liveness 0.4, got %v", primary.Liveness)
	}
	h.assertWorkspaceClean(t)
}

func TestRunSingleImageAcceptsNegativeScore(t *testing.T) {
	h := newHarness(t, wholeImageFace)
	h.identity.fixed = &facetools.IdentityScore{Min: -0.3, Mean: -0.1}

	report, err := h.pipeline.Run(context.Background(), RouteMain, "req-neg", document.NewUpload("selfie.png", pngBytes(t, 40, 40)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != StatusOK {
		t.Fatalf("a detected face must be reported on single-image routes, got %s", report.Status)
	}
	primary, _ := report.Primary()
	if primary.IdentityMean != -0.1 || primary.IdentityMin != -0.3 {
		t.Fatalf("expected verbatim scores, got %+v", primary)
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, wholeImageFace)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.pipeline.Run(ctx, RouteMain, "req-gone", document.NewUpload("selfie.png", pngBytes(t, 40, 40)))
	if err != nil {
		t.Fatalf("a departed caller must not abort the run, got %v", err)
	}
	if report.Status != StatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	h.assertWorkspaceClean(t)
}

func TestRunIdentityRouteSkipsLiveness(t *testing.T) {
	h := newHarness(t, wholeImageFace)

	report, err := h.pipeline.Run(context.Background(), RouteIdentity, "req-2", document.NewUpload("selfie.jpg.png", pngBytes(t, 30, 30)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Matches[0].Liveness != nil {
		t.Fatal("identity route must not report liveness")
	}
	if h.liveness.calls.Load() != 0 {
		t.Fatalf("liveness model called %d times", h.liveness.calls.Load())
	}
}

func TestRunWithoutFacesReportsNoFaceFound(t *testing.T) {
	h := newHarness(t, func(image.Image) ([]facetools.Face, error) { return nil, nil })

	report, err := h.pipeline.Run(context.Background(), RouteMain, "req-3", document.NewUpload("blank.png", pngBytes(t, 20, 20)))
	if err != nil {
		t.Fatalf("no face must not be an error, got %v", err)
	}
	if report.Status != StatusNoFaceFound {
		t.Fatalf("expected no_face_found, got %s", report.Status)
	}
	if len(report.Matches) != 0 || report.FacesDetected != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.identity.calls.Load() != 0 {
		t.Fatal("identity model must not run without a face")
	}
	h.assertWorkspaceClean(t)
}

func TestRunContainerWithoutImagesReportsNoFaceFound(t *testing.T) {
	h := newHarness(t, wholeImageFace, pages(t))

	report, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-4", document.NewUpload("empty.pdf", []byte("%PDF")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != StatusNoFaceFound || report.Candidates != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.detector.calls.Load() != 0 {
		t.Fatal("detector must not run without candidates")
	}
}

func TestRunUnsupportedTypeInvokesNoCollaborator(t *testing.T) {
	h := newHarness(t, wholeImageFace)

	_, err := h.pipeline.Run(context.Background(), RouteMain, "req-5", document.NewUpload("notes.txt", []byte("hello")))
	var unsupported *document.UnsupportedTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedTypeError, got %v", err)
	}
	if StatusFor(nil, err) != StatusUnsupportedType {
		t.Fatalf("unexpected status %s", StatusFor(nil, err))
	}
	if n := h.detector.calls.Load() + h.identity.calls.Load() + h.liveness.calls.Load(); n != 0 {
		t.Fatalf("expected no collaborator calls, got %d", n)
	}
	h.assertWorkspaceClean(t)
}

func TestRunDetectionFaultAbortsRequest(t *testing.T) {
	fault := errors.New("detector crashed")
	h := newHarness(t, func(image.Image) ([]facetools.Face, error) { return nil, fault }, pages(t, 1, 2))

	report, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-6", document.NewUpload("scan.pdf", []byte("%PDF")))
	if report != nil {
		t.Fatal("no partial report on a detection fault")
	}
	var detectionErr *FaceDetectionError
	if !errors.As(err, &detectionErr) {
		t.Fatalf("expected FaceDetectionError, got %v", err)
	}
	if !errors.Is(err, fault) {
		t.Fatal("detector cause should be preserved")
	}
	if StatusFor(nil, err) != StatusInternalError {
		t.Fatalf("unexpected status %s", StatusFor(nil, err))
	}
	h.assertWorkspaceClean(t)
}

func TestRunScoringFaultAbortsRequest(t *testing.T) {
	h := newHarness(t, wholeImageFace)
	h.identity.err = errors.New("facebank unavailable")

	_, err := h.pipeline.Run(context.Background(), RouteIdentity, "req-7", document.NewUpload("selfie.png", pngBytes(t, 10, 10)))
	var scoringErr *ScoringError
	if !errors.As(err, &scoringErr) || scoringErr.Stage != "identity" {
		t.Fatalf("expected identity ScoringError, got %v", err)
	}
}

func TestRunParseErrorCleansWorkspace(t *testing.T) {
	h := newHarness(t, wholeImageFace)

	_, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-8", document.NewUpload("broken.pdf", []byte("not a pdf at all")))
	var parseErr *document.DocumentParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected DocumentParseError, got %v", err)
	}
	h.assertWorkspaceClean(t)
}

func TestRunOrdersMatchesByPageRegardlessOfCompletion(t *testing.T) {
	// The page-3 image finishes first and the page-1 image last.
	delays := map[int]time.Duration{30: 0, 10: 40 * time.Millisecond, 20: 20 * time.Millisecond}
	h := newHarness(t, func(img image.Image) ([]facetools.Face, error) {
		time.Sleep(delays[img.Bounds().Dx()])
		return wholeImageFace(img)
	}, pages(t, 3, 1, 2))

	report, err := h.pipeline.Run(context.Background(), RouteMain, "req-9", document.NewUpload("scan.pdf", []byte("%PDF")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(report.Matches))
	}
	for i, rec := range report.Matches {
		if rec.SourcePage == nil || *rec.SourcePage != i {
			t.Fatalf("match %d: expected page %d, got %v", i, i, rec.SourcePage)
		}
		if want := float64(10*(i+1)) / 100; rec.IdentityMean != want {
			t.Fatalf("match %d: expected mean %v, got %v", i, want, rec.IdentityMean)
		}
	}
	h.assertWorkspaceClean(t)
}

func TestRunDocumentWithImageOnSecondPageOnly(t *testing.T) {
	h := newHarness(t, wholeImageFace, pages(t, 2))

	report, err := h.pipeline.Run(context.Background(), RouteLivenessMod, "req-10", document.NewUpload("id-card.pdf", []byte("%PDF")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != StatusOK || len(report.Matches) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if page := report.Matches[0].SourcePage; page == nil || *page != 1 {
		t.Fatalf("expected source page 1, got %v", page)
	}
}

func TestRunDocumentAppliesMatchThreshold(t *testing.T) {
	// Page 1 scores a mean of 0.1 and page 6 a mean of 0.6 against a 0.5 threshold.
	h := newHarness(t, wholeImageFace, pages(t, 1, 6))

	report, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-11", document.NewUpload("scan.pdf", []byte("%PDF")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FacesDetected != 2 {
		t.Fatalf("expected 2 detected faces, got %d", report.FacesDetected)
	}
	if len(report.Matches) != 1 || *report.Matches[0].SourcePage != 5 {
		t.Fatalf("expected only the page-5 match to be retained, got %+v", report.Matches)
	}
	if !report.Matches[0].Passed {
		t.Fatal("retained matches must have passed")
	}
}

func TestRunDocumentBelowThresholdIsNoFaceFound(t *testing.T) {
	h := newHarness(t, wholeImageFace, pages(t, 1))

	report, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-12", document.NewUpload("scan.pdf", []byte("%PDF")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != StatusNoFaceFound || report.FacesDetected != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunUsesPrimaryFace(t *testing.T) {
	h := newHarness(t, func(img image.Image) ([]facetools.Face, error) {
		return []facetools.Face{
			{Crop: image.NewRGBA(image.Rect(0, 0, 25, 25)), Box: image.Rect(0, 0, 25, 25)},
			{Crop: image.NewRGBA(image.Rect(0, 0, 90, 90)), Box: image.Rect(5, 5, 95, 95)},
		}, nil
	})

	report, err := h.pipeline.Run(context.Background(), RouteIdentity, "req-13", document.NewUpload("group.png", pngBytes(t, 100, 100)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Matches) != 1 {
		t.Fatalf("one face per candidate, got %d", len(report.Matches))
	}
	if report.Matches[0].IdentityMean != 0.25 || report.Matches[0].Box != image.Rect(0, 0, 25, 25) {
		t.Fatalf("expected the index-0 face, got %+v", report.Matches[0])
	}
	if h.identity.calls.Load() != 1 {
		t.Fatalf("expected a single identity call, got %d", h.identity.calls.Load())
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, wholeImageFace, pages(t, 2, 7))
	doc := document.NewUpload("scan.pdf", []byte("%PDF"))

	first, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-14a", doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "req-14b", doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.Matches, second.Matches) {
		t.Fatalf("repeated runs differ:\n%+v\n%+v", first.Matches, second.Matches)
	}
}

func TestConcurrentRunsUseSeparateWorkspaces(t *testing.T) {
	var (
		mu   sync.Mutex
		dirs = map[string]bool{}
	)
	h := newHarness(t, wholeImageFace, document.WithExtractor(func(rs io.ReadSeeker, digest func(model.Image) error) error {
		f := rs.(*os.File)
		mu.Lock()
		dirs[f.Name()] = true
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.pipeline.Run(context.Background(), RouteVerifyDocument, "same-request", document.NewUpload("scan.pdf", []byte("%PDF"))); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(dirs) != 8 {
		t.Fatalf("expected 8 distinct staged files, got %d", len(dirs))
	}
	h.assertWorkspaceClean(t)
}

func TestRunRecordsMetrics(t *testing.T) {
	h := newHarness(t, wholeImageFace)
	reg := prometheus.NewRegistry()
	h.pipeline.metrics = NewMetrics(reg)

	if _, err := h.pipeline.Run(context.Background(), RouteMain, "req-15", document.NewUpload("selfie.png", pngBytes(t, 10, 10))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.pipeline.Run(context.Background(), RouteMain, "req-16", document.NewUpload("notes.txt", nil)); err == nil {
		t.Fatal("expected unsupported type")
	}

	if got := testutil.ToFloat64(h.pipeline.metrics.Outcomes.WithLabelValues("main", "ok")); got != 1 {
		t.Fatalf("expected 1 ok outcome, got %v", got)
	}
	if got := testutil.ToFloat64(h.pipeline.metrics.Outcomes.WithLabelValues("main", "unsupported_type")); got != 1 {
		t.Fatalf("expected 1 unsupported outcome, got %v", got)
	}
}

func TestRunRejectsUnknownRoute(t *testing.T) {
	h := newHarness(t, wholeImageFace)

	if _, err := h.pipeline.Run(context.Background(), Route("enroll"), "req-17", document.NewUpload("selfie.png", pngBytes(t, 10, 10))); err == nil {
		t.Fatal("expected error for a route without policy")
	}
}

func TestNewRequiresAllModels(t *testing.T) {
	classifier, _ := document.NewClassifier([]string{"png"})
	_, err := New(facetools.Models{Detector: &stubDetector{detect: wholeImageFace}}, classifier, document.NewUnpacker(zap.NewNop()), Config{}, nil, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for missing scorers")
	}
}

func TestPixelsSurviveDecode(t *testing.T) {
	var seen color.Color
	h := newHarness(t, func(img image.Image) ([]facetools.Face, error) {
		seen = img.At(0, 0)
		return nil, nil
	})
	if _, err := h.pipeline.Run(context.Background(), RouteIdentity, "req-18", document.NewUpload("white.png", pngBytes(t, 3, 3))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, g, b, a := seen.RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff || a != 0xffff {
		t.Fatalf("expected white pixel, got %v", seen)
	}
}
