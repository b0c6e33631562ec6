// Package pipeline runs document-based face verification: classify the upload,
// unpack candidate images, detect and score the primary face of each candidate,
// and aggregate the retained matches into a report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
	"github.com/kunleshipo/face-recognition-liveness/internal/logging"
)

// Config holds the per-process settings of a Pipeline.
type Config struct {
	WorkspaceDir string
	// Workers bounds how many candidates of one request are evaluated at once.
	Workers  int
	Policies Policies
}

// Pipeline is safe for concurrent use. Requests share only the read-only models.
type Pipeline struct {
	models     facetools.Models
	classifier *document.Classifier
	unpacker   *document.Unpacker
	cfg        Config
	metrics    *Metrics
	logger     *zap.Logger
}

// New wires a pipeline around already loaded models.
func New(models facetools.Models, classifier *document.Classifier, unpacker *document.Unpacker, cfg Config, metrics *Metrics, logger *zap.Logger) (*Pipeline, error) {
	if err := models.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil || unpacker == nil {
		return nil, errors.New("pipeline requires a classifier and an unpacker")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pipeline{
		models:     models,
		classifier: classifier,
		unpacker:   unpacker,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.Named("pipeline"),
	}, nil
}

// Run verifies one upload for the given route. A report with StatusNoFaceFound is
// a normal result; errors are terminal for the request and nothing is retried.
// A run outlives its caller: cancelling ctx does not abort in-flight model calls.
func (p *Pipeline) Run(ctx context.Context, route Route, requestID string, doc document.Upload) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	report, err := p.run(ctx, route, requestID, doc)
	p.metrics.ObserveRun(route, StatusFor(report, err), time.Since(start))
	return report, err
}

func (p *Pipeline) run(ctx context.Context, route Route, requestID string, doc document.Upload) (*Report, error) {
	policy, ok := p.cfg.Policies[route]
	if !ok {
		return nil, fmt.Errorf("no policy for route %q", route)
	}
	log := logging.WithOperation(p.logger, "pipeline."+string(route), requestID).
		With(zap.String("filename", doc.Filename))

	kind, err := p.classifier.Classify(doc)
	if err != nil {
		log.Info("upload rejected", zap.Error(err))
		return nil, err
	}

	ws, err := document.NewWorkspace(p.cfg.WorkspaceDir, requestID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			log.Warn("failed to release workspace", zap.String("dir", ws.Dir()), zap.Error(err))
		}
	}()

	candidates, err := p.unpacker.Unpack(ws, kind, doc)
	if err != nil {
		log.Warn("unpack failed", zap.Stringer("kind", kind), zap.Error(err))
		return nil, err
	}
	p.metrics.ObserveCandidates(len(candidates))
	log.Debug("upload unpacked", zap.Stringer("kind", kind), zap.Int("candidates", len(candidates)))

	// Each goroutine owns one slot, so the slice keeps candidate order whatever the completion order.
	records := make([]*MatchRecord, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			rec, err := p.evaluate(gctx, policy, candidate)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("candidate evaluation failed", zap.Error(err))
		return nil, err
	}

	report := aggregate(route, kind, records)
	log.Info("verification finished",
		zap.String("status", string(report.Status)),
		zap.Int("candidates", report.Candidates),
		zap.Int("faces", report.FacesDetected),
		zap.Int("matches", len(report.Matches)))
	return report, nil
}

// evaluate returns nil when the candidate has no face.
func (p *Pipeline) evaluate(ctx context.Context, policy Policy, candidate document.Candidate) (*MatchRecord, error) {
	face, err := p.extract(ctx, candidate)
	if err != nil || face == nil {
		return nil, err
	}
	rec, err := p.score(ctx, policy, candidate, *face)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// extract selects the primary face: index 0 of the detector output, whatever
// ordering the detector uses.
func (p *Pipeline) extract(ctx context.Context, candidate document.Candidate) (*facetools.Face, error) {
	faces, err := p.models.Detector.DetectFaces(ctx, candidate.Image)
	if err != nil {
		return nil, &FaceDetectionError{SourcePage: candidate.SourcePage, Err: err}
	}
	if len(faces) == 0 {
		p.logger.Debug("no face in candidate", logging.SourcePage(candidate.SourcePage))
		return nil, nil
	}
	primary := faces[0]
	return &primary, nil
}

func (p *Pipeline) score(ctx context.Context, policy Policy, candidate document.Candidate, face facetools.Face) (MatchRecord, error) {
	identity, err := p.models.Identity.ScoreIdentity(ctx, face.Crop)
	if err != nil {
		return MatchRecord{}, &ScoringError{Stage: "identity", SourcePage: candidate.SourcePage, Err: err}
	}

	rec := MatchRecord{
		IdentityMin:  identity.Min,
		IdentityMean: identity.Mean,
		Match:        identity.Match,
		Passed:       policy.Accepts(identity),
		SourcePage:   candidate.SourcePage,
		Box:          face.Box,
	}
	if policy.RequireLiveness {
		raw, err := p.models.Liveness.ScoreLiveness(ctx, face.Crop)
		if err != nil {
			return MatchRecord{}, &ScoringError{Stage: "liveness", SourcePage: candidate.SourcePage, Err: err}
		}
		reported := policy.ReportedLiveness(raw)
		rec.Liveness = &reported
	}
	return rec, nil
}
