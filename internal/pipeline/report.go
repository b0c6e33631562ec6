package pipeline

import (
	"image"
	"sort"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
)

// Status is the overall outcome of a request.
type Status string

const (
	StatusOK              Status = "ok"
	StatusNoFaceFound     Status = "no_face_found"
	StatusUnsupportedType Status = "unsupported_type"
	StatusInternalError   Status = "internal_error"
)

// MatchRecord is the scored primary face of one candidate image. It is built
// once and never modified.
type MatchRecord struct {
	IdentityMin  float64
	IdentityMean float64
	Match        *facetools.GalleryMatch
	// Liveness is the reported liveness score, nil when the route does not check liveness.
	Liveness   *float64
	Passed     bool
	SourcePage *int
	Box        image.Rectangle
}

// Report aggregates the retained matches of one request in document order.
type Report struct {
	Route   Route
	Source  document.Kind
	Status  Status
	Matches []MatchRecord
	// Candidates and FacesDetected count all inputs, including rejected ones.
	Candidates    int
	FacesDetected int
}

// Primary returns the first retained match in document order.
func (r *Report) Primary() (MatchRecord, bool) {
	if r == nil || len(r.Matches) == 0 {
		return MatchRecord{}, false
	}
	return r.Matches[0], true
}

// aggregate keeps the records that passed the policy. records is indexed by
// candidate position; a nil entry is a candidate without a face.
func aggregate(route Route, source document.Kind, records []*MatchRecord) *Report {
	report := &Report{
		Route:      route,
		Source:     source,
		Matches:    []MatchRecord{},
		Candidates: len(records),
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		report.FacesDetected++
		if rec.Passed {
			report.Matches = append(report.Matches, *rec)
		}
	}

	sort.SliceStable(report.Matches, func(i, j int) bool {
		return pageKey(report.Matches[i].SourcePage) < pageKey(report.Matches[j].SourcePage)
	})

	report.Status = StatusOK
	if len(report.Matches) == 0 {
		report.Status = StatusNoFaceFound
	}
	return report
}

func pageKey(page *int) int {
	if page == nil {
		return -1
	}
	return *page
}
