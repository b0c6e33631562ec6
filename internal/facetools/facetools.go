// Package facetools defines the contracts of the face models the verification
// pipeline consumes: detection, identity similarity against the facebank, and
// liveness classification. The models run out of process; see grpcclient.
package facetools

import (
	"context"
	"errors"
	"image"
)

// Face is one detection: the cropped face and where it was found in the source image.
type Face struct {
	Crop image.Image
	Box  image.Rectangle
}

// GalleryMatch is the facebank entry closest to a face.
type GalleryMatch struct {
	Filename string
	Score    float64
}

// IdentityScore is the similarity of one face against the facebank.
// Match is nil when the model does not report a nearest entry.
type IdentityScore struct {
	Min   float64
	Mean  float64
	Match *GalleryMatch
}

// Detector finds faces in an image. An empty result means no face is present;
// a non-nil error means detection itself failed.
type Detector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]Face, error)
}

// IdentityScorer compares a face crop against the preloaded facebank.
type IdentityScorer interface {
	ScoreIdentity(ctx context.Context, face image.Image) (IdentityScore, error)
}

// LivenessScorer returns the confidence that a face crop shows a live subject.
type LivenessScorer interface {
	ScoreLiveness(ctx context.Context, face image.Image) (float64, error)
}

// Models bundles the loaded collaborators. It is built once before serving and
// shared read-only by every request, so implementations must be safe for
// concurrent use.
type Models struct {
	Detector Detector
	Identity IdentityScorer
	Liveness LivenessScorer
}

// Validate reports which collaborators are missing.
func (m Models) Validate() error {
	var errs []error
	if m.Detector == nil {
		errs = append(errs, errors.New("face detector is not configured"))
	}
	if m.Identity == nil {
		errs = append(errs, errors.New("identity scorer is not configured"))
	}
	if m.Liveness == nil {
		errs = append(errs, errors.New("liveness scorer is not configured"))
	}
	return errors.Join(errs...)
}
