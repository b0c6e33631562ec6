package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/pipeline"
)

// Client-facing messages. Callers tell failures apart by message only.
const (
	MessageOK              = "Everything is OK."
	MessageNoFaceImage     = "There is not any faces in the image."
	MessageNoFaceDocument  = "There is not any faces in the document."
	MessageNoMatch         = "No face matched the facebank."
	MessageParseFailed     = "Unable to read the uploaded document."
	MessageDetectionFailed = "Face detection failed."
	MessageInternal        = "Internal server error."
)

type routeFields struct {
	identity bool
	liveness bool
	matches  bool
}

var payloadFields = map[pipeline.Route]routeFields{
	pipeline.RouteMain:           {identity: true, liveness: true},
	pipeline.RouteIdentity:       {identity: true},
	pipeline.RouteLiveness:       {liveness: true},
	pipeline.RouteLivenessMod:    {liveness: true},
	pipeline.RouteVerifyDocument: {identity: true, liveness: true, matches: true},
}

// Assemble translates a pipeline outcome into a status code and payload. Every
// non-ok outcome shares one failure status and carries null scores.
func Assemble(route pipeline.Route, report *pipeline.Report, err error) (int, gin.H) {
	fields := payloadFields[route]
	body := gin.H{}
	if fields.identity {
		body["min_sim_score"] = nil
		body["mean_sim_score"] = nil
	}
	if fields.liveness {
		body["liveness_score"] = nil
	}
	if fields.matches {
		body["matched_faces"] = []gin.H{}
	}

	if err != nil {
		body["message"] = errorMessage(err)
		return http.StatusInternalServerError, body
	}
	if report == nil {
		body["message"] = MessageInternal
		return http.StatusInternalServerError, body
	}

	primary, ok := report.Primary()
	if report.Status != pipeline.StatusOK || !ok {
		body["message"] = noFaceMessage(report)
		return http.StatusInternalServerError, body
	}

	body["message"] = MessageOK
	if fields.identity {
		body["min_sim_score"] = primary.IdentityMin
		body["mean_sim_score"] = primary.IdentityMean
	}
	if fields.liveness && primary.Liveness != nil {
		body["liveness_score"] = *primary.Liveness
	}
	if fields.matches {
		matched := make([]gin.H, 0, len(report.Matches))
		for _, rec := range report.Matches {
			if rec.Match == nil {
				continue
			}
			matched = append(matched, gin.H{
				"matched_filename": rec.Match.Filename,
				"similarity_score": rec.Match.Score,
			})
		}
		body["matched_faces"] = matched
	}
	return http.StatusOK, body
}

func noFaceMessage(report *pipeline.Report) string {
	switch {
	case report.FacesDetected > 0:
		return MessageNoMatch
	case report.Source == document.KindContainer:
		return MessageNoFaceDocument
	default:
		return MessageNoFaceImage
	}
}

func errorMessage(err error) string {
	var (
		unsupported *document.UnsupportedTypeError
		parseErr    *document.DocumentParseError
		detection   *pipeline.FaceDetectionError
	)
	switch {
	case errors.As(err, &unsupported):
		if unsupported.Extension == "" {
			return "Unsupported file type: missing extension"
		}
		return fmt.Sprintf("Unsupported file type: .%s", unsupported.Extension)
	case errors.As(err, &parseErr):
		return MessageParseFailed
	case errors.As(err, &detection):
		return MessageDetectionFailed
	default:
		return MessageInternal
	}
}
