package build

import (
	"encoding/json"

	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

// TriggerType identifies what requested a build. Values are free-form; these are the common ones.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerAPI     TriggerType = "api"
	TriggerWebhook TriggerType = "webhook"
)

// Request is one "build was requested" record as carried on the event bus.
// It is created by the external trigger and never modified afterwards.
type Request struct {
	BuildID     string      `json:"buildId"`
	ProjectID   string      `json:"projectId"`
	OwnerID     string      `json:"ownerId"`
	BuildNumber int         `json:"buildNumber"`
	TriggeredBy TriggerType `json:"triggeredBy"`
}

// Validate reports malformed requests. A request failing validation is a
// data-quality problem, never a build failure.
func (r Request) Validate() error {
	switch {
	case r.BuildID == "":
		return ferrors.ValidationError("build request missing buildId").Build()
	case r.ProjectID == "":
		return ferrors.ValidationError("build request missing projectId").
			WithContext("build_id", r.BuildID).
			Build()
	case r.BuildNumber < 0:
		return ferrors.ValidationError("build request has negative buildNumber").
			WithContext("build_id", r.BuildID).
			WithContext("build_number", r.BuildNumber).
			Build()
	}
	return nil
}

// DecodeRequest parses and validates a JSON-encoded request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, ferrors.WrapError(err, ferrors.CategoryValidation, "decode build request").Build()
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Encode returns the JSON wire form of the request.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}
