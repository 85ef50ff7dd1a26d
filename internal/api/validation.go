package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blambuer10/human-step-mint/internal/domain"
)

const submissionSchemaURL = "https://step-mint.local/schemas/submission.json"

//go:embed schemas/submission.json
var submissionSchemaJSON []byte

var submissionSchema = mustCompileSchema(submissionSchemaURL, submissionSchemaJSON)

func mustCompileSchema(ref string, raw []byte) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(ref, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", ref, err))
	}
	return compiler.MustCompile(ref)
}

// CreateSubmissionRequest is the payload for POST /v1/submissions.
type CreateSubmissionRequest struct {
	Recipient       string `json:"recipient"`
	Steps           int    `json:"steps"`
	DurationMinutes int    `json:"duration_minutes"`
	DistanceMeters  int    `json:"distance_meters"`
	ActivityType    string `json:"activity_type"`
}

// Record converts the request to the domain activity record.
func (r CreateSubmissionRequest) Record() domain.ActivityRecord {
	return domain.ActivityRecord{
		Steps:           r.Steps,
		DurationMinutes: r.DurationMinutes,
		DistanceMeters:  r.DistanceMeters,
		ActivityType:    strings.TrimSpace(r.ActivityType),
	}
}

// RecipientAddress parses the recipient account.
func (r CreateSubmissionRequest) RecipientAddress() common.Address {
	return common.HexToAddress(r.Recipient)
}

// decodeSubmission validates raw against the submission schema before binding it.
func decodeSubmission(body io.Reader) (CreateSubmissionRequest, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return CreateSubmissionRequest{}, fmt.Errorf("read body: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CreateSubmissionRequest{}, fmt.Errorf("unable to parse body: %w", err)
	}
	if err := submissionSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return CreateSubmissionRequest{}, errors.New(describeValidation(verr))
		}
		return CreateSubmissionRequest{}, err
	}

	var req CreateSubmissionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return CreateSubmissionRequest{}, fmt.Errorf("unable to parse body: %w", err)
	}
	return req, nil
}

// describeValidation flattens the innermost schema failures into one line.
func describeValidation(verr *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			leaves = append(leaves, location+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}
