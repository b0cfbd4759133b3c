package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validate() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}

// SubmitInput is a generation request as received from a client.
type SubmitInput struct {
	StudentID  string   `json:"student_id" validate:"required,max=128"`
	Query      string   `json:"query" validate:"required,max=2000"`
	GradeLevel int      `json:"grade_level" validate:"required"`
	Modalities []string `json:"modalities" validate:"required,min=1,max=4,dive,required"`
	Interests  []string `json:"interests" validate:"required,min=1,max=20,dive,required,max=64"`
}

type validated struct {
	studentID  string
	query      string
	grade      int
	modalities generation.ModalitySet
	interests  []string
}

func (o *Orchestrator) validateInput(in SubmitInput) (validated, error) {
	if err := validate().Struct(in); err != nil {
		return validated{}, fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	out := validated{
		studentID: strings.TrimSpace(in.StudentID),
		query:     strings.TrimSpace(in.Query),
		grade:     in.GradeLevel,
	}
	if out.studentID == "" {
		return validated{}, fmt.Errorf("%w: student_id is required", ErrInvalidRequest)
	}
	if out.query == "" {
		return validated{}, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if out.grade < o.cfg.GradeMin || out.grade > o.cfg.GradeMax {
		return validated{}, fmt.Errorf("%w: grade_level must be between %d and %d", ErrInvalidRequest, o.cfg.GradeMin, o.cfg.GradeMax)
	}
	set, err := generation.NewModalitySet(in.Modalities)
	if err != nil {
		return validated{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(set) == 0 {
		return validated{}, fmt.Errorf("%w: at least one modality is required", ErrInvalidRequest)
	}
	out.modalities = set
	for _, i := range in.Interests {
		if s := strings.TrimSpace(i); s != "" {
			out.interests = append(out.interests, s)
		}
	}
	if len(out.interests) == 0 {
		return validated{}, fmt.Errorf("%w: at least one interest is required", ErrInvalidRequest)
	}
	return out, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "min":
			parts = append(parts, fmt.Sprintf("%s needs at least %s entries", field, fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds maximum %s", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
