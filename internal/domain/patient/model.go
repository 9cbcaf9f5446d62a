package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
)

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErr(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

// Patient is a clinic patient record. Contact doubles as the checkout email
// when a bill is paid online.
type Patient struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Age            int       `json:"age"`
	Contact        *string   `json:"contact"`
	ChiefComplaint string    `json:"chief_complaint"`
	Occupation     *string   `json:"occupation"`
	Address        *string   `json:"address"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p *Patient) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.ChiefComplaint = strings.TrimSpace(p.ChiefComplaint)
	p.Contact = trimOptional(p.Contact)
	p.Occupation = trimOptional(p.Occupation)
	p.Address = trimOptional(p.Address)
}

func (p *Patient) validate() error {
	if p.Name == "" {
		return validationErr("name is required")
	}
	if p.Age < 0 || p.Age > 150 {
		return validationErr("age must be between 0 and 150")
	}
	return nil
}

// Report is an ENT examination report for a patient.
type Report struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Ear       *string   `json:"ear"`
	Nose      *string   `json:"nose"`
	Throat    *string   `json:"throat"`
	Tests     *string   `json:"tests"`
	Diagnosis string    `json:"diagnosis"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Report) normalize() {
	r.Diagnosis = strings.TrimSpace(r.Diagnosis)
	r.Ear = trimOptional(r.Ear)
	r.Nose = trimOptional(r.Nose)
	r.Throat = trimOptional(r.Throat)
	r.Tests = trimOptional(r.Tests)
}

// trimOptional trims s and turns blank strings into nil.
func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
