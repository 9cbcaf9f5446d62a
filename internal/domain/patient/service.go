package patient

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	patients PatientRepository
	reports  ReportRepository
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, reports ReportRepository, logger zerolog.Logger) *Service {
	return &Service{patients: patients, reports: reports, logger: logger}
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.normalize()
	if err := p.validate(); err != nil {
		return err
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient created")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	p.normalize()
	if err := p.validate(); err != nil {
		return err
	}
	return s.patients.Update(ctx, p)
}

// DeletePatient also removes the patient's reports and bills.
func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	if err := s.patients.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", id.String()).Msg("patient deleted")
	return nil
}

func (s *Service) ListPatients(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, search, limit, offset)
}

// -- Report --

func (s *Service) CreateReport(ctx context.Context, r *Report) error {
	if r.PatientID == uuid.Nil {
		return validationErr("patient_id is required")
	}
	r.normalize()
	if r.Diagnosis == "" {
		return validationErr("diagnosis is required")
	}
	return s.reports.Create(ctx, r)
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, id)
}

func (s *Service) UpdateReport(ctx context.Context, r *Report) error {
	r.normalize()
	if r.Diagnosis == "" {
		return validationErr("diagnosis is required")
	}
	return s.reports.Update(ctx, r)
}

func (s *Service) DeleteReport(ctx context.Context, id uuid.UUID) error {
	return s.reports.Delete(ctx, id)
}

// ListReports returns the patient's reports, newest first.
func (s *Service) ListReports(ctx context.Context, patientID uuid.UUID) ([]*Report, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	return s.reports.ListByPatient(ctx, patientID)
}
