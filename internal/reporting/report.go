package reporting

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"hvac-telemetry/internal/analytics/domain/rollup"
	"hvac-telemetry/internal/observability/metrics"
	units "hvac-telemetry/internal/units/domain"
)

// Export formats.
const (
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// MaxReportDays bounds the period of one report.
const MaxReportDays = 366

var (
	// ErrUnsupportedFormat is returned for formats other than xlsx and pdf.
	ErrUnsupportedFormat = errors.New("reporting: unsupported format")
	// ErrInvalidPeriod is returned when the period is empty, inverted or too long.
	ErrInvalidPeriod = errors.New("reporting: invalid period")
)

// RollupLister lists stored rollup buckets of one unit.
type RollupLister interface {
	List(ctx context.Context, serial string, tier rollup.Tier, from, to time.Time) ([]rollup.Rollup, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Report is the daily rollup report of one unit over [From, To).
type Report struct {
	Unit        units.Unit
	From        time.Time
	To          time.Time
	Days        []rollup.Rollup
	Fields      []string
	Summary     map[string]rollup.FieldStats
	SampleCount int64
	GeneratedAt time.Time
}

// Service builds and renders reports.
type Service struct {
	rollups RollupLister
	clock   Clock
	logger  *log.Logger
}

// Option customizes the service.
type Option func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs a report service.
func NewService(rollups RollupLister, opts ...Option) (*Service, error) {
	if rollups == nil {
		return nil, errors.New("reporting: nil rollup lister")
	}
	s := &Service{rollups: rollups, clock: systemClock{}, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Build collects the daily buckets of unit between from and to. Both bounds are
// truncated to UTC days.
func (s *Service) Build(ctx context.Context, unit units.Unit, from, to time.Time) (*Report, error) {
	from = rollup.TierDay.Truncate(from)
	to = rollup.TierDay.Truncate(to)
	if from.IsZero() || !to.After(from) {
		return nil, ErrInvalidPeriod
	}
	if to.Sub(from) > MaxReportDays*24*time.Hour {
		return nil, ErrInvalidPeriod
	}
	days, err := s.rollups.List(ctx, unit.Serial, rollup.TierDay, from, to)
	if err != nil {
		return nil, err
	}
	sort.Slice(days, func(i, j int) bool { return days[i].BucketStart.Before(days[j].BucketStart) })

	acc := rollup.NewAccumulator()
	for _, day := range days {
		acc.AddRollup(day)
	}
	summary := acc.Stats()
	fields := make([]string, 0, len(summary))
	for name := range summary {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return &Report{
		Unit:        unit,
		From:        from,
		To:          to,
		Days:        days,
		Fields:      fields,
		Summary:     summary,
		SampleCount: acc.Samples(),
		GeneratedAt: s.clock.Now().UTC(),
	}, nil
}

// Export builds the report and renders it in format. It returns the document
// and its content type.
func (s *Service) Export(ctx context.Context, unit units.Unit, format string, from, to time.Time) (data []byte, contentType string, err error) {
	started := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObserveExport(format, result, time.Since(started))
	}()

	render, contentType, err := renderer(format)
	if err != nil {
		return nil, "", err
	}
	report, err := s.Build(ctx, unit, from, to)
	if err != nil {
		return nil, "", err
	}
	data, err = render(report)
	if err != nil {
		s.logger.Printf("reporting: render %s for %s: %v", format, unit.Serial, err)
		return nil, "", err
	}
	return data, contentType, nil
}

func renderer(format string) (func(*Report) ([]byte, error), string, error) {
	switch format {
	case FormatXLSX:
		return BuildXLSX, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", nil
	case FormatPDF:
		return BuildPDF, "application/pdf", nil
	default:
		return nil, "", ErrUnsupportedFormat
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
