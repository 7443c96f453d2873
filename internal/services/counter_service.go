package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duna-commerce/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput marks a counter call with bad parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted marks a counter that hit its configured cap.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterService hands out transaction-safe sequence values and their
// formatted document numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions shape one sequence: increment size, bounds, and
// how the raw value is rendered. Formatter wins over Prefix/Suffix/PadLength.
type CounterGenerationOptions struct {
	Step         int64
	Prefix       string
	Suffix       string
	PadLength    int
	MaxValue     *int64
	InitialValue *int64
	Formatter    func(now time.Time, value int64) string
}

// CounterValue pairs the raw sequence value with its rendered form.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterServiceDeps are the collaborators NewCounterService wires together.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	mu      sync.Mutex
	applied map[string]appliedConfig
}

// appliedConfig is the last configuration pushed for a counter, so repeated
// Next calls with the same options skip the Configure round trip.
type appliedConfig struct {
	step    int64
	max     *int64
	initial *int64
}

func (c appliedConfig) equal(other appliedConfig) bool {
	return c.step == other.step &&
		int64PtrEqual(c.max, other.max) &&
		int64PtrEqual(c.initial, other.initial)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// NewCounterService builds the sequence service on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:    deps.Repository,
		clock:   func() time.Time { return clock().UTC() },
		applied: make(map[string]appliedConfig),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}
	counterID := scope + ":" + name

	if err := s.pushConfig(ctx, counterID, opts); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, counterID, opts.Step)
	if err != nil {
		return CounterValue{}, mapCounterError(err)
	}
	return CounterValue{Value: value, Formatted: render(s.clock(), value, opts)}, nil
}

// NextOrderNumber issues the customer-facing order number, one sequence per
// calendar year: DC-<year>-<six digit sequence>.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	result, err := s.Next(ctx, "orders", strconv.Itoa(year), CounterGenerationOptions{
		Formatter: func(_ time.Time, seq int64) string {
			return fmt.Sprintf("DC-%04d-%06d", year, seq)
		},
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

func (s *counterService) pushConfig(ctx context.Context, counterID string, opts CounterGenerationOptions) error {
	wanted := appliedConfig{max: opts.MaxValue, initial: opts.InitialValue}
	if opts.Step > 0 {
		wanted.step = opts.Step
	}
	if wanted.step == 0 && wanted.max == nil && wanted.initial == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.applied[counterID]; ok && previous.equal(wanted) {
		return nil
	}

	cfg := repositories.CounterConfig{Step: wanted.step}
	if wanted.max != nil {
		max := *wanted.max
		cfg.MaxValue = &max
	}
	if wanted.initial != nil {
		initial := *wanted.initial
		cfg.InitialValue = &initial
	}
	if err := s.repo.Configure(ctx, counterID, cfg); err != nil {
		return err
	}
	s.applied[counterID] = wanted
	return nil
}

func mapCounterError(err error) error {
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		switch counterErr.Code {
		case repositories.CounterErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		case repositories.CounterErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
		}
	}
	return err
}

func render(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	formatted := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		formatted = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + formatted + opts.Suffix
}
