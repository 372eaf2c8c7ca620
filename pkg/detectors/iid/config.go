package iid

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode selects how the alert decision is made.
type Mode uint8

const (
	// ModeSpike alerts on the p-value of each observation.
	ModeSpike Mode = iota
	// ModeChangePoint alerts on the accumulated martingale score.
	ModeChangePoint
)

// Side restricts which deviations count as anomalous.
type Side uint8

const (
	// SideTwoSided flags values far from the history in either direction.
	SideTwoSided Side = iota
	// SidePositive flags values above the history only.
	SidePositive
	// SideNegative flags values below the history only.
	SideNegative
)

// PValueMethod selects the empirical p-value estimator.
type PValueMethod uint8

const (
	// PValueKernel smooths the history with a Gaussian kernel.
	PValueKernel PValueMethod = iota
	// PValueRank uses the rank of the value within the history.
	PValueRank
)

// TieBreak selects how values equal to the observation are split between
// the two tails by the rank estimator.
type TieBreak uint8

const (
	// TieMidRank assigns half of the ties to each tail.
	TieMidRank TieBreak = iota
	// TieRandomized assigns a seeded uniform fraction of the ties to the upper tail.
	TieRandomized
)

// Martingale selects the betting function applied to each p-value.
type Martingale uint8

const (
	// MartingalePower bets eps * p^(eps-1).
	MartingalePower Martingale = iota
	// MartingaleMixture integrates the power martingale over eps in (0, 1).
	MartingaleMixture
)

var (
	modeNames       = []string{"spike", "changepoint"}
	sideNames       = []string{"twosided", "positive", "negative"}
	methodNames     = []string{"kernel", "rank"}
	tieBreakNames   = []string{"midrank", "randomized"}
	martingaleNames = []string{"power", "mixture"}
)

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func parseEnum(kind string, names []string, s string) (uint8, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range names {
		if s == name {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown %s %q (want one of %s)", ErrConfiguration, kind, s, strings.Join(names, ", "))
}

func (m Mode) String() string         { return enumName(modeNames, uint8(m)) }
func (s Side) String() string         { return enumName(sideNames, uint8(s)) }
func (m PValueMethod) String() string { return enumName(methodNames, uint8(m)) }
func (t TieBreak) String() string     { return enumName(tieBreakNames, uint8(t)) }
func (m Martingale) String() string   { return enumName(martingaleNames, uint8(m)) }

// ParseMode parses "spike" or "changepoint".
func ParseMode(s string) (Mode, error) {
	v, err := parseEnum("mode", modeNames, s)
	return Mode(v), err
}

// ParseSide parses "twosided", "positive" or "negative".
func ParseSide(s string) (Side, error) {
	v, err := parseEnum("side", sideNames, s)
	return Side(v), err
}

// ParsePValueMethod parses "kernel" or "rank".
func ParsePValueMethod(s string) (PValueMethod, error) {
	v, err := parseEnum("p-value method", methodNames, s)
	return PValueMethod(v), err
}

// ParseTieBreak parses "midrank" or "randomized".
func ParseTieBreak(s string) (TieBreak, error) {
	v, err := parseEnum("tie break", tieBreakNames, s)
	return TieBreak(v), err
}

// ParseMartingale parses "power" or "mixture".
func ParseMartingale(s string) (Martingale, error) {
	v, err := parseEnum("martingale", martingaleNames, s)
	return Martingale(v), err
}

// Config is the immutable detector configuration.
type Config struct {
	// Confidence is the alert confidence in percent, in (0, 100).
	Confidence float64
	// HistoryLength is the capacity of the p-value history window.
	HistoryLength int
	// Mode selects spike or change-point alerting.
	Mode Mode
	// Side restricts the direction of anomalies.
	Side Side
	// PValueMethod selects the p-value estimator.
	PValueMethod PValueMethod
	// TieBreak applies to the rank estimator only.
	TieBreak TieBreak
	// Martingale selects the betting function.
	Martingale Martingale
	// PowerEpsilon is the exponent of the power martingale, in (0, 1).
	PowerEpsilon float64
	// MartingaleLength is the number of recent bets that make up the score.
	MartingaleLength int
	// Seed drives randomized tie breaking.
	Seed int64
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Confidence:    95,
		HistoryLength: 100,
		PowerEpsilon:  0.1,
		Seed:          42,
	}
}

// Threshold returns the alert p-value threshold 1 - Confidence/100.
func (c Config) Threshold() float64 {
	return 1 - c.Confidence/100
}

// Validate checks every field and returns an ErrConfiguration on the first
// invalid one.
func (c Config) Validate() error {
	switch {
	case !(c.Confidence > 0 && c.Confidence < 100):
		return fmt.Errorf("%w: confidence %v must be in (0, 100)", ErrConfiguration, c.Confidence)
	case c.HistoryLength < 1:
		return fmt.Errorf("%w: history length %d must be positive", ErrConfiguration, c.HistoryLength)
	case c.MartingaleLength < 1:
		return fmt.Errorf("%w: martingale length %d must be positive", ErrConfiguration, c.MartingaleLength)
	case !(c.PowerEpsilon > 0 && c.PowerEpsilon < 1):
		return fmt.Errorf("%w: power epsilon %v must be in (0, 1)", ErrConfiguration, c.PowerEpsilon)
	case int(c.Mode) >= len(modeNames):
		return fmt.Errorf("%w: mode %s", ErrConfiguration, c.Mode)
	case int(c.Side) >= len(sideNames):
		return fmt.Errorf("%w: side %s", ErrConfiguration, c.Side)
	case int(c.PValueMethod) >= len(methodNames):
		return fmt.Errorf("%w: p-value method %s", ErrConfiguration, c.PValueMethod)
	case int(c.TieBreak) >= len(tieBreakNames):
		return fmt.Errorf("%w: tie break %s", ErrConfiguration, c.TieBreak)
	case int(c.Martingale) >= len(martingaleNames):
		return fmt.Errorf("%w: martingale %s", ErrConfiguration, c.Martingale)
	}
	return nil
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfidence sets the alert confidence in percent.
func WithConfidence(c float64) Option {
	return func(d *Detector) {
		d.cfg.Confidence = c
	}
}

// WithHistoryLength sets the p-value history window capacity.
func WithHistoryLength(n int) Option {
	return func(d *Detector) {
		d.cfg.HistoryLength = n
	}
}

// WithMode sets the alerting mode.
func WithMode(m Mode) Option {
	return func(d *Detector) {
		d.cfg.Mode = m
	}
}

// WithSide sets which deviations are anomalous.
func WithSide(s Side) Option {
	return func(d *Detector) {
		d.cfg.Side = s
	}
}

// WithPValueMethod sets the p-value estimator.
func WithPValueMethod(m PValueMethod) Option {
	return func(d *Detector) {
		d.cfg.PValueMethod = m
	}
}

// WithTieBreak sets the tie handling of the rank estimator.
func WithTieBreak(t TieBreak) Option {
	return func(d *Detector) {
		d.cfg.TieBreak = t
	}
}

// WithMartingale sets the betting function.
func WithMartingale(m Martingale) Option {
	return func(d *Detector) {
		d.cfg.Martingale = m
	}
}

// WithPowerEpsilon sets the power martingale exponent.
func WithPowerEpsilon(eps float64) Option {
	return func(d *Detector) {
		d.cfg.PowerEpsilon = eps
	}
}

// WithMartingaleLength sets how many recent bets make up the score.
// Zero means the history length.
func WithMartingaleLength(n int) Option {
	return func(d *Detector) {
		d.cfg.MartingaleLength = n
	}
}

// WithSeed sets the random seed for reproducible tie breaking.
func WithSeed(seed int64) Option {
	return func(d *Detector) {
		d.cfg.Seed = seed
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

// WithLogger sets the logging sink. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l == nil {
			l = zap.NewNop()
		}
		d.logger = l
	}
}
