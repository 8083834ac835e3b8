package analysis

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"station-availability/internal/models"
	"station-availability/internal/table"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// Rule flags sensors whose values need a transform and produces the
// corrected column and metadata
type Rule interface {
	Name() string
	// Detect reports whether sensor needs correcting; values are its present cells
	Detect(sensor models.SensorMeta, values []float64) bool
	// Transform maps one present value
	Transform(v float64) float64
	// Relabel returns the corrected metadata
	Relabel(sensor models.SensorMeta) models.SensorMeta
}

// ScaleRule multiplies a sensor by Factor when its variable matches Variable
// and either its median is below Threshold or its unit is not Accepted
type ScaleRule struct {
	RuleName  string
	Variable  *regexp.Regexp
	Threshold float64
	Accepted  []string
	Factor    float64
	Unit      string
}

var pressureVariable = regexp.MustCompile(`(?i)(^|_)(pair|atmp|pres|patm)($|_)`)

// PressureRule rescales air-pressure sensors that report in kPa-like
// magnitudes to hPa
func PressureRule(threshold float64) *ScaleRule {
	return &ScaleRule{
		RuleName:  "air_pressure_hpa",
		Variable:  pressureVariable,
		Threshold: threshold,
		Accepted:  []string{"hPa", "hpa", "mbar", "mb"},
		Factor:    10,
		Unit:      "hPa",
	}
}

func (r *ScaleRule) Name() string {
	return r.RuleName
}

func (r *ScaleRule) Detect(sensor models.SensorMeta, values []float64) bool {
	if !r.Variable.MatchString(sensor.VariableName) {
		return false
	}
	if len(values) > 0 && median(values) < r.Threshold {
		return true
	}
	for _, u := range r.Accepted {
		if strings.TrimSpace(sensor.Unit) == u {
			return false
		}
	}
	return true
}

func (r *ScaleRule) Transform(v float64) float64 {
	return v * r.Factor
}

func (r *ScaleRule) Relabel(sensor models.SensorMeta) models.SensorMeta {
	sensor.Unit = r.Unit
	return sensor
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Correction records one sensor changed by a rule
type Correction struct {
	Rule      string `json:"rule"`
	SensorKey string `json:"sensor_key"`
	OldUnit   string `json:"old_unit"`
	NewUnit   string `json:"new_unit"`
}

// Corrector applies rules to a merged retrieval. Each sensor is corrected by
// at most one rule, the first that detects it.
type Corrector struct {
	rules   []Rule
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewCorrector creates a corrector with the given rules in priority order
func NewCorrector(logger *logging.StructuredLogger, metricsCollector *metrics.Collector, rules ...Rule) *Corrector {
	return &Corrector{rules: rules, logger: logger, metrics: metricsCollector}
}

type detection struct {
	rule Rule
	key  string
}

// Detect returns the column keys each rule would correct, in metadata order
func (c *Corrector) Detect(meta models.MetadataTable, wide *table.WideTable) []string {
	var keys []string
	for _, d := range c.detect(meta, wide) {
		keys = append(keys, d.key)
	}
	return keys
}

func (c *Corrector) detect(meta models.MetadataTable, wide *table.WideTable) []detection {
	var out []detection
	for _, s := range meta.Sensors {
		col, ok := wide.Column(s.Key())
		if !ok {
			continue
		}
		values := presentValues(col)
		for _, rule := range c.rules {
			if rule.Detect(s, values) {
				out = append(out, detection{rule: rule, key: s.Key()})
				break
			}
		}
	}
	return out
}

// Apply returns corrected copies of meta and wide; the inputs are not modified
func (c *Corrector) Apply(ctx context.Context, meta models.MetadataTable, wide *table.WideTable) (models.MetadataTable, *table.WideTable, []Correction) {
	if wide == nil || len(c.rules) == 0 {
		return meta.Clone(), wide, nil
	}
	detections := c.detect(meta, wide)
	if len(detections) == 0 {
		return meta.Clone(), wide.Clone(), nil
	}

	outMeta := meta.Clone()
	outWide := wide
	var corrections []Correction
	for _, d := range detections {
		outWide = outWide.MapColumn(d.key, d.rule.Transform)
		for i, s := range outMeta.Sensors {
			if s.Key() != d.key {
				continue
			}
			fixed := d.rule.Relabel(s)
			outMeta.Sensors[i] = fixed
			corrections = append(corrections, Correction{
				Rule:      d.rule.Name(),
				SensorKey: d.key,
				OldUnit:   s.Unit,
				NewUnit:   fixed.Unit,
			})
		}
		c.metrics.UnitCorrectionsTotal.WithLabelValues(d.rule.Name()).Inc()
	}

	c.logger.Info(ctx, "[CORRECT_UNITS] Sensor values rescaled", logging.Fields{
		"sensors": len(corrections),
	})
	for _, corr := range corrections {
		c.logger.Debug(ctx, "[CORRECT_UNITS] Sensor corrected", logging.Fields{
			"rule":       corr.Rule,
			"sensor_key": corr.SensorKey,
			"old_unit":   corr.OldUnit,
			"new_unit":   corr.NewUnit,
		})
	}
	return outMeta, outWide, corrections
}

func presentValues(col []*float64) []float64 {
	values := make([]float64, 0, len(col))
	for _, v := range col {
		if v != nil {
			values = append(values, *v)
		}
	}
	return values
}
