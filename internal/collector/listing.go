package collector

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/touhoufan2024/qlibAssistant/internal/store"
	"github.com/touhoufan2024/qlibAssistant/internal/task"
)

// listingPlaces is the rounding applied to metrics in listings
const listingPlaces = 3

// Rounded is a metric rounded for display; undefined metrics render as n/a
type Rounded struct {
	Value decimal.Decimal
	Valid bool
}

// Round rounds v half away from zero to the listing precision
func Round(v float64) Rounded {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Rounded{}
	}
	return Rounded{Value: decimal.NewFromFloat(v).Round(listingPlaces), Valid: true}
}

// MarshalJSON renders the rounded number, or null when undefined
func (r Rounded) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return []byte(r.Value.StringFixed(listingPlaces)), nil
}

func (r Rounded) String() string {
	if !r.Valid {
		return "n/a"
	}
	return r.Value.StringFixed(listingPlaces)
}

// RecordListing describes one admitted recorder
type RecordListing struct {
	ID         string       `json:"id"`
	ModelClass string       `json:"model_class"`
	Handler    string       `json:"handler"`
	IC         Rounded      `json:"ic"`
	ICIR       Rounded      `json:"icir"`
	RankIC     Rounded      `json:"rank_ic"`
	RankICIR   Rounded      `json:"rank_icir"`
	Train      task.Segment `json:"train"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
}

// ExperimentListing summarizes one experiment
type ExperimentListing struct {
	Name    string               `json:"name"`
	Key     *store.ExperimentKey `json:"key,omitempty"`
	Valid   int                  `json:"valid"`
	Total   int                  `json:"total"`
	Records []RecordListing      `json:"records"`
}

// List summarizes every experiment matching the filter. Valid counts recorders that are
// complete and pass the metric thresholds; Total counts every recorder directory.
func (c *Collector) List() ([]ExperimentListing, error) {
	experiments, err := c.store.ListExperiments()
	if err != nil {
		return nil, err
	}

	var out []ExperimentListing
	for _, exp := range experiments {
		if !c.config.Filter.MatchExperiment(exp.Name) {
			continue
		}
		ids, err := c.store.ListRecorders(exp.Name)
		if err != nil {
			return nil, err
		}
		records, _, err := c.store.ValidRecords(exp.Name)
		if err != nil {
			return nil, err
		}

		listing := ExperimentListing{Name: exp.Name, Key: exp.Key, Total: len(ids)}
		for _, rec := range records {
			s := rec.Stats.Summary
			if !c.config.Filter.PassRecord(s) {
				continue
			}
			listing.Records = append(listing.Records, RecordListing{
				ID:         rec.ID,
				ModelClass: rec.Task.Model.Class,
				Handler:    rec.Task.Dataset.Handler.Class,
				IC:         Round(s.IC),
				ICIR:       Round(s.ICIR),
				RankIC:     Round(s.RankIC),
				RankICIR:   Round(s.RankICIR),
				Train:      rec.Train(),
				StartTime:  rec.Meta.StartTime,
				EndTime:    rec.Meta.EndTime,
			})
		}
		listing.Valid = len(listing.Records)
		out = append(out, listing)
	}
	return out, nil
}
