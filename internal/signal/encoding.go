package signal

import (
	"encoding/json"
	"math"
)

// JSON has no NaN, undefined metrics travel as null

type summaryWire struct {
	IC       *float64 `json:"ic"`
	ICIR     *float64 `json:"icir"`
	RankIC   *float64 `json:"rank_ic"`
	RankICIR *float64 `json:"rank_icir"`
	Days     int      `json:"days"`
}

type dailyWire struct {
	Date   string   `json:"date"`
	IC     *float64 `json:"ic"`
	RankIC *float64 `json:"rank_ic"`
	N      int      `json:"n"`
}

// MarshalJSON encodes undefined metrics as null
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryWire{
		IC:       nullable(s.IC),
		ICIR:     nullable(s.ICIR),
		RankIC:   nullable(s.RankIC),
		RankICIR: nullable(s.RankICIR),
		Days:     s.Days,
	})
}

// UnmarshalJSON decodes null metrics as NaN
func (s *Summary) UnmarshalJSON(data []byte) error {
	var w summaryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Summary{
		IC:       value(w.IC),
		ICIR:     value(w.ICIR),
		RankIC:   value(w.RankIC),
		RankICIR: value(w.RankICIR),
		Days:     w.Days,
	}
	return nil
}

// MarshalJSON encodes undefined correlations as null
func (d DailyIC) MarshalJSON() ([]byte, error) {
	return json.Marshal(dailyWire{Date: d.Date, IC: nullable(d.IC), RankIC: nullable(d.RankIC), N: d.N})
}

// UnmarshalJSON decodes null correlations as NaN
func (d *DailyIC) UnmarshalJSON(data []byte) error {
	var w dailyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = DailyIC{Date: w.Date, IC: value(w.IC), RankIC: value(w.RankIC), N: w.N}
	return nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func value(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
