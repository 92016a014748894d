// Package model holds the request shapes of the analytic API and the
// scenario and timeframe normalization rules.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/digital-atlas/hazquery/internal/geofilter"
)

// HistoricalTimeframe is the canonical label for the historical baseline.
const HistoricalTimeframe = "1995-2014"

var ErrScenarioTimeframe = errors.New("invalid scenario/timeframe combination")

// ScenarioPick names one climate scenario and projection window.
type ScenarioPick struct {
	Scenario  string `json:"scenario"`
	Timeframe string `json:"timeframe"`
}

// Normalize maps legacy aliases onto canonical values: scenario
// "historic" becomes "historical", and a historical pick always uses the
// baseline timeframe label.
func (s ScenarioPick) Normalize() ScenarioPick {
	out := ScenarioPick{
		Scenario:  strings.ToLower(strings.TrimSpace(s.Scenario)),
		Timeframe: strings.TrimSpace(s.Timeframe),
	}
	if out.Scenario == "historic" {
		out.Scenario = "historical"
	}
	tf := strings.ToLower(out.Timeframe)
	if tf == "historic" || tf == "historical" {
		out.Timeframe = HistoricalTimeframe
	}
	return out
}

// Validate checks the normalized pick: the historical scenario pairs only
// with the baseline timeframe, and future scenarios must not use it.
func (s ScenarioPick) Validate() error {
	n := s.Normalize()
	if n.Scenario == "" {
		return nil
	}
	if n.Scenario == "historical" {
		if n.Timeframe != "" && n.Timeframe != HistoricalTimeframe {
			return fmt.Errorf("%w: historical scenario requires timeframe %s", ErrScenarioTimeframe, HistoricalTimeframe)
		}
		return nil
	}
	if n.Timeframe == HistoricalTimeframe {
		return fmt.Errorf("%w: scenario %s cannot use the historical timeframe", ErrScenarioTimeframe, n.Scenario)
	}
	return nil
}

// BaseQuery carries the fields shared by every analytic request.
type BaseQuery struct {
	Domain         string               `json:"domain"`
	Selector       string               `json:"selector,omitempty"`
	Scen           ScenarioPick         `json:"scenario_pick"`
	Geo            geofilter.Selection  `json:"geo"`
	Commodities    []string             `json:"commodities,omitempty"`
	HazardVars     []string             `json:"hazard_vars,omitempty"`
	Method         string               `json:"method,omitempty"`
	CommodityGroup string               `json:"commodity_group,omitempty"`
	CacheTTL       *int                 `json:"cache_ttl_seconds,omitempty"`
}

// Default hazard variable combinations by aggregation method.
var (
	GenericHazardVars      = []string{"NDWS+NTx35+NDWL0", "NDWS+THI-max+NDWL0"}
	CropSpecificHazardVars = []string{"PTOT-L+NTxS+PTOT-G", "PTOT-L+THI-max+PTOT-G"}
)

// ResolveHazardVars returns the request's hazard variables, falling back
// to the method's defaults.
func (b BaseQuery) ResolveHazardVars() []string {
	if len(b.HazardVars) > 0 {
		return b.HazardVars
	}
	if strings.EqualFold(strings.TrimSpace(b.Method), "crop_specific") {
		return CropSpecificHazardVars
	}
	return GenericHazardVars
}

type TotalsByHazardRequest struct {
	BaseQuery
	Hazards []string `json:"hazards,omitempty"`
}

type TotalsByCropRequest struct {
	BaseQuery
	Hazards []string `json:"hazards,omitempty"`
}

type HazardByCropRequest struct {
	BaseQuery
	TopHazards *int `json:"top_hazards,omitempty"`
	TopCrops   *int `json:"top_crops,omitempty"`
}

type ByAdminRequest struct {
	BaseQuery
	// GroupChild groups one administrative level below the selection.
	// nil defaults to true.
	GroupChild *bool `json:"group_child,omitempty"`
}

type DenomTotalRequest struct {
	BaseQuery
}

// Q1Request compares two scenario sides over the same geography.
type Q1Request struct {
	BaseQuery
	Left  ScenarioPick `json:"left"`
	Right ScenarioPick `json:"right"`
	// Denom optionally names the exposure domain used as the shared
	// percentage denominator.
	Denom string `json:"denom,omitempty"`
}

type RecordsRequest struct {
	BaseQuery
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Sort     string `json:"sort,omitempty"`
	SortDesc bool   `json:"sort_desc,omitempty"`
}

type CacheClearRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
	All      bool     `json:"all,omitempty"`
	DryRun   bool     `json:"dry_run,omitempty"`
}
