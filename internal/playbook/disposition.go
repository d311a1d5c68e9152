package playbook

import (
	"math"
	"sort"
	"strings"
)

// Decision is the disposition of one perishable item.
type Decision string

const (
	DecisionKeep     Decision = "keep"
	DecisionDiscard  Decision = "discard"
	DecisionCookNow  Decision = "cook_now"
	DecisionRefreeze Decision = "refreeze"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionKeep, DecisionDiscard, DecisionCookNow, DecisionRefreeze:
		return true
	}
	return false
}

// FoodCategory groups disposition items.
type FoodCategory string

const (
	FoodProtein   FoodCategory = "protein"
	FoodDairy     FoodCategory = "dairy"
	FoodProduce   FoodCategory = "produce"
	FoodPrepared  FoodCategory = "prepared"
	FoodFrozen    FoodCategory = "frozen"
	FoodDryGoods  FoodCategory = "dry_goods"
	FoodBeverages FoodCategory = "beverages"
)

// Danger-zone thresholds (hours between 40°F and 140°F).
const (
	DiscardAfterHours = 4.0
	CookNowAfterHours = 2.0

	// RefreezeMaxTempF is the warmest reading at which thawed frozen goods may be refrozen.
	RefreezeMaxTempF = 40.0
)

// DispositionEntry is one perishable inventory line item.
type DispositionEntry struct {
	FoodName              string       `json:"food_name"`
	Category              FoodCategory `json:"category"`
	Quantity              float64      `json:"quantity"`
	Unit                  string       `json:"unit"`
	CostPerUnit           float64      `json:"cost_per_unit"`
	CurrentTemp           *float64     `json:"current_temp,omitempty"`
	TimeInDangerZoneHours float64      `json:"time_in_danger_zone_hours"`
	Decision              Decision     `json:"decision"`
	Recommended           Decision     `json:"recommended"`
}

// Value is quantity times unit cost.
func (e DispositionEntry) Value() float64 {
	return e.Quantity * e.CostPerUnit
}

// Recommend derives a decision from danger-zone exposure and temperature.
func Recommend(category FoodCategory, currentTemp *float64, dangerZoneHours float64) Decision {
	switch {
	case dangerZoneHours >= DiscardAfterHours:
		return DecisionDiscard
	case category == FoodFrozen && currentTemp != nil && *currentTemp <= RefreezeMaxTempF:
		return DecisionRefreeze
	case dangerZoneHours >= CookNowAfterHours:
		return DecisionCookNow
	default:
		return DecisionKeep
	}
}

// EstimatedLoss sums the value of every entry currently marked Discard,
// rounded to cents. It is always computed from the entries passed in.
func EstimatedLoss(entries []DispositionEntry) float64 {
	var total float64
	for _, e := range entries {
		if e.Decision == DecisionDiscard {
			total += e.Value()
		}
	}
	return roundCents(total)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ItemInput is the operator-supplied part of a new disposition entry. Zero
// category, unit and cost are filled from the common items list when the
// name matches one of its entries.
type ItemInput struct {
	FoodName              string       `json:"food_name"`
	Category              FoodCategory `json:"category"`
	Quantity              float64      `json:"quantity"`
	Unit                  string       `json:"unit"`
	CostPerUnit           float64      `json:"cost_per_unit"`
	CurrentTemp           *float64     `json:"current_temp,omitempty"`
	TimeInDangerZoneHours float64      `json:"time_in_danger_zone_hours"`
	Decision              Decision     `json:"decision,omitempty"`
}

func (in ItemInput) entry() (DispositionEntry, error) {
	name := strings.TrimSpace(in.FoodName)
	if name == "" {
		return DispositionEntry{}, newError(CodeInvalidDispositionEntry, 0, "food name is required")
	}
	if !finite(in.Quantity, in.CostPerUnit, in.TimeInDangerZoneHours) || (in.CurrentTemp != nil && !finite(*in.CurrentTemp)) {
		return DispositionEntry{}, newError(CodeInvalidDispositionEntry, 0, "quantity, cost, temperature and danger-zone hours must be finite numbers")
	}
	if in.Quantity < 0 || in.CostPerUnit < 0 || in.TimeInDangerZoneHours < 0 {
		return DispositionEntry{}, newError(CodeInvalidDispositionEntry, 0, "quantity, cost and danger-zone hours must not be negative")
	}
	if in.Decision != "" && !in.Decision.Valid() {
		return DispositionEntry{}, newError(CodeInvalidDecision, 0, "unknown decision %q", in.Decision)
	}

	e := DispositionEntry{
		FoodName:              name,
		Category:              in.Category,
		Quantity:              in.Quantity,
		Unit:                  in.Unit,
		CostPerUnit:           in.CostPerUnit,
		TimeInDangerZoneHours: in.TimeInDangerZoneHours,
	}
	if in.CurrentTemp != nil {
		t := *in.CurrentTemp
		e.CurrentTemp = &t
	}
	if common, ok := lookupCommonItem(name); ok {
		if e.Category == "" {
			e.Category = common.Category
		}
		if e.Unit == "" {
			e.Unit = common.Unit
		}
		if e.CostPerUnit == 0 {
			e.CostPerUnit = common.CostPerUnit
		}
	}

	e.Recommended = Recommend(e.Category, e.CurrentTemp, e.TimeInDangerZoneHours)
	e.Decision = in.Decision
	if e.Decision == "" {
		e.Decision = e.Recommended
	}
	return e, nil
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CommonItem is a reference entry with default category, unit and unit cost.
type CommonItem struct {
	Name        string       `json:"name"`
	Category    FoodCategory `json:"category"`
	Unit        string       `json:"unit"`
	CostPerUnit float64      `json:"cost_per_unit"`
}

var commonItems = []CommonItem{
	{Name: "Chicken Breast", Category: FoodProtein, Unit: "lb", CostPerUnit: 3.49},
	{Name: "Ground Beef", Category: FoodProtein, Unit: "lb", CostPerUnit: 4.99},
	{Name: "Pork Shoulder", Category: FoodProtein, Unit: "lb", CostPerUnit: 2.79},
	{Name: "Salmon Fillet", Category: FoodProtein, Unit: "lb", CostPerUnit: 9.99},
	{Name: "Shrimp", Category: FoodProtein, Unit: "lb", CostPerUnit: 8.49},
	{Name: "Deli Turkey", Category: FoodProtein, Unit: "lb", CostPerUnit: 6.99},
	{Name: "Eggs", Category: FoodDairy, Unit: "dozen", CostPerUnit: 3.29},
	{Name: "Whole Milk", Category: FoodDairy, Unit: "gal", CostPerUnit: 3.99},
	{Name: "Heavy Cream", Category: FoodDairy, Unit: "qt", CostPerUnit: 5.49},
	{Name: "Cheddar Cheese", Category: FoodDairy, Unit: "lb", CostPerUnit: 4.59},
	{Name: "Butter", Category: FoodDairy, Unit: "lb", CostPerUnit: 4.29},
	{Name: "Yogurt", Category: FoodDairy, Unit: "qt", CostPerUnit: 3.79},
	{Name: "Lettuce", Category: FoodProduce, Unit: "head", CostPerUnit: 1.89},
	{Name: "Tomatoes", Category: FoodProduce, Unit: "lb", CostPerUnit: 1.99},
	{Name: "Cut Fruit", Category: FoodProduce, Unit: "lb", CostPerUnit: 3.49},
	{Name: "Cooked Rice", Category: FoodPrepared, Unit: "lb", CostPerUnit: 1.25},
	{Name: "Soup Stock", Category: FoodPrepared, Unit: "gal", CostPerUnit: 6.50},
	{Name: "Prepared Salads", Category: FoodPrepared, Unit: "lb", CostPerUnit: 5.25},
	{Name: "Frozen Vegetables", Category: FoodFrozen, Unit: "lb", CostPerUnit: 1.69},
	{Name: "Ice Cream", Category: FoodFrozen, Unit: "gal", CostPerUnit: 7.99},
	{Name: "Frozen Fries", Category: FoodFrozen, Unit: "lb", CostPerUnit: 1.49},
}

// SearchCommonItems returns reference items whose name contains query,
// case-insensitively, sorted by name. An empty query returns every item.
func SearchCommonItems(query string) []CommonItem {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]CommonItem, 0, len(commonItems))
	for _, item := range commonItems {
		if q == "" || strings.Contains(strings.ToLower(item.Name), q) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func lookupCommonItem(name string) (CommonItem, bool) {
	for _, item := range commonItems {
		if strings.EqualFold(item.Name, name) {
			return item, true
		}
	}
	return CommonItem{}, false
}
