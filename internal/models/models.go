// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// Gender values accepted by the profile API.
const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// Goal values accepted by the profile API.
const (
	GoalLose     = "lose"
	GoalMaintain = "maintain"
	GoalGain     = "gain"
)

// Activity levels.
const (
	ActivityLow      = "low"
	ActivityModerate = "moderate"
	ActivityHigh     = "high"
)

// Unit systems for the units setting.
const (
	UnitsMetric   = "metric"
	UnitsImperial = "imperial"
)

// DateLayout is the layout of diary date keys.
const DateLayout = "2006-01-02"

// Profile is the user's body data, stored under user_data and mirrored by
// the profile API.
type Profile struct {
	Age      int     `json:"age"`
	Height   int     `json:"height"`
	Weight   float64 `json:"weight"`
	Gender   string  `json:"gender"`
	Goal     string  `json:"goal"`
	Activity string  `json:"activity,omitempty"`
}

// Validate checks the fields the profile API rejects.
func (p *Profile) Validate() error {
	if p.Age <= 0 || p.Height <= 0 || p.Weight <= 0 {
		return fmt.Errorf("age, height and weight must be positive")
	}

	switch p.Gender {
	case GenderMale, GenderFemale:
	default:
		return fmt.Errorf("invalid gender %q", p.Gender)
	}

	switch p.Goal {
	case GoalLose, GoalMaintain, GoalGain:
	default:
		return fmt.Errorf("invalid goal %q", p.Goal)
	}

	switch p.Activity {
	case "", ActivityLow, ActivityModerate, ActivityHigh:
	default:
		return fmt.Errorf("invalid activity %q", p.Activity)
	}

	return nil
}

// DiaryEntry is one logged food portion. Nutrient values are for the
// logged grams, not per 100g.
type DiaryEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Grams     float64   `json:"grams"`
	Kcal      float64   `json:"kcal"`
	Protein   float64   `json:"protein"`
	Fat       float64   `json:"fat"`
	Carbs     float64   `json:"carbs"`
	Timestamp time.Time `json:"timestamp"`

	// IsActivity marks an exercise logged into the diary; Kcal is then
	// energy burned.
	IsActivity bool `json:"isActivity,omitempty"`
}

// Diary maps a YYYY-MM-DD date to that day's entries in logging order.
type Diary map[string][]DiaryEntry

// Settings holds user preferences.
type Settings struct {
	Units string `json:"units"`
}

// Totals is the sum of a day's entries.
type Totals struct {
	Kcal    float64 `json:"kcal"`
	Protein float64 `json:"protein"`
	Fat     float64 `json:"fat"`
	Carbs   float64 `json:"carbs"`
}

// Product is a catalog item with nutrients per 100g.
type Product struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Calories float64  `json:"calories" yaml:"calories"`
	Protein  float64  `json:"protein" yaml:"protein"`
	Fat      float64  `json:"fat" yaml:"fat"`
	Carbs    float64  `json:"carbs" yaml:"carbs"`
	Aliases  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Portion returns a diary entry for grams of p.
func (p *Product) Portion(grams float64, at time.Time) DiaryEntry {
	f := grams / 100

	return DiaryEntry{
		Name:      p.Name,
		Grams:     grams,
		Kcal:      p.Calories * f,
		Protein:   p.Protein * f,
		Fat:       p.Fat * f,
		Carbs:     p.Carbs * f,
		Timestamp: at,
	}
}
