package models

import "time"

// Retrofit priority bands.
const (
	PriorityHigh     = "High"
	PriorityMedium   = "Medium"
	PriorityLow      = "Low"
	PriorityUnscored = "Unscored"
)

// PropertyFeature is one gold row per valid property, joined with its score.
type PropertyFeature struct {
	RunID           string  `json:"run_id"`
	CertificateID   string  `json:"certificate_id"`
	PropertyID      string  `json:"property_id"`
	Postcode        string  `json:"postcode"`
	PostTown        string  `json:"post_town"`
	LocalAuthority  string  `json:"local_authority"`
	Ward            string  `json:"ward"`
	PropertyType    string  `json:"property_type"`
	BuiltForm       string  `json:"built_form"`
	ConstructionEra string  `json:"construction_era"`
	Tenure          string  `json:"tenure"`
	MainFuel        string  `json:"main_fuel"`
	EnergyRating    string  `json:"energy_rating"`
	PotentialRating string  `json:"potential_rating"`
	FloorArea       float64 `json:"floor_area"`

	CurrentEfficiency   *int `json:"current_efficiency"`
	PotentialEfficiency *int `json:"potential_efficiency"`

	RetrofitScore      *float64 `json:"retrofit_score"`
	ScoreConfidence    *float64 `json:"score_confidence"`
	RetrofitPriority   string   `json:"retrofit_priority"`
	TotalCostCurrent   float64  `json:"total_cost_current"`
	TotalCostPotential float64  `json:"total_cost_potential"`
	AnnualSavings      float64  `json:"annual_savings_potential"`
	CO2SavingTonnes    *float64 `json:"co2_saving_tonnes"`
	DataQualityScore   float64  `json:"data_quality_score"`
	ImageRef           string   `json:"image_ref,omitempty"`
	TextSummary        string   `json:"text_summary"`
}

// AggregateRecord is one gold row per partition key tuple.
type AggregateRecord struct {
	RunID    string            `json:"run_id"`
	GroupKey map[string]string `json:"group_key"`

	PropertyCount     int `json:"property_count"`
	ScoredCount       int `json:"scored_count"`
	HighPriorityCount int `json:"high_priority_count"`

	MeanCurrentEfficiency   *float64 `json:"mean_current_efficiency"`
	MedianCurrentEfficiency *float64 `json:"median_current_efficiency"`
	MeanFloorArea           *float64 `json:"mean_floor_area"`
	MedianFloorArea         *float64 `json:"median_floor_area"`
	MeanRetrofitScore       *float64 `json:"mean_retrofit_score"`
	MeanAnnualSavings       *float64 `json:"mean_annual_savings"`
	TotalCO2Saving          float64  `json:"total_co2_saving_tonnes"`
}

// QualityReport summarises one stage execution. Written once, never updated.
type QualityReport struct {
	RunID             string             `json:"run_id"`
	Stage             string             `json:"stage"`
	RowsIn            int                `json:"rows_in"`
	RowsOut           int                `json:"rows_out"`
	RejectedCount     int                `json:"rejected_count"`
	DuplicatesRemoved int                `json:"duplicates_removed"`
	Reasons           map[string]int     `json:"reasons"`
	NullRates         map[string]float64 `json:"null_rates,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       time.Time          `json:"completed_at"`
}

// Run statuses recorded in the run log.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// PipelineRun is one entry of the run log.
type PipelineRun struct {
	RunID       string    `json:"run_id"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	Scope       string    `json:"scope"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PortfolioSummary holds headline figures over the latest gold run.
type PortfolioSummary struct {
	RunID                 string   `json:"run_id"`
	TotalProperties       int      `json:"total_properties"`
	ScoredProperties      int      `json:"scored_properties"`
	AvgCurrentEfficiency  *float64 `json:"avg_current_efficiency"`
	AvgRetrofitScore      *float64 `json:"avg_retrofit_score"`
	HighPriorityCount     int      `json:"high_priority_count"`
	MediumPriorityCount   int      `json:"medium_priority_count"`
	LowPriorityCount      int      `json:"low_priority_count"`
	TotalSavingsPotential float64  `json:"total_savings_potential_gbp"`
	TotalCO2Saving        float64  `json:"total_co2_saving_tonnes"`
}
