package models

import "time"

// Source kinds accepted by bronze ingestion.
const (
	SourceKindEPC   = "epc"
	SourceKindImage = "image"
)

// Validation statuses of a NormalizedRecord.
const (
	StatusValid       = "valid"
	StatusQuarantined = "quarantined"
)

// RawRecord is one source row exactly as read, tagged with ingestion
// provenance. It is never mutated after bronze commits it.
type RawRecord struct {
	IngestionID string
	RunID       string
	SourceFile  string
	SourceKind  string
	RowNumber   int
	IngestedAt  time.Time
	Fields      map[string]string
}

// Ingestion describes one committed source file (a bronze partition).
type Ingestion struct {
	IngestionID string
	RunID       string
	SourceFile  string
	SourceKind  string
	Encoding    string
	Columns     []string
	RowCount    int
	IngestedAt  time.Time
}

// RawBatch is a bronze partition together with its rows.
type RawBatch struct {
	Ingestion Ingestion
	Records   []*RawRecord
}

// NormalizedRecord is the typed, validated silver view of one property.
// Optional numeric fields are nil when the source value was empty.
type NormalizedRecord struct {
	RunID         string
	CertificateID string
	PropertyID    string

	Address1       string
	Address2       string
	Postcode       string
	PostTown       string
	LocalAuthority string
	Ward           string

	PropertyType    string
	BuiltForm       string
	ConstructionEra string
	Tenure          string
	MainFuel        string

	EnergyRating    string
	PotentialRating string
	FloorArea       *float64

	CurrentEfficiency   *int
	PotentialEfficiency *int

	CO2Current   *float64
	CO2Potential *float64

	HeatingCostCurrent    *float64
	HeatingCostPotential  *float64
	HotWaterCostCurrent   *float64
	HotWaterCostPotential *float64
	LightingCostCurrent   *float64
	LightingCostPotential *float64

	WallsDescription   string
	RoofDescription    string
	WindowsDescription string
	HeatingDescription string

	WallsEffScore    *int
	RoofEffScore     *int
	WindowsEffScore  *int
	HeatingEffScore  *int
	HotWaterEffScore *int
	LightingEffScore *int

	InspectionDate *time.Time
	LodgementDate  *time.Time
	ImageRef       string

	DataQualityScore float64

	SourceFile string
	SourceRow  int
	IngestedAt time.Time

	QualityFlags     []string
	ValidationStatus string
}

// Valid reports whether the record passed every domain check.
func (r *NormalizedRecord) Valid() bool {
	return r.ValidationStatus == StatusValid
}

// Score is the scoring model's output for one property.
type Score struct {
	RunID      string
	PropertyID string
	Score      float64
	Confidence float64
	Model      string
}
