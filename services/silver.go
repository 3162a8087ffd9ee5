package services

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"housing-retrofit/config"
	"housing-retrofit/models"
	"housing-retrofit/utils"
)

// requiredFields must be present as columns in every EPC bronze partition.
var requiredFields = []string{
	"certificate_id",
	"property_type",
	"construction_era",
	"ward",
	"energy_rating",
	"floor_area",
	"inspection_date",
}

// descriptiveFields feed the completeness score.
var descriptiveFields = []string{
	"walls_description",
	"roof_description",
	"windows_description",
	"heating_description",
	"floor_area",
	"construction_era",
	"tenure",
	"main_fuel",
}

// SilverResult is the normalized output of one silver run.
type SilverResult struct {
	RunID   string
	Records []*models.NormalizedRecord
	Report  *models.QualityReport
}

// Valid returns the records that passed every domain check.
func (s *SilverResult) Valid() []*models.NormalizedRecord {
	out := make([]*models.NormalizedRecord, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Valid() {
			out = append(out, r)
		}
	}
	return out
}

// Normalizer types, validates and deduplicates bronze rows.
type Normalizer struct {
	cfg     *config.Config
	logger  *utils.Logger
	ratings map[string]struct{}
	now     func() time.Time
}

// NewNormalizer creates a Normalizer with the given configuration and logger.
func NewNormalizer(cfg *config.Config, logger *utils.Logger) *Normalizer {
	ratings := make(map[string]struct{}, len(cfg.AllowedRatings))
	for _, r := range cfg.AllowedRatings {
		ratings[strings.ToUpper(strings.TrimSpace(r))] = struct{}{}
	}
	return &Normalizer{cfg: cfg, logger: logger, ratings: ratings, now: time.Now}
}

// Normalize maps every EPC row to a NormalizedRecord, keeps the most recent
// row per property and attaches image references from image manifests. Rows
// failing validation are kept as quarantined. Only a required column missing
// from a whole partition is an error.
func (n *Normalizer) Normalize(runID string, epc, images []*models.RawBatch) (*SilverResult, error) {
	started := n.now().UTC()

	for _, batch := range epc {
		if missing := n.missingColumns(batch.Ingestion.Columns); len(missing) > 0 {
			return nil, &SchemaViolation{Stage: StageSilver, Source: batch.Ingestion.SourceFile, Missing: missing}
		}
	}
	for _, batch := range images {
		if !slices.Contains(batch.Ingestion.Columns, "IMAGE_REF") {
			return nil, &SchemaViolation{Stage: StageSilver, Source: batch.Ingestion.SourceFile, Missing: []string{"IMAGE_REF"}}
		}
	}

	imageRefs := latestImageRefs(images)

	rowsIn := 0
	groups := make(map[string]*models.NormalizedRecord)
	for _, batch := range epc {
		for _, raw := range batch.Records {
			rowsIn++
			rec := n.normalizeRow(runID, raw)
			if rec.ImageRef == "" {
				if ref, ok := imageRefs[rec.PropertyID]; ok {
					rec.ImageRef = ref
				} else if ref, ok := imageRefs[rec.CertificateID]; ok {
					rec.ImageRef = ref
				}
			}

			key := rec.PropertyID
			if key == "" {
				key = fmt.Sprintf("row:%s:%d", rec.SourceFile, rec.SourceRow)
			}
			if cur, dup := groups[key]; !dup || n.newer(rec, cur) {
				groups[key] = rec
			}
		}
	}

	records := make([]*models.NormalizedRecord, 0, len(groups))
	for _, rec := range groups {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.PropertyID != b.PropertyID {
			return a.PropertyID < b.PropertyID
		}
		if a.SourceFile != b.SourceFile {
			return a.SourceFile < b.SourceFile
		}
		return a.SourceRow < b.SourceRow
	})

	report := n.buildReport(runID, rowsIn, records, started)
	n.logger.Info("[silver] Normalized %d → %d records (duplicates %d, quarantined %d)",
		rowsIn, len(records), report.DuplicatesRemoved, report.RejectedCount)

	return &SilverResult{RunID: runID, Records: records, Report: report}, nil
}

func (n *Normalizer) missingColumns(columns []string) []string {
	present := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		present[c] = struct{}{}
	}
	var missing []string
	for _, field := range requiredFields {
		col := n.cfg.Column(field)
		switch _, ok := present[col]; {
		case col == "":
			missing = append(missing, field)
		case !ok:
			missing = append(missing, col)
		}
	}
	return missing
}

// normalizeRow applies the typed field mapping and domain rules to one row.
func (n *Normalizer) normalizeRow(runID string, raw *models.RawRecord) *models.NormalizedRecord {
	flags := map[string]struct{}{}
	flag := func(field, reason string) { flags[field+":"+reason] = struct{}{} }
	get := func(field string) string {
		return normaliseText(raw.Fields[n.cfg.Column(field)])
	}
	required := func(field string) string {
		v := get(field)
		if v == "" {
			flag(field, reasonMissing)
		}
		return v
	}
	float := func(field string) *float64 {
		f, err := parseFloat(get(field))
		if err != nil {
			flag(field, reasonUnparseable)
		}
		return f
	}
	efficiency := func(field string) *int {
		v, err := parseInt(get(field))
		if err != nil {
			flag(field, reasonUnparseable)
			return nil
		}
		if v != nil && (*v < 1 || *v > 100) {
			flag(field, reasonOutOfRange)
			return nil
		}
		return v
	}
	rating := func(field string, mandatory bool) string {
		v := strings.ToUpper(get(field))
		switch {
		case v == "":
			if mandatory {
				flag(field, reasonMissing)
			}
		case !n.allowedRating(v):
			flag(field, reasonNotAllowed)
		}
		return v
	}

	rec := &models.NormalizedRecord{
		RunID:         runID,
		CertificateID: required("certificate_id"),

		Address1:       get("address1"),
		Address2:       get("address2"),
		Postcode:       strings.ToUpper(get("postcode")),
		PostTown:       get("post_town"),
		LocalAuthority: get("local_authority"),
		Ward:           required("ward"),

		PropertyType:    required("property_type"),
		BuiltForm:       get("built_form"),
		ConstructionEra: required("construction_era"),
		Tenure:          get("tenure"),
		MainFuel:        get("main_fuel"),

		EnergyRating:    rating("energy_rating", true),
		PotentialRating: rating("potential_rating", false),

		CurrentEfficiency:   efficiency("current_efficiency"),
		PotentialEfficiency: efficiency("potential_efficiency"),

		CO2Current:            float("co2_current"),
		CO2Potential:          float("co2_potential"),
		HeatingCostCurrent:    float("heating_cost_current"),
		HeatingCostPotential:  float("heating_cost_potential"),
		HotWaterCostCurrent:   float("hot_water_cost_current"),
		HotWaterCostPotential: float("hot_water_cost_potential"),
		LightingCostCurrent:   float("lighting_cost_current"),
		LightingCostPotential: float("lighting_cost_potential"),

		WallsDescription:   get("walls_description"),
		RoofDescription:    get("roof_description"),
		WindowsDescription: get("windows_description"),
		HeatingDescription: get("heating_description"),

		WallsEffScore:    efficiencyScore(get("walls_eff")),
		RoofEffScore:     efficiencyScore(get("roof_eff")),
		WindowsEffScore:  efficiencyScore(get("windows_eff")),
		HeatingEffScore:  efficiencyScore(get("heating_eff")),
		HotWaterEffScore: efficiencyScore(get("hot_water_eff")),
		LightingEffScore: efficiencyScore(get("lighting_eff")),

		ImageRef: get("image_ref"),

		SourceFile: raw.SourceFile,
		SourceRow:  raw.RowNumber,
		IngestedAt: raw.IngestedAt,
	}

	rec.PropertyID = firstNonEmpty(get("uprn"), get("building_reference"), rec.CertificateID)

	area := get("floor_area")
	switch f, err := parseFloat(area); {
	case area == "":
		flag("floor_area", reasonMissing)
	case err != nil:
		flag("floor_area", reasonUnparseable)
	case *f <= 0:
		flag("floor_area", reasonNonPositive)
		rec.FloorArea = f
	default:
		rec.FloorArea = f
	}

	inspection := get("inspection_date")
	if t, err := parseDate(inspection); inspection == "" {
		flag("inspection_date", reasonMissing)
	} else if err != nil {
		flag("inspection_date", reasonUnparseable)
	} else {
		rec.InspectionDate = t
	}

	if t, err := parseDate(get("lodgement_date")); err != nil {
		flag("lodgement_date", reasonUnparseable)
	} else {
		rec.LodgementDate = t
	}

	rec.DataQualityScore = n.completeness(rec)

	rec.QualityFlags = make([]string, 0, len(flags))
	for f := range flags {
		rec.QualityFlags = append(rec.QualityFlags, f)
	}
	sort.Strings(rec.QualityFlags)

	rec.ValidationStatus = models.StatusValid
	if len(rec.QualityFlags) > 0 {
		rec.ValidationStatus = models.StatusQuarantined
	}
	return rec
}

func (n *Normalizer) allowedRating(v string) bool {
	_, ok := n.ratings[v]
	return ok
}

// completeness is the share of descriptive fields present, 0..100.
func (n *Normalizer) completeness(rec *models.NormalizedRecord) float64 {
	present := 0
	for _, field := range descriptiveFields {
		if !isNullField(rec, field) {
			present++
		}
	}
	return round(100*float64(present)/float64(len(descriptiveFields)), 0)
}

// newer reports whether a should replace b as the retained row for a
// property: latest inspection date first, then the configured tie-break,
// then source position so the choice never depends on input order.
func (n *Normalizer) newer(a, b *models.NormalizedRecord) bool {
	if c := compareTimes(a.InspectionDate, b.InspectionDate); c != 0 {
		return c > 0
	}
	if n.cfg.DedupTieBreak == config.TieBreakLodgement {
		if c := compareTimes(a.LodgementDate, b.LodgementDate); c != 0 {
			return c > 0
		}
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	if a.SourceFile != b.SourceFile {
		return a.SourceFile > b.SourceFile
	}
	return a.SourceRow > b.SourceRow
}

func (n *Normalizer) buildReport(runID string, rowsIn int, records []*models.NormalizedRecord, started time.Time) *models.QualityReport {
	report := &models.QualityReport{
		RunID:             runID,
		Stage:             StageSilver,
		RowsIn:            rowsIn,
		RowsOut:           len(records),
		DuplicatesRemoved: rowsIn - len(records),
		Reasons:           map[string]int{},
		NullRates:         map[string]float64{},
		StartedAt:         started,
	}

	nulls := make(map[string]int, len(nullRateFields))
	for _, rec := range records {
		if !rec.Valid() {
			report.RejectedCount++
		}
		for _, f := range rec.QualityFlags {
			report.Reasons[f]++
		}
		for _, field := range nullRateFields {
			if isNullField(rec, field) {
				nulls[field]++
			}
		}
	}
	if len(records) > 0 {
		for _, field := range nullRateFields {
			report.NullRates[field] = round(float64(nulls[field])/float64(len(records)), 4)
		}
	}

	report.CompletedAt = n.now().UTC()
	return report
}

// imageEntry is one candidate image reference from a manifest row.
type imageEntry struct {
	ref string
	at  time.Time
	raw *models.RawRecord
}

// after orders entries by capture time, then by the same source position
// order used for EPC duplicates, so batch order never decides the winner.
func (e imageEntry) after(o imageEntry) bool {
	if !e.at.Equal(o.at) {
		return e.at.After(o.at)
	}
	if !e.raw.IngestedAt.Equal(o.raw.IngestedAt) {
		return e.raw.IngestedAt.After(o.raw.IngestedAt)
	}
	if e.raw.SourceFile != o.raw.SourceFile {
		return e.raw.SourceFile > o.raw.SourceFile
	}
	return e.raw.RowNumber > o.raw.RowNumber
}

// latestImageRefs indexes image manifest rows by property and certificate
// id, keeping the most recently captured reference.
func latestImageRefs(batches []*models.RawBatch) map[string]string {
	latest := map[string]imageEntry{}
	for _, batch := range batches {
		for _, raw := range batch.Records {
			ref := normaliseText(raw.Fields["IMAGE_REF"])
			if ref == "" {
				continue
			}
			at := raw.IngestedAt
			if t, err := parseDate(normaliseText(raw.Fields["CAPTURED_AT"])); err == nil && t != nil {
				at = *t
			}
			for _, key := range []string{normaliseText(raw.Fields["PROPERTY_ID"]), normaliseText(raw.Fields["LMK_KEY"])} {
				if key == "" {
					continue
				}
				e := imageEntry{ref: ref, at: at, raw: raw}
				if cur, ok := latest[key]; !ok || e.after(cur) {
					latest[key] = e
				}
			}
		}
	}

	out := make(map[string]string, len(latest))
	for k, e := range latest {
		out[k] = e.ref
	}
	return out
}

// compareTimes orders nil before any time.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case a.Before(*b):
		return -1
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
