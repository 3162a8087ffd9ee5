package services

import "housing-retrofit/models"

// groupFields are the silver fields gold can partition by.
var groupFields = map[string]func(*models.NormalizedRecord) string{
	"property_type":    func(r *models.NormalizedRecord) string { return r.PropertyType },
	"construction_era": func(r *models.NormalizedRecord) string { return r.ConstructionEra },
	"ward":             func(r *models.NormalizedRecord) string { return r.Ward },
	"local_authority":  func(r *models.NormalizedRecord) string { return r.LocalAuthority },
	"built_form":       func(r *models.NormalizedRecord) string { return r.BuiltForm },
	"tenure":           func(r *models.NormalizedRecord) string { return r.Tenure },
	"main_fuel":        func(r *models.NormalizedRecord) string { return r.MainFuel },
	"energy_rating":    func(r *models.NormalizedRecord) string { return r.EnergyRating },
	"postcode":         func(r *models.NormalizedRecord) string { return r.Postcode },
	"post_town":        func(r *models.NormalizedRecord) string { return r.PostTown },
}

// nullRateFields are reported in the silver quality report.
var nullRateFields = []string{
	"property_type",
	"construction_era",
	"ward",
	"energy_rating",
	"floor_area",
	"current_efficiency",
	"potential_efficiency",
	"walls_description",
	"roof_description",
	"windows_description",
	"heating_description",
	"tenure",
	"main_fuel",
	"inspection_date",
}

func isNullField(r *models.NormalizedRecord, field string) bool {
	if get, ok := groupFields[field]; ok {
		return get(r) == ""
	}
	switch field {
	case "floor_area":
		return r.FloorArea == nil
	case "current_efficiency":
		return r.CurrentEfficiency == nil
	case "potential_efficiency":
		return r.PotentialEfficiency == nil
	case "walls_description":
		return r.WallsDescription == ""
	case "roof_description":
		return r.RoofDescription == ""
	case "windows_description":
		return r.WindowsDescription == ""
	case "heating_description":
		return r.HeatingDescription == ""
	case "inspection_date":
		return r.InspectionDate == nil
	}
	return true
}
