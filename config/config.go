package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tie-break policies applied when two rows for the same property share an
// inspection date.
const (
	TieBreakIngestion = "ingestion"
	TieBreakLodgement = "lodgement"
)

// Config holds all application configuration loaded from environment
// variables and the optional pipeline YAML file.
type Config struct {
	DuckDBPath string

	SourceFiles    []string
	ImageManifests []string
	SourceEncoding string
	CSVDelimiter   rune
	ParseWorkers   int

	QuarantineDir string
	ImageDir      string

	PartitionKeys  []string
	DedupTieBreak  string
	AllowedRatings []string
	// Columns maps a logical field name to the source column that carries it.
	Columns map[string]string

	ListenAddr string
	Schedule   string

	PublishPostgres  bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	CaptureConcurrency int
	CaptureRateLimitMs int
	CaptureMaxRetries  int
	ChromeBin          string
}

// pipelineFile is the shape of the optional PIPELINE_CONFIG YAML document.
type pipelineFile struct {
	PartitionKeys  []string          `yaml:"partition_keys"`
	DedupTieBreak  string            `yaml:"dedup_tie_break"`
	AllowedRatings []string          `yaml:"allowed_ratings"`
	Columns        map[string]string `yaml:"columns"`
}

// DefaultColumns is the logical field -> EPC extract column mapping.
func DefaultColumns() map[string]string {
	return map[string]string{
		"certificate_id":           "LMK_KEY",
		"uprn":                     "UPRN",
		"building_reference":       "BUILDING_REFERENCE_NUMBER",
		"address1":                 "ADDRESS1",
		"address2":                 "ADDRESS2",
		"postcode":                 "POSTCODE",
		"post_town":                "POSTTOWN",
		"local_authority":          "LOCAL_AUTHORITY_LABEL",
		"ward":                     "WARD",
		"property_type":            "PROPERTY_TYPE",
		"built_form":               "BUILT_FORM",
		"construction_era":         "CONSTRUCTION_AGE_BAND",
		"tenure":                   "TENURE",
		"main_fuel":                "MAIN_FUEL",
		"energy_rating":            "CURRENT_ENERGY_RATING",
		"potential_rating":         "POTENTIAL_ENERGY_RATING",
		"floor_area":               "TOTAL_FLOOR_AREA",
		"current_efficiency":       "CURRENT_ENERGY_EFFICIENCY",
		"potential_efficiency":     "POTENTIAL_ENERGY_EFFICIENCY",
		"co2_current":              "CO2_EMISSIONS_CURRENT",
		"co2_potential":            "CO2_EMISSIONS_POTENTIAL",
		"heating_cost_current":     "HEATING_COST_CURRENT",
		"heating_cost_potential":   "HEATING_COST_POTENTIAL",
		"hot_water_cost_current":   "HOT_WATER_COST_CURRENT",
		"hot_water_cost_potential": "HOT_WATER_COST_POTENTIAL",
		"lighting_cost_current":    "LIGHTING_COST_CURRENT",
		"lighting_cost_potential":  "LIGHTING_COST_POTENTIAL",
		"walls_description":        "WALLS_DESCRIPTION",
		"roof_description":         "ROOF_DESCRIPTION",
		"windows_description":      "WINDOWS_DESCRIPTION",
		"heating_description":      "MAINHEAT_DESCRIPTION",
		"walls_eff":                "WALLS_ENERGY_EFF",
		"roof_eff":                 "ROOF_ENERGY_EFF",
		"windows_eff":              "WINDOWS_ENERGY_EFF",
		"heating_eff":              "MAINHEAT_ENERGY_EFF",
		"hot_water_eff":            "HOT_WATER_ENERGY_EFF",
		"lighting_eff":             "LIGHTING_ENERGY_EFF",
		"inspection_date":          "INSPECTION_DATE",
		"lodgement_date":           "LODGEMENT_DATE",
		"image_ref":                "IMAGE_REF",
	}
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		DuckDBPath:     "./data/processed/housing.duckdb",
		SourceFiles:    []string{"./data/raw/certificates.csv"},
		SourceEncoding: "utf-8",
		CSVDelimiter:   ',',
		ParseWorkers:   4,
		QuarantineDir:  "./data/quarantine",
		ImageDir:       "./data/images",
		PartitionKeys:  []string{"property_type", "construction_era", "ward"},
		DedupTieBreak:  TieBreakIngestion,
		AllowedRatings: []string{"A", "B", "C", "D", "E", "F", "G"},
		Columns:        DefaultColumns(),
		ListenAddr:     ":8000",

		PostgresHost:    "localhost",
		PostgresPort:    "5432",
		PostgresUser:    "retrofit",
		PostgresDB:      "retrofit",
		PostgresSSLMode: "disable",

		CaptureConcurrency: 3,
		CaptureRateLimitMs: 2000,
		CaptureMaxRetries:  3,
	}
}

// Load reads the .env file, the environment and PIPELINE_CONFIG, and returns
// a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	d := Default()
	cfg := &Config{
		DuckDBPath:     getEnv("DUCKDB_PATH", d.DuckDBPath),
		SourceFiles:    getEnvList("SOURCE_FILES", d.SourceFiles),
		ImageManifests: getEnvList("IMAGE_MANIFESTS", nil),
		SourceEncoding: getEnv("SOURCE_ENCODING", d.SourceEncoding),
		CSVDelimiter:   getEnvRune("CSV_DELIMITER", d.CSVDelimiter),
		ParseWorkers:   getEnvInt("PARSE_WORKERS", d.ParseWorkers),

		QuarantineDir: getEnv("QUARANTINE_DIR", d.QuarantineDir),
		ImageDir:      getEnv("IMAGE_DIR", d.ImageDir),

		PartitionKeys:  getEnvList("PARTITION_KEYS", d.PartitionKeys),
		DedupTieBreak:  getEnv("DEDUP_TIE_BREAK", d.DedupTieBreak),
		AllowedRatings: d.AllowedRatings,
		Columns:        d.Columns,

		ListenAddr: getEnv("LISTEN_ADDR", d.ListenAddr),
		Schedule:   getEnv("SCHEDULE", ""),

		PublishPostgres:  getEnvBool("PUBLISH_POSTGRES", false),
		PostgresHost:     getEnv("POSTGRES_HOST", d.PostgresHost),
		PostgresPort:     getEnv("POSTGRES_PORT", d.PostgresPort),
		PostgresUser:     getEnv("POSTGRES_USER", d.PostgresUser),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", d.PostgresDB),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", d.PostgresSSLMode),

		CaptureConcurrency: getEnvInt("CAPTURE_CONCURRENCY", d.CaptureConcurrency),
		CaptureRateLimitMs: getEnvInt("CAPTURE_RATE_LIMIT_MS", d.CaptureRateLimitMs),
		CaptureMaxRetries:  getEnvInt("CAPTURE_MAX_RETRIES", d.CaptureMaxRetries),
		ChromeBin:          getEnv("CHROME_BIN", ""),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the YAML pipeline file onto cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var pf pipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(pf.PartitionKeys) > 0 {
		c.PartitionKeys = pf.PartitionKeys
	}
	if pf.DedupTieBreak != "" {
		c.DedupTieBreak = pf.DedupTieBreak
	}
	if len(pf.AllowedRatings) > 0 {
		c.AllowedRatings = pf.AllowedRatings
	}
	if len(pf.Columns) > 0 {
		merged := make(map[string]string, len(c.Columns))
		for k, v := range c.Columns {
			merged[k] = v
		}
		for k, v := range pf.Columns {
			merged[k] = v
		}
		c.Columns = merged
	}
	return nil
}

// Validate rejects settings no stage can run with.
func (c *Config) Validate() error {
	if c.DuckDBPath == "" {
		return fmt.Errorf("config: DUCKDB_PATH must not be empty")
	}
	switch c.DedupTieBreak {
	case TieBreakIngestion, TieBreakLodgement:
	default:
		return fmt.Errorf("config: unknown dedup tie-break %q (want %q or %q)",
			c.DedupTieBreak, TieBreakIngestion, TieBreakLodgement)
	}
	if len(c.PartitionKeys) == 0 {
		return fmt.Errorf("config: at least one partition key is required")
	}
	if len(c.AllowedRatings) == 0 {
		return fmt.Errorf("config: allowed ratings must not be empty")
	}
	return nil
}

// Column returns the source column for a logical field.
func (c *Config) Column(field string) string {
	return c.Columns[field]
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvRune(key string, fallback rune) rune {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if val == `\t` {
		return '\t'
	}
	return []rune(val)[0]
}
