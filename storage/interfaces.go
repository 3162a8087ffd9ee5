package storage

import "housing-retrofit/services"

// The storage backends satisfy the interfaces the pipeline consumes.
var (
	_ services.Store              = (*DuckStore)(nil)
	_ services.Publisher          = (*PostgresWriter)(nil)
	_ services.QuarantineExporter = (*QuarantineExporter)(nil)
)
