// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// the UUID of a package (one submitted transfer).
	PackageID = "package_id"

	JobID  = "job_id"
	TaskID = "task_id"

	// workflow graph coordinates
	ChainID = "chain_id"
	LinkID  = "link_id"

	// per-file task file identifier (relative path within the package)
	FileID = "file_id"

	ExitCode = "exit_code"
	Status   = "status"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
