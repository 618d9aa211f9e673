// Package platform abstracts the per-pipeline compute environment: a cloud VM
// that runs the pipeline engine, plus the object storage where inputs and
// outputs live. One Driver is created per pipeline and owned by its runner;
// a shared report driver serves output-file existence checks.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrLaunchTimeout is returned by CancelLaunch when no VM handle appeared
// within the wait window.
var ErrLaunchTimeout = errors.New("timed out waiting for platform handle")

// ConfigBundle carries the decoded configuration files uploaded to the
// runner VM at launch. StartupScript may be empty.
type ConfigBundle struct {
	Graph         string
	ResourceKit   string
	Platform      string
	SampleSheet   string
	StartupScript string
}

// Driver is the contract every platform implementation satisfies. Drivers
// block on cloud operations; callers bound them with the context.
type Driver interface {
	// Name identifies the driver instance (derived from the pipeline id).
	Name() string

	// Launch provisions the VM, prepares the workspace, installs the
	// pipeline engine (optionally reset to commitID), and uploads the
	// config bundle.
	Launch(ctx context.Context, configs ConfigBundle, commitID string) error

	// RunCC starts the pipeline engine on the VM and blocks until it exits.
	RunCC(ctx context.Context) (stdout, stderr string, err error)

	// CancelCC signals the remote engine to stop gracefully.
	CancelCC(ctx context.Context) error

	// CancelLaunch interrupts an in-flight Launch. It waits up to timeout
	// for the VM handle to appear, then stops it.
	CancelLaunch(ctx context.Context, timeout time.Duration) error

	// Finalize uploads the log directory as a final output and destroys the
	// VM. Safe to call whether or not Launch succeeded.
	Finalize(ctx context.Context) error

	// PathExists reports whether a path exists, on the VM or in object
	// storage depending on the path form.
	PathExists(ctx context.Context, path string) (bool, error)

	// Mkdir creates a directory (or bucket prefix) if absent.
	Mkdir(ctx context.Context, path string) error

	// Transfer copies a file or tree from the VM into destDir in object
	// storage.
	Transfer(ctx context.Context, src, destDir string) error

	// UploadFile copies a local file onto the VM.
	UploadFile(ctx context.Context, local, remote string) error

	// CatFile returns the contents of a file on the VM or in object storage.
	CatFile(ctx context.Context, path string) ([]byte, error)

	// SetFinalOutputDir sets where pipeline outputs and logs are returned.
	SetFinalOutputDir(dir string)
}

// Resources sizes the VM backing one driver.
type Resources struct {
	CPUs   int
	MemGB  int
	DiskGB int
}

// Factory produces isolated drivers on demand. The launch worker requests a
// fresh driver per pipeline; the report worker shares a single long-lived,
// storage-only one.
type Factory interface {
	NewDriver(name string, res Resources) (Driver, error)
	ReportDriver() (Driver, error)
	Validate(ctx context.Context) error
}
