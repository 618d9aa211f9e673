package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrStorageOnly is returned by VM operations on the storage-only report
// driver.
var ErrStorageOnly = errors.New("driver is storage-only")

// Config is the `platform` section of the daemon configuration.
type Config struct {
	Provider       string `yaml:"provider"`
	Project        string `yaml:"project"`
	Zone           string `yaml:"zone"`
	Region         string `yaml:"region"`
	Image          string `yaml:"image"`
	ServiceAccount string `yaml:"service_account"`
	EngineRepo     string `yaml:"engine_repo"`
	InstancePrefix string `yaml:"instance_prefix"`

	StorageEndpoint  string `yaml:"storage_endpoint"`
	StorageAccessKey string `yaml:"storage_access_key"`
	StorageSecretKey string `yaml:"storage_secret_key"`
	StorageInsecure  bool   `yaml:"storage_insecure"`
}

// Validate checks the fields every driver needs before any VM is created.
func (c Config) Validate() error {
	if c.Provider != "" && !strings.EqualFold(c.Provider, "google") {
		return fmt.Errorf("unsupported platform provider %q", c.Provider)
	}
	if c.Project == "" {
		return errors.New("platform: project is required")
	}
	if c.Zone == "" {
		return errors.New("platform: zone is required")
	}
	if c.Image == "" {
		return errors.New("platform: image is required")
	}
	if c.EngineRepo == "" {
		return errors.New("platform: engine_repo is required")
	}
	return nil
}

// GoogleFactory builds GoogleDrivers that share one object-store client.
type GoogleFactory struct {
	cfg   Config
	store *ObjectStore
	log   *slog.Logger
}

// NewGoogleFactory validates the config and dials the object store.
func NewGoogleFactory(cfg Config, log *slog.Logger) (*GoogleFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := NewObjectStore(cfg)
	if err != nil {
		return nil, err
	}
	return &GoogleFactory{cfg: cfg, store: store, log: log}, nil
}

// NewDriver returns a fresh driver whose VM is sized by res. The instance
// name gets the configured prefix so stray VMs are attributable.
func (f *GoogleFactory) NewDriver(name string, res Resources) (Driver, error) {
	if res.CPUs <= 0 || res.MemGB <= 0 || res.DiskGB <= 0 {
		return nil, fmt.Errorf("invalid resources for %s: %d cpus, %d GB mem, %d GB disk",
			name, res.CPUs, res.MemGB, res.DiskGB)
	}
	full := name
	if f.cfg.InstancePrefix != "" {
		full = f.cfg.InstancePrefix + "-" + name
	}
	return newGoogleDriver(full, f.cfg, res, f.store, f.log), nil
}

// ReportDriver returns the shared storage-only driver used to verify output
// files and fetch QC reports. It never provisions a VM.
func (f *GoogleFactory) ReportDriver() (Driver, error) {
	return &storeDriver{store: f.store}, nil
}

// Validate probes the credentials with a no-op gcloud call. Run once at
// daemon startup so misconfiguration surfaces before any pipeline launches.
func (f *GoogleFactory) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, _, err := gcloud(ctx, "compute", "images", "describe", f.cfg.Image,
		"--project", f.cfg.Project, "--format", "value(name)")
	if err != nil {
		return fmt.Errorf("platform validation: %w", err)
	}
	return nil
}

// storeDriver serves the report worker: existence checks and reads against
// object storage only.
type storeDriver struct {
	store *ObjectStore
}

func (s *storeDriver) Name() string             { return "report-store" }
func (s *storeDriver) SetFinalOutputDir(string) {}

func (s *storeDriver) PathExists(ctx context.Context, path string) (bool, error) {
	if !IsBucketPath(path) {
		return false, fmt.Errorf("%w: cannot check %s", ErrStorageOnly, path)
	}
	return s.store.Exists(ctx, path)
}

func (s *storeDriver) CatFile(ctx context.Context, path string) ([]byte, error) {
	if !IsBucketPath(path) {
		return nil, fmt.Errorf("%w: cannot read %s", ErrStorageOnly, path)
	}
	return s.store.Cat(ctx, path)
}

func (s *storeDriver) Mkdir(ctx context.Context, path string) error {
	if !IsBucketPath(path) {
		return fmt.Errorf("%w: cannot mkdir %s", ErrStorageOnly, path)
	}
	return s.store.Mkdir(ctx, path)
}

func (s *storeDriver) Launch(context.Context, ConfigBundle, string) error {
	return ErrStorageOnly
}
func (s *storeDriver) RunCC(context.Context) (string, string, error) {
	return "", "", ErrStorageOnly
}
func (s *storeDriver) CancelCC(context.Context) error                    { return ErrStorageOnly }
func (s *storeDriver) CancelLaunch(context.Context, time.Duration) error { return ErrStorageOnly }
func (s *storeDriver) Finalize(context.Context) error                    { return nil }
func (s *storeDriver) Transfer(context.Context, string, string) error    { return ErrStorageOnly }
func (s *storeDriver) UploadFile(context.Context, string, string) error  { return ErrStorageOnly }
