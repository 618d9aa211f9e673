package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gcbio/ccdaemon/internal/platform"
)

// fakeDriver is an inert platform driver for worker tests.
type fakeDriver struct {
	mu             sync.Mutex
	name           string
	finalOutputDir string
	launched       int
	finalized      int

	exists map[string]bool
	files  map[string][]byte
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) SetFinalOutputDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalOutputDir = dir
}

func (d *fakeDriver) Launch(context.Context, platform.ConfigBundle, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched++
	return nil
}

func (d *fakeDriver) RunCC(context.Context) (string, string, error) { return "", "", nil }
func (d *fakeDriver) CancelCC(context.Context) error                { return nil }
func (d *fakeDriver) CancelLaunch(context.Context, time.Duration) error {
	return nil
}

func (d *fakeDriver) Finalize(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized++
	return nil
}

func (d *fakeDriver) PathExists(_ context.Context, path string) (bool, error) {
	// The real report checker is storage-only and refuses local paths.
	if !platform.IsBucketPath(path) {
		return false, fmt.Errorf("%w: cannot check %s", platform.ErrStorageOnly, path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists[path], nil
}

func (d *fakeDriver) Mkdir(context.Context, string) error              { return nil }
func (d *fakeDriver) Transfer(context.Context, string, string) error   { return nil }
func (d *fakeDriver) UploadFile(context.Context, string, string) error { return nil }

func (d *fakeDriver) CatFile(_ context.Context, path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[path], nil
}

// fakeFactory hands out fakeDrivers and can be forced to fail.
type fakeFactory struct {
	mu      sync.Mutex
	fail    error
	drivers []*fakeDriver
}

func (f *fakeFactory) NewDriver(name string, res platform.Resources) (platform.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	d := &fakeDriver{name: name}
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) ReportDriver() (platform.Driver, error) {
	return &fakeDriver{name: "report"}, nil
}

func (f *fakeFactory) Validate(context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.Default()
}
