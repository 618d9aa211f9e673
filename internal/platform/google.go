package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workspace layout on the runner VM. Everything the pipeline engine touches
// lives under these three directories.
const (
	wrkDir = "/home/cc/wrk"
	logDir = "/home/cc/log"
	ccDir  = "/home/cc/cc"
)

// Config file names inside wrkDir.
const (
	graphConfigFile    = "graph.config"
	resourceKitFile    = "resources.config"
	platformConfigFile = "platform.config"
	sampleSheetFile    = "sample_sheet.json"
	startupScriptFile  = "startup.sh"
)

// Placeholders substituted into the platform config before upload.
const (
	namePlaceholder      = "__PIPELINE_NAME__"
	outputDirPlaceholder = "__FINAL_OUTPUT_DIR__"
)

// GoogleDriver runs one pipeline on a Google Compute Engine VM, with outputs
// landing in Cloud Storage. It implements Driver.
type GoogleDriver struct {
	name  string
	cfg   Config
	proc  *Processor
	store *ObjectStore
	log   *slog.Logger

	mu             sync.Mutex
	finalOutputDir string
	launched       bool
	finalized      bool
}

func newGoogleDriver(name string, cfg Config, res Resources, store *ObjectStore, log *slog.Logger) *GoogleDriver {
	return &GoogleDriver{
		name:  name,
		cfg:   cfg,
		proc:  NewProcessor(name, cfg, res, log),
		store: store,
		log:   log.With("driver", name),
	}
}

func (d *GoogleDriver) Name() string { return d.name }

// SetFinalOutputDir sets the bucket prefix where outputs and logs land.
func (d *GoogleDriver) SetFinalOutputDir(dir string) {
	d.mu.Lock()
	d.finalOutputDir = dir
	d.mu.Unlock()
}

func (d *GoogleDriver) getFinalOutputDir() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalOutputDir
}

// Launch provisions the VM, prepares the workspace, installs the pipeline
// engine, and uploads the configuration bundle.
func (d *GoogleDriver) Launch(ctx context.Context, configs ConfigBundle, commitID string) error {
	if err := d.proc.Create(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.launched = true
	d.mu.Unlock()

	mkdirs := fmt.Sprintf("sudo mkdir -p %s %s %s && sudo chmod -R 777 %s %s %s",
		wrkDir, logDir, ccDir, wrkDir, logDir, ccDir)
	if _, _, err := d.proc.Run(ctx, mkdirs); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	clone := fmt.Sprintf("git clone %s %s", d.cfg.EngineRepo, ccDir)
	if commitID != "" {
		clone = fmt.Sprintf("%s && git -C %s reset --hard %s", clone, ccDir, commitID)
	}
	if _, stderr, err := d.proc.Run(ctx, clone); err != nil {
		return fmt.Errorf("install pipeline engine: %w: %s", err, strings.TrimSpace(stderr))
	}

	if configs.StartupScript != "" {
		remote := filepath.Join(wrkDir, startupScriptFile)
		if err := d.uploadContent(ctx, configs.StartupScript, remote); err != nil {
			return err
		}
		if _, stderr, err := d.proc.Run(ctx, fmt.Sprintf("chmod +x %s && sudo %s", remote, remote)); err != nil {
			return fmt.Errorf("startup script: %w: %s", err, strings.TrimSpace(stderr))
		}
	}

	platformConf := d.preprocessPlatformConfig(configs.Platform)
	uploads := []struct {
		content string
		file    string
	}{
		{configs.Graph, graphConfigFile},
		{configs.ResourceKit, resourceKitFile},
		{platformConf, platformConfigFile},
		{configs.SampleSheet, sampleSheetFile},
	}
	for _, u := range uploads {
		if err := d.uploadContent(ctx, u.content, filepath.Join(wrkDir, u.file)); err != nil {
			return err
		}
	}
	return nil
}

// preprocessPlatformConfig substitutes the per-pipeline values the stored
// platform config template cannot know ahead of time.
func (d *GoogleDriver) preprocessPlatformConfig(conf string) string {
	r := strings.NewReplacer(
		namePlaceholder, d.name,
		outputDirPlaceholder, d.getFinalOutputDir(),
	)
	return r.Replace(conf)
}

// uploadContent stages content in a local scratch file and copies it onto
// the VM.
func (d *GoogleDriver) uploadContent(ctx context.Context, content, remote string) error {
	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("ccdaemon-%s-%s", d.name, uuid.NewString()[:8]))
	if err := os.WriteFile(scratch, []byte(content), 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", remote, err)
	}
	defer os.Remove(scratch)
	if err := d.proc.Upload(ctx, scratch, remote); err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	return nil
}

// RunCC starts the pipeline engine and blocks until it exits.
func (d *GoogleDriver) RunCC(ctx context.Context) (string, string, error) {
	cmd := fmt.Sprintf(
		"cd %s && ./CloudConductor --name %s --input %s --pipeline_config %s --res_kit_config %s --plat_config %s --plat_name Google -o %s -vv",
		ccDir, d.name,
		filepath.Join(wrkDir, sampleSheetFile),
		filepath.Join(wrkDir, graphConfigFile),
		filepath.Join(wrkDir, resourceKitFile),
		filepath.Join(wrkDir, platformConfigFile),
		logDir,
	)
	d.log.Info("starting pipeline engine")
	return d.proc.Run(ctx, cmd)
}

// CancelCC interrupts the remote engine. SIGINT lets it tear down its own
// task instances before exiting.
func (d *GoogleDriver) CancelCC(ctx context.Context) error {
	d.log.Info("cancelling pipeline engine")
	_, stderr, err := d.proc.Run(ctx, "pgrep -f CloudConductor | xargs -r kill -INT")
	if err != nil {
		return fmt.Errorf("cancel engine on %s: %w: %s", d.name, err, strings.TrimSpace(stderr))
	}
	return nil
}

// CancelLaunch interrupts an in-flight Launch. The instance create call
// cannot be aborted midway, so it waits for the handle to appear and stops
// it; if nothing appears within timeout the VM never materialized.
func (d *GoogleDriver) CancelLaunch(ctx context.Context, timeout time.Duration) error {
	d.proc.Lock()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		switch d.proc.Status() {
		case ProcAvailable, ProcBusy:
			return d.proc.Stop(ctx)
		case ProcDead:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrLaunchTimeout, d.name, timeout)
		case <-ticker.C:
		}
	}
}

// Finalize uploads the log directory to the final output location and
// destroys the VM. It runs at most once; later calls are no-ops.
func (d *GoogleDriver) Finalize(ctx context.Context) error {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return nil
	}
	d.finalized = true
	launched := d.launched
	d.mu.Unlock()

	if !launched {
		return nil
	}
	if dest := d.getFinalOutputDir(); dest != "" && d.proc.Status() != ProcOff && d.proc.Status() != ProcDead {
		d.proc.Unlock()
		if err := d.Transfer(ctx, logDir, dest); err != nil {
			// Logs are best effort; the VM still has to go.
			d.log.Warn("log transfer failed", "error", err)
		}
	}
	return d.proc.Destroy(ctx)
}

// PathExists reports whether the path exists on the VM or in object storage.
func (d *GoogleDriver) PathExists(ctx context.Context, path string) (bool, error) {
	if IsBucketPath(path) {
		return d.store.Exists(ctx, path)
	}
	_, _, err := d.proc.Run(ctx, fmt.Sprintf("test -e %s", path))
	if err != nil {
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Mkdir creates a directory on the VM or ensures the bucket exists.
func (d *GoogleDriver) Mkdir(ctx context.Context, path string) error {
	if IsBucketPath(path) {
		return d.store.Mkdir(ctx, path)
	}
	_, stderr, err := d.proc.Run(ctx, fmt.Sprintf("sudo mkdir -p %s && sudo chmod 777 %s", path, path))
	if err != nil {
		return fmt.Errorf("mkdir %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Transfer copies a file or tree from the VM into destDir in object storage.
// The copy runs on the VM itself so data never transits the daemon host.
func (d *GoogleDriver) Transfer(ctx context.Context, src, destDir string) error {
	if !IsBucketPath(destDir) {
		return fmt.Errorf("transfer destination must be a bucket path, got %s", destDir)
	}
	if !strings.HasSuffix(destDir, "/") {
		destDir += "/"
	}
	_, stderr, err := d.proc.Run(ctx, fmt.Sprintf("gsutil -m cp -r %s %s", src, destDir))
	if err != nil {
		return fmt.Errorf("transfer %s to %s: %w: %s", src, destDir, err, strings.TrimSpace(stderr))
	}
	return nil
}

// UploadFile copies a local file onto the VM.
func (d *GoogleDriver) UploadFile(ctx context.Context, local, remote string) error {
	return d.proc.Upload(ctx, local, remote)
}

// CatFile returns the contents of a file on the VM or in object storage.
func (d *GoogleDriver) CatFile(ctx context.Context, path string) ([]byte, error) {
	if IsBucketPath(path) {
		return d.store.Cat(ctx, path)
	}
	stdout, stderr, err := d.proc.Run(ctx, fmt.Sprintf("cat %s", path))
	if err != nil {
		return nil, fmt.Errorf("cat %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return []byte(stdout), nil
}
