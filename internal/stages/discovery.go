package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"entpipe/internal/identity"
	"entpipe/internal/logging"
)

// preflightSampleLines bounds how many lines per file the preflight parses.
const preflightSampleLines = 100

// Verdicts emitted in the manifest.
const (
	VerdictGo               = "GO"
	VerdictNoSourceDir      = "NO_GO(missing_source_dir)"
	VerdictNoFiles          = "NO_GO(no_files)"
	VerdictNoMessages       = "NO_GO(no_messages)"
	VerdictMalformedRatio   = "NO_GO(malformed_ratio)"
	VerdictInsufficientDisk = "NO_GO(insufficient_disk)"
)

// ManifestFile describes one discovered session file.
type ManifestFile struct {
	Path             string `json:"path"`
	SessionID        string `json:"session_id"`
	SizeBytes        int64  `json:"size_bytes"`
	SampledLines     int    `json:"sampled_lines"`
	SampledMalformed int    `json:"sampled_malformed"`
}

// Manifest is the discovery output: a go/no-go verdict over the source
// directory plus per-file metadata. Downstream stages must not run when the
// verdict is not GO.
type Manifest struct {
	SourceDir         string         `json:"source_dir"`
	SourceName        string         `json:"source_name"`
	FileCount         int            `json:"file_count"`
	TotalSize         int64          `json:"total_size"`
	Files             []ManifestFile `json:"files"`
	GoNoGo            string         `json:"go_no_go"`
	DiskFreeBytes     uint64         `json:"disk_free_bytes"`
	MemAvailableBytes uint64         `json:"mem_available_bytes"`
	RunID             string         `json:"run_id"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// OK reports whether the verdict allows the pipeline to proceed.
func (m *Manifest) OK() bool {
	return m.GoNoGo == VerdictGo
}

// Discovery is stage 0: enumerate session files, sample them for malformed
// JSON, check host resources, and write the manifest. Fails closed: any
// doubt produces NO_GO.
type Discovery struct {
	p *Pipeline
}

func (s *Discovery) Number() int  { return 0 }
func (s *Discovery) Name() string { return "discovery" }

func (s *Discovery) Run(ctx context.Context, opts Options) (*Stats, error) {
	manifest, err := s.Discover(ctx, opts.RunID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{RowsIn: manifest.FileCount, RowsOut: manifest.FileCount}
	stats.extra("go", boolToInt(manifest.OK()))

	if opts.DryRun {
		return stats, nil
	}
	path, err := s.p.WriteManifest(manifest)
	if err != nil {
		return nil, err
	}
	logging.Info("discovery", "manifest %s: %d files, %s", path, manifest.FileCount, manifest.GoNoGo)
	return stats, nil
}

// Discover builds the manifest without writing it.
func (s *Discovery) Discover(ctx context.Context, runID string) (*Manifest, error) {
	cfg := s.p.cfg
	manifest := &Manifest{
		SourceDir:   cfg.Source.Dir,
		SourceName:  cfg.Source.Name,
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		manifest.MemAvailableBytes = vm.Available
	}

	info, err := os.Stat(cfg.Source.Dir)
	if err != nil || !info.IsDir() {
		manifest.GoNoGo = VerdictNoSourceDir
		return manifest, nil
	}

	if usage, err := disk.Usage(cfg.Source.Dir); err == nil {
		manifest.DiskFreeBytes = usage.Free
	}

	paths, err := filepath.Glob(filepath.Join(cfg.Source.Dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", cfg.Source.Dir, err)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		manifest.GoNoGo = VerdictNoFiles
		return manifest, nil
	}

	var totalLines, totalMalformed int
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mf, err := sampleFile(path)
		if err != nil {
			logging.Warn("discovery", "cannot sample %s: %v", path, err)
			continue
		}
		manifest.Files = append(manifest.Files, mf)
		manifest.TotalSize += mf.SizeBytes
		totalLines += mf.SampledLines
		totalMalformed += mf.SampledMalformed
	}
	manifest.FileCount = len(manifest.Files)

	switch {
	case manifest.FileCount == 0:
		manifest.GoNoGo = VerdictNoFiles
	case totalLines == 0:
		manifest.GoNoGo = VerdictNoMessages
	case float64(totalMalformed)/float64(totalLines) > cfg.Pipeline.MaxParseErrorRatio:
		manifest.GoNoGo = VerdictMalformedRatio
	case manifest.DiskFreeBytes > 0 && manifest.DiskFreeBytes < uint64(manifest.TotalSize)*2:
		// The warehouse grows to a small multiple of the raw input.
		manifest.GoNoGo = VerdictInsufficientDisk
	default:
		manifest.GoNoGo = VerdictGo
	}
	return manifest, nil
}

// WriteManifest persists the manifest into the staging directory.
func (p *Pipeline) WriteManifest(m *Manifest) (string, error) {
	if err := os.MkdirAll(p.cfg.Staging.Dir, 0755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(p.cfg.Staging.Dir, fmt.Sprintf("manifest_%s.json", m.RunID))
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads the manifest for a run from the staging directory.
func (p *Pipeline) ReadManifest(runID string) (*Manifest, error) {
	path := filepath.Join(p.cfg.Staging.Dir, fmt.Sprintf("manifest_%s.json", runID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest for run %s: %w; run stage 0 first", runID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

func sampleFile(path string) (ManifestFile, error) {
	mf := ManifestFile{Path: path, SessionID: identity.SessionID(path)}

	info, err := os.Stat(path)
	if err != nil {
		return mf, err
	}
	mf.SizeBytes = info.Size()

	f, err := os.Open(path)
	if err != nil {
		return mf, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() && mf.SampledLines < preflightSampleLines {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		mf.SampledLines++
		if !json.Valid(line) {
			mf.SampledMalformed++
		}
	}
	return mf, scanner.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
