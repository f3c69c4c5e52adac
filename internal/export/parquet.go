package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/registry"
)

// ParquetExport lays out one extract's report data under the export tree:
//
//	<root>/exports/<slug>/all_extracts/omop/<time-slug>/{public,radiology}
//	<root>/exports/<slug>/latest/omop -> symlinks into the newest extract
type ParquetExport struct {
	ProjectSlug     string
	ExtractTimeSlug string

	exportBase string
	current    string
	latestDir  string
	logger     *zap.Logger
}

func NewParquetExport(root, projectName string, extractDatetime time.Time, logger *zap.Logger) *ParquetExport {
	projectSlug := slug.Make(projectName)
	timeSlug := slug.Make(extractDatetime.Format(time.RFC3339))
	base := filepath.Join(root, "exports", projectSlug)
	return &ParquetExport{
		ProjectSlug:     projectSlug,
		ExtractTimeSlug: timeSlug,
		exportBase:      base,
		current:         filepath.Join(base, "all_extracts", "omop", timeSlug),
		latestDir:       filepath.Join(base, "latest", "omop"),
		logger:          logger,
	}
}

// CopyToExports copies the cohort's public OMOP parquet directory into the
// extract tree and points latest/omop/public at it.
func (p *ParquetExport) CopyToExports(omopDir string) error {
	publicInput := filepath.Join(omopDir, "public")
	if _, err := os.Stat(publicInput); err != nil {
		return fmt.Errorf("no public directory under %s: %w", omopDir, err)
	}

	publicOutput := filepath.Join(p.current, "public")
	if err := copyTree(publicInput, publicOutput); err != nil {
		return err
	}
	p.logger.Info("copied public omop parquet",
		zap.String("from", publicInput), zap.String("to", publicOutput))

	return relink(publicOutput, filepath.Join(p.latestDir, "public"))
}

// ExportRadiology writes the linked report rows to radiology.parquet and
// points latest/omop/radiology.parquet at it.
func (p *ParquetExport) ExportRadiology(rows []registry.RadiologyRow) (string, error) {
	outDir := filepath.Join(p.current, "radiology")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	file := filepath.Join(outDir, "radiology.parquet")
	if err := parquet.WriteFile(file, rows); err != nil {
		return "", fmt.Errorf("write %s: %w", file, err)
	}
	p.logger.Info("wrote radiology parquet",
		zap.String("file", file), zap.Int("rows", len(rows)))

	if err := relink(file, filepath.Join(p.latestDir, "radiology.parquet")); err != nil {
		return "", err
	}
	return outDir, nil
}

// relink points link at target with an unlink-then-symlink sequence; readers
// tolerate the brief window where the link is absent.
func relink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(target, link)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		return copyFile(path, out)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
