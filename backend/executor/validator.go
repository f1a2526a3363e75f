package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// cogBlockLimit is the raster size below which tiling and overviews are not required
const cogBlockLimit = 512

// ValidationResult reports whether a file is a Cloud Optimized GeoTIFF
type ValidationResult struct {
	Path    string   `json:"path"`
	IsCOG   bool     `json:"is_cog"`
	Reasons []string `json:"reasons,omitempty"`
}

// Validator inspects converted files with gdalinfo
type Validator struct {
	// Command is the gdalinfo executable, "gdalinfo" when empty
	Command string
}

// NewValidator creates a validator using gdalinfo from PATH
func NewValidator() *Validator {
	return &Validator{Command: "gdalinfo"}
}

type gdalInfo struct {
	DriverShortName string                       `json:"driverShortName"`
	Size            []int                        `json:"size"`
	Metadata        map[string]map[string]string `json:"metadata"`
	Bands           []struct {
		Band      int   `json:"band"`
		Block     []int `json:"block"`
		Overviews []struct {
			Size []int `json:"size"`
		} `json:"overviews"`
	} `json:"bands"`
}

// Validate runs gdalinfo on path and checks the COG layout rules
func (v *Validator) Validate(ctx context.Context, path string) (*ValidationResult, error) {
	command := v.Command
	if command == "" {
		command = "gdalinfo"
	}

	cmd := exec.CommandContext(ctx, command, "-json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gdalinfo %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return ParseInfo(path, stdout.Bytes())
}

// ParseInfo evaluates gdalinfo -json output for path
func ParseInfo(path string, data []byte) (*ValidationResult, error) {
	var info gdalInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse gdalinfo output for %s: %w", path, err)
	}

	result := &ValidationResult{Path: path}
	fail := func(format string, args ...any) {
		result.Reasons = append(result.Reasons, fmt.Sprintf(format, args...))
	}

	if info.DriverShortName != "GTiff" {
		fail("driver is %q, not GTiff", info.DriverShortName)
	}

	width, height := 0, 0
	if len(info.Size) == 2 {
		width, height = info.Size[0], info.Size[1]
	} else {
		fail("raster size missing")
	}
	large := width > cogBlockLimit || height > cogBlockLimit

	if len(info.Bands) == 0 {
		fail("no bands")
	}
	for i, band := range info.Bands {
		index := band.Band
		if index == 0 {
			index = i + 1
		}
		if large && (len(band.Block) != 2 || band.Block[0] >= width) {
			fail("band %d is not tiled", index)
		}
	}
	if large && len(info.Bands) > 0 && len(info.Bands[0].Overviews) == 0 {
		fail("band 1 has no overviews")
	}

	structure := info.Metadata["IMAGE_STRUCTURE"]
	if layout, ok := structure["LAYOUT"]; ok {
		if layout != "COG" {
			fail("layout is %s", layout)
		}
	} else if structure["COMPRESSION"] == "" {
		fail("no compression")
	}

	result.IsCOG = len(result.Reasons) == 0
	return result, nil
}
