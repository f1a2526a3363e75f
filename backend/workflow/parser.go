package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default-recipe.yaml
var defaultRecipeYAML string

// Recipe describes how one NetCDF source is turned into COG band files
type Recipe struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Requires    []string          `yaml:"requires"`
	Env         map[string]string `yaml:"env"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Steps       []Step            `yaml:"steps"`
	Options     Options           `yaml:"options"`
}

// MetadataConfig specifies where the dataset document of a source comes from
type MetadataConfig struct {
	// SidecarSuffixes are tried next to the source, e.g. ".yaml" for <base>.yaml
	SidecarSuffixes []string `yaml:"sidecar_suffixes"`
	// Run is a command whose stdout is the YAML document stream
	Run string `yaml:"run"`
}

// Step represents one command run for every band of every raster
type Step struct {
	Name      string            `yaml:"name"`
	Run       string            `yaml:"run"`
	Condition string            `yaml:"condition"`
	Env       map[string]string `yaml:"env"`
	Timeout   int               `yaml:"timeout"` // In seconds, 0 uses the configured step timeout
}

// Options represents recipe execution options
type Options struct {
	FileGlob         string   `yaml:"file_glob"`
	SkipBandSuffixes []string `yaml:"skip_band_suffixes"`
	Subdataset       string   `yaml:"subdataset"`
	Overviews        []int    `yaml:"overviews"`
	BlockSize        int      `yaml:"block_size"`
}

// Variables available for substitution
type Variables struct {
	InputPath  string
	OutputPath string
	OutputDir  string
	TempPath   string
	FileName   string
	FileDir    string
	FileBase   string
	FileExt    string
	TileID     string
	Band       string
	BandIndex  int
	Subdataset string
	Overviews  string
	BlockSize  int
}

// Default returns the embedded recipe reproducing the gdal_translate / gdaladdo pipeline
func Default() *Recipe {
	recipe, err := Parse(defaultRecipeYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded recipe is invalid: %v", err))
	}
	return recipe
}

// Load reads a recipe file, or returns the default recipe when path is empty
func Load(path string) (*Recipe, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	return Parse(string(data))
}

// Parse parses a YAML recipe definition
func Parse(yamlContent string) (*Recipe, error) {
	var recipe Recipe
	if err := yaml.Unmarshal([]byte(yamlContent), &recipe); err != nil {
		return nil, fmt.Errorf("failed to parse recipe YAML: %w", err)
	}

	// Set defaults
	if recipe.Options.FileGlob == "" {
		recipe.Options.FileGlob = "*.nc"
	}
	if recipe.Options.Subdataset == "" {
		recipe.Options.Subdataset = `NETCDF:"${{ input_path }}":${{ band }}`
	}
	if len(recipe.Options.Overviews) == 0 {
		recipe.Options.Overviews = []int{2, 4, 8, 16, 32}
	}
	if recipe.Options.BlockSize == 0 {
		recipe.Options.BlockSize = 512
	}
	if len(recipe.Metadata.SidecarSuffixes) == 0 && recipe.Metadata.Run == "" {
		recipe.Metadata.SidecarSuffixes = []string{".yaml"}
	}

	if err := Validate(&recipe); err != nil {
		return nil, err
	}
	return &recipe, nil
}

// SubstituteVariables replaces variables in a string
func SubstituteVariables(template string, vars Variables) string {
	result := template

	replacements := map[string]string{
		"${{ input_path }}":  vars.InputPath,
		"${{ output_path }}": vars.OutputPath,
		"${{ output_dir }}":  vars.OutputDir,
		"${{ temp_path }}":   vars.TempPath,
		"${{ file_name }}":   vars.FileName,
		"${{ file_dir }}":    vars.FileDir,
		"${{ file_base }}":   vars.FileBase,
		"${{ file_ext }}":    vars.FileExt,
		"${{ tile_id }}":     vars.TileID,
		"${{ band }}":        vars.Band,
		"${{ band_index }}":  strconv.Itoa(vars.BandIndex),
		"${{ overviews }}":   vars.Overviews,
		"${{ block_size }}":  strconv.Itoa(vars.BlockSize),
	}

	// Subdataset is itself a template over the other variables
	if strings.Contains(result, "${{ subdataset }}") {
		result = strings.ReplaceAll(result, "${{ subdataset }}", vars.Subdataset)
	}

	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result
}

// BandOutputName returns the COG file name for a band. Stacked sources carry the raster index.
func BandOutputName(fileBase, band string, rasterIndex, rasterCount int) string {
	if rasterCount > 1 {
		return fmt.Sprintf("%s_%d_%s.tif", fileBase, rasterIndex, band)
	}
	return fmt.Sprintf("%s_%s.tif", fileBase, band)
}

// SidecarName returns the side-car file name for one raster of a source
func SidecarName(fileBase string, rasterIndex, rasterCount int) string {
	if rasterCount > 1 {
		return fmt.Sprintf("%s_%d.yaml", fileBase, rasterIndex)
	}
	return fileBase + ".yaml"
}

// SkipBand reports whether a band is excluded by the recipe
func (r *Recipe) SkipBand(band string) bool {
	for _, suffix := range r.Options.SkipBandSuffixes {
		if suffix != "" && strings.HasSuffix(band, suffix) {
			return true
		}
	}
	return false
}

// MatchesFileGlob checks if a file matches the glob pattern
// Supports multiple patterns separated by comma or pipe, e.g., "*.nc,*.nc4" or "*.yaml|*.xml"
func MatchesFileGlob(filePath, globPattern string) bool {
	fileName := filepath.Base(filePath)

	for _, pattern := range SplitPatterns(globPattern) {
		matched, err := filepath.Match(pattern, fileName)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}

	return false
}

// SplitPatterns splits a comma or pipe separated pattern list
func SplitPatterns(globPattern string) []string {
	patterns := strings.FieldsFunc(globPattern, func(r rune) bool {
		return r == ',' || r == '|'
	})

	result := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			result = append(result, pattern)
		}
	}
	return result
}

// GetVariables extracts variables from a source path
func GetVariables(inputPath, outputDir, tileID string) Variables {
	fileName := filepath.Base(inputPath)
	fileDir := filepath.Dir(inputPath)
	fileExt := filepath.Ext(fileName)
	fileBase := strings.TrimSuffix(fileName, fileExt)

	return Variables{
		InputPath: inputPath,
		OutputDir: outputDir,
		FileName:  fileName,
		FileDir:   fileDir,
		FileBase:  fileBase,
		FileExt:   fileExt,
		TileID:    tileID,
	}
}

// ForBand returns a copy of vars bound to one band of one raster
func (vars Variables) ForBand(recipe *Recipe, band string, rasterIndex int, outputPath, tempPath string) Variables {
	bound := vars
	bound.Band = band
	bound.BandIndex = rasterIndex
	bound.OutputPath = outputPath
	bound.TempPath = tempPath
	bound.BlockSize = recipe.Options.BlockSize
	levels := make([]string, len(recipe.Options.Overviews))
	for i, n := range recipe.Options.Overviews {
		levels[i] = strconv.Itoa(n)
	}
	bound.Overviews = strings.Join(levels, " ")
	bound.Subdataset = SubstituteVariables(recipe.Options.Subdataset, bound)
	return bound
}

// Validate validates a recipe definition
func Validate(recipe *Recipe) error {
	if recipe.Name == "" {
		return fmt.Errorf("recipe name is required")
	}

	// Validate name format (alphanumeric, hyphens, underscores)
	validName := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !validName.MatchString(recipe.Name) {
		return fmt.Errorf("recipe name must contain only alphanumeric characters, hyphens, and underscores")
	}

	if len(recipe.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	for i, step := range recipe.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i+1)
		}
		if step.Run == "" {
			return fmt.Errorf("step %d (%s): run command is required", i+1, step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %d (%s): timeout must not be negative", i+1, step.Name)
		}
	}

	if recipe.Options.BlockSize < 0 || recipe.Options.BlockSize%16 != 0 {
		return fmt.Errorf("block size must be a multiple of 16")
	}

	for _, n := range recipe.Options.Overviews {
		if n < 2 {
			return fmt.Errorf("overview level %d must be at least 2", n)
		}
	}

	return nil
}

// MatchesIgnorePattern checks a path against exclude patterns. A pattern matches the
// base name, any single path component, or, in the "**/name/**" form, any directory on the path.
func MatchesIgnorePattern(filePath string, patterns []string) bool {
	slashed := filepath.ToSlash(filePath)
	components := strings.Split(slashed, "/")
	fileName := components[len(components)-1]

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		if strings.HasPrefix(pattern, "**/") {
			inner := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
			for _, component := range components[:len(components)-1] {
				if ok, _ := filepath.Match(inner, component); ok {
					return true
				}
			}
			if !strings.HasSuffix(pattern, "/**") {
				if ok, _ := filepath.Match(inner, fileName); ok {
					return true
				}
			}
			continue
		}

		if strings.Contains(pattern, "/") {
			if ok, _ := filepath.Match(pattern, slashed); ok {
				return true
			}
			continue
		}

		for _, component := range components {
			if ok, _ := filepath.Match(pattern, component); ok {
				return true
			}
		}
	}

	return false
}
