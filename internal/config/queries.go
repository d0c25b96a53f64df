package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pump/internal/ir"
)

// Error codes reported by LoadQueries.
const (
	ErrCodeNotFound    = "E001" // Path not found
	ErrCodeNoFiles     = "E002" // Directory has no CUE files
	ErrCodeLoadFailed  = "E003" // CUE load failed
	ErrCodeBuildFailed = "E004" // CUE build failed
	ErrCodeDecode      = "E005" // YAML or CUE decode failed
	ErrCodeEmptyQuery  = "E006" // A query has no document text
	ErrCodeBadFormat   = "E007" // Unsupported file extension
)

// LoadError is a query file problem, with a CUE position when one is known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// QueryFile is the document shape shared by YAML and CUE query files:
//
//	queries:
//	  - query: "query { blog { title } }"
//	    variables: {locale: en}
type QueryFile struct {
	Queries []ir.QueryDescriptor `json:"queries" yaml:"queries"`
}

// LoadQueries reads a query list from path.
//
// A .yaml/.yml file is decoded directly. A .cue file, or a directory of them
// forming one CUE package, is evaluated and its "queries" field decoded.
// Query order is preserved; it becomes the positional identity of each
// query for the lifetime of an engine.
func LoadQueries(path string) ([]ir.QueryDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("query file not found: %s", path)}
	}

	var qf QueryFile
	switch {
	case info.IsDir():
		qf, err = loadCUEDir(path)
	case strings.EqualFold(filepath.Ext(path), ".cue"):
		qf, err = loadCUEFile(path)
	case isYAML(path):
		qf, err = loadYAML(path)
	default:
		return nil, &LoadError{Code: ErrCodeBadFormat, Message: fmt.Sprintf("unsupported query file %s (want .yaml, .yml or .cue)", path)}
	}
	if err != nil {
		return nil, err
	}

	for i, q := range qf.Queries {
		if strings.TrimSpace(q.Query) == "" {
			return nil, &LoadError{Code: ErrCodeEmptyQuery, Message: fmt.Sprintf("queries[%d]: query text is empty", i)}
		}
		if _, err := q.Key(); err != nil {
			return nil, &LoadError{Code: ErrCodeDecode, Message: fmt.Sprintf("queries[%d]: %v", i, err)}
		}
	}
	return qf.Queries, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func loadYAML(path string) (QueryFile, error) {
	var qf QueryFile
	data, err := os.ReadFile(path)
	if err != nil {
		return qf, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return qf, &LoadError{Code: ErrCodeDecode, Message: fmt.Sprintf("decode %s: %v", path, err)}
	}
	return qf, nil
}

func loadCUEFile(path string) (QueryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QueryFile{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return QueryFile{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return decodeCUE(value)
}

func loadCUEDir(dir string) (QueryFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(matches) == 0 {
		return QueryFile{}, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return QueryFile{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return QueryFile{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return QueryFile{}, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}
	return decodeCUE(value)
}

func decodeCUE(value cue.Value) (QueryFile, error) {
	var qf QueryFile
	queries := value.LookupPath(cue.ParsePath("queries"))
	if !queries.Exists() {
		return qf, nil
	}
	if err := queries.Decode(&qf.Queries); err != nil {
		return qf, &LoadError{Code: ErrCodeDecode, Message: fmt.Sprintf("decoding queries: %v", err), Pos: queries.Pos()}
	}
	return qf, nil
}
